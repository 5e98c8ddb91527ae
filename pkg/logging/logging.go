package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings controls the global zerolog logger.
type Settings struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console|json
	WithCaller bool   `yaml:"with_caller"`
}

// Init configures the global logger. Output goes to w (stderr when nil).
func Init(s Settings, w io.Writer) error {
	if w == nil {
		w = os.Stderr
	}
	lvl := strings.TrimSpace(s.Level)
	if lvl == "" {
		lvl = "info"
	}
	level, err := zerolog.ParseLevel(lvl)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", lvl)
	}
	zerolog.SetGlobalLevel(level)

	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "console", "text":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return errors.Errorf("unknown log format %q", s.Format)
	}

	ctx := zerolog.New(w).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}

// NewWatermill adapts a zerolog logger to watermill's LoggerAdapter.
func NewWatermill(l zerolog.Logger) watermill.LoggerAdapter {
	return &watermillAdapter{l: l}
}

type watermillAdapter struct {
	l zerolog.Logger
}

func (w *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.l.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{l: w.l.With().Fields(map[string]interface{}(fields)).Logger()}
}
