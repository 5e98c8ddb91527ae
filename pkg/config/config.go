// Package config loads settings from a YAML file, an optional .env file and
// CHATWIDGET_* environment variables, in that order of precedence (later wins).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatwidget/pkg/chaterrors"
	"github.com/go-go-golems/chatwidget/pkg/identity"
	"github.com/go-go-golems/chatwidget/pkg/logging"
	"github.com/go-go-golems/chatwidget/pkg/realtime"
	"github.com/go-go-golems/chatwidget/pkg/redisstream"
)

const (
	EnvConfigFile = "CHATWIDGET_CONFIG_FILE"
	envPrefix     = "CHATWIDGET_"
)

var ErrMissingWebhookID = errors.New("webhookId is required")

// Widget is the host init(config) payload; it is also what init-config carries.
type Widget struct {
	WebhookID  string `yaml:"webhook_id" json:"webhookId"`
	Title      string `yaml:"title" json:"title,omitempty"`
	ThemeColor string `yaml:"theme_color" json:"themeColor,omitempty"`
}

func (w Widget) Validate() error {
	if strings.TrimSpace(w.WebhookID) == "" {
		return chaterrors.Config("init", ErrMissingWebhookID)
	}
	return nil
}

// WithDefaults fills the presentational fields.
func (w Widget) WithDefaults() Widget {
	if w.Title == "" {
		w.Title = "Chat"
	}
	if w.ThemeColor == "" {
		w.ThemeColor = "#0b57d0"
	}
	return w
}

type Backend struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// Keepalive fails a silent listen stream after this long.
	Keepalive time.Duration `yaml:"keepalive"`
}

type Realtime struct {
	Backoff      string        `yaml:"backoff"` // exponential|fixed
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// NewBackoff returns the reconnection policy factory for these settings.
func (r Realtime) NewBackoff() (func() backoff.BackOff, error) {
	initial := r.InitialDelay
	if initial <= 0 {
		initial = 3 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(r.Backoff)) {
	case "", "exponential":
		maxDelay := r.MaxDelay
		if maxDelay <= 0 {
			maxDelay = 60 * time.Second
		}
		return func() backoff.BackOff {
			b := realtime.ExponentialBackoff().(*backoff.ExponentialBackOff)
			b.InitialInterval = initial
			b.MaxInterval = maxDelay
			b.Reset()
			return b
		}, nil
	case "fixed":
		return realtime.FixedBackoff(initial), nil
	default:
		return nil, errors.Errorf("unknown realtime backoff %q", r.Backoff)
	}
}

type Server struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	// RateLimit is messages per second per user; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// DBPath selects the SQLite message store; empty keeps messages in memory.
	DBPath     string        `yaml:"db_path"`
	ReplyDelay time.Duration `yaml:"reply_delay"`
}

type Settings struct {
	Widget   Widget               `yaml:"widget"`
	Backend  Backend              `yaml:"backend"`
	Identity identity.Settings    `yaml:"identity"`
	Redis    redisstream.Settings `yaml:"redis"`
	Realtime Realtime             `yaml:"realtime"`
	Server   Server               `yaml:"server"`
	Logging  logging.Settings     `yaml:"logging"`
}

func Default() Settings {
	return Settings{
		Widget:   Widget{}.WithDefaults(),
		Backend:  Backend{URL: "http://localhost:8080", Timeout: 15 * time.Second, Keepalive: 90 * time.Second},
		Identity: identity.DefaultSettings(),
		Redis:    redisstream.DefaultSettings(),
		Realtime: Realtime{Backoff: "exponential", InitialDelay: 3 * time.Second, MaxDelay: 60 * time.Second},
		Server: Server{
			Addr:         ":8080",
			IdleTimeout:  time.Minute,
			PingInterval: 30 * time.Second,
			RateLimit:    5,
			RateBurst:    10,
			ReplyDelay:   500 * time.Millisecond,
		},
		Logging: logging.Settings{Level: "info", Format: "console"},
	}
}

// Load builds settings from defaults, the YAML file at path (or
// $CHATWIDGET_CONFIG_FILE), a .env file in the working directory and the
// process environment. A missing file is not an error when path is empty.
func Load(path string) (Settings, error) {
	s := Default()

	// .env only seeds variables that are not already set
	_ = godotenv.Load(".env")

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		b, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return Settings{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ApplyEnv overrides fields from CHATWIDGET_* variables.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		if v, ok := lookup(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "%s%s", envPrefix, name)
			}
			*dst = d
		}
		return nil
	}

	str("WEBHOOK_ID", &s.Widget.WebhookID)
	str("TITLE", &s.Widget.Title)
	str("THEME_COLOR", &s.Widget.ThemeColor)
	str("BACKEND_URL", &s.Backend.URL)
	str("IDENTITY_DRIVER", &s.Identity.Driver)
	str("IDENTITY_PATH", &s.Identity.Path)
	str("IDENTITY_REDIS_ADDR", &s.Identity.RedisAddr)
	str("REDIS_ADDR", &s.Redis.Addr)
	str("REALTIME_BACKOFF", &s.Realtime.Backoff)
	str("SERVER_ADDR", &s.Server.Addr)
	str("SERVER_DB_PATH", &s.Server.DBPath)
	str("LOG_LEVEL", &s.Logging.Level)
	str("LOG_FORMAT", &s.Logging.Format)

	if v, ok := lookup(envPrefix + "REDIS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, envPrefix+"REDIS_ENABLED")
		}
		s.Redis.Enabled = b
	}
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok {
		s.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.Server.AllowedOrigins = append(s.Server.AllowedOrigins, o)
			}
		}
	}
	for name, dst := range map[string]*time.Duration{
		"BACKEND_TIMEOUT":        &s.Backend.Timeout,
		"BACKEND_KEEPALIVE":      &s.Backend.Keepalive,
		"SERVER_PING_INTERVAL":   &s.Server.PingInterval,
		"REALTIME_INITIAL_DELAY": &s.Realtime.InitialDelay,
		"REALTIME_MAX_DELAY":     &s.Realtime.MaxDelay,
		"SERVER_IDLE_TIMEOUT":    &s.Server.IdleTimeout,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	return nil
}
