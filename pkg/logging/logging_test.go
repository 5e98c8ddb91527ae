package logging

import (
	"bytes"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, Init(Settings{Level: "debug", Format: "json"}, &buf))
	log.Debug().Str("component", "test").Msg("hello")
	require.Contains(t, buf.String(), `"component":"test"`)
	require.Contains(t, buf.String(), `"message":"hello"`)
}

func TestInitRejectsUnknown(t *testing.T) {
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prevLevel) })

	require.Error(t, Init(Settings{Level: "loud"}, &bytes.Buffer{}))
	require.Error(t, Init(Settings{Level: "info", Format: "xml"}, &bytes.Buffer{}))
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.TraceLevel)
	a := NewWatermill(l).With(watermill.LogFields{"topic": "conversation:c1"})
	a.Info("subscribed", watermill.LogFields{"n": 1})
	require.Contains(t, buf.String(), `"topic":"conversation:c1"`)
	require.Contains(t, buf.String(), `"n":1`)
}
