package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesTypedFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, zerolog.DebugLevel).With(String("unit", "42/1d"))

	log.Info("state written",
		Int("states", 3),
		Int64("instrument", 42),
		Float("close", 10.5),
		Bool("rebuild", true),
		Duration("took", 1500*time.Millisecond),
		Err(errors.New("boom")),
		Any("fields", []string{"adv"}),
	)

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "info", event["level"])
	assert.Equal(t, "state written", event["message"])
	assert.Equal(t, "42/1d", event["unit"])
	assert.Equal(t, 3.0, event["states"])
	assert.Equal(t, 42.0, event["instrument"])
	assert.Equal(t, 10.5, event["close"])
	assert.Equal(t, true, event["rebuild"])
	assert.Equal(t, "boom", event["error"])
	assert.Equal(t, []any{"adv"}, event["fields"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, zerolog.WarnLevel)

	log.Info("dropped")
	log.Debug("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNew_Config(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "engine.log")
	log, err := New(Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	log.Info("to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")

	Nop().Error("nowhere")
}
