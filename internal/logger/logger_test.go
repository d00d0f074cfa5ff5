package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelsFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, WarnLevel)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")
	log.Error("also shown")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown")
	require.Equal(t, 2, strings.Count(out, "\n"))
}

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, InfoLevel)

	log.Info("vault unlocked",
		String("vault_id", "vault-1"),
		Int("records", 3),
		Bool("ok", true),
		Err(errors.New("boom")),
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "vault unlocked", entry["message"])
	require.Equal(t, "INFO", entry["level"])
	require.Equal(t, "vault-1", entry["vault_id"])
	require.Equal(t, float64(3), entry["records"])
	require.Equal(t, true, entry["ok"])
	require.Equal(t, "boom", entry["error"])
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, InfoLevel).WithFields(String("component", "core"))

	log.Info("message")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "core", entry["component"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, DebugLevel, ParseLevel("debug"))
	require.Equal(t, WarnLevel, ParseLevel("WARN"))
	require.Equal(t, InfoLevel, ParseLevel(""))
	require.Equal(t, InfoLevel, ParseLevel("bogus"))
}
