package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{raw: "", want: zerolog.InfoLevel, ok: false},
		{raw: "debug", want: zerolog.DebugLevel, ok: true},
		{raw: " WARNING ", want: zerolog.WarnLevel, ok: true},
		{raw: "off", want: zerolog.Disabled, ok: true},
		{raw: "loud", want: zerolog.InfoLevel, ok: false},
	}
	for _, tc := range tests {
		got, ok := parseLevel(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseLevel(%q) = %v,%v want %v,%v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogJSON, "true")
	t.Setenv(EnvLogNoColor, "not-a-bool")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("expected error level, got %v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("expected timestamp disabled")
	}
	if !cfg.JSON {
		t.Fatalf("expected json output")
	}
	if cfg.NoColor {
		t.Fatalf("invalid bool must not override NoColor")
	}
}

func TestBuildJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := build(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	logger.Info().Str("thread_id", "t1").Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"thread_id":"t1"`) || !strings.Contains(out, `"app":"threadlock"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
