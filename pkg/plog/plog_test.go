package plog

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestPlogLevels(t *testing.T) {
	// --- Setup: Redirect plog output to capture log output ---
	var logBuf bytes.Buffer
	SetOutput(&logBuf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	t.Run("Logs all levels when level is Debug", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelDebug)

		Debug("debug message", "key", "val1")
		Info("info message", "key", "val2")
		Warn("warn message")

		output := logBuf.String()

		if !strings.Contains(output, "level=DEBUG msg=\"debug message\" key=val1") {
			t.Errorf("expected debug message to be logged, but it wasn't. Got: %s", output)
		}
		if !strings.Contains(output, "level=INFO msg=\"info message\" key=val2") {
			t.Errorf("expected info message to be logged, but it wasn't. Got: %s", output)
		}
		if !strings.Contains(output, "level=WARN msg=\"warn message\"") {
			t.Errorf("expected warn message to be logged, but it wasn't. Got: %s", output)
		}
	})

	t.Run("Suppresses lower levels when level is Warn", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelWarn)

		Debug("debug message")
		Notice("notice message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		output := logBuf.String()

		if strings.Contains(output, "debug message") || strings.Contains(output, "info message") || strings.Contains(output, "notice message") {
			t.Errorf("expected debug/notice/info to be suppressed. Got: %s", output)
		}
		if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
			t.Errorf("expected warn and error to be logged. Got: %s", output)
		}
	})

	t.Run("Logs Notice and above, but suppresses Debug", func(t *testing.T) {
		logBuf.Reset()
		SetLevel(LevelNotice)

		Debug("debug message")
		Notice("notice message", "key", "val1")

		output := logBuf.String()

		if strings.Contains(output, "debug message") {
			t.Errorf("expected debug message to be suppressed. Got: %s", output)
		}
		if !strings.Contains(output, "level=NOTICE msg=\"notice message\" key=val1") {
			t.Errorf("expected notice message to be logged with NOTICE level name. Got: %s", output)
		}
	})
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    any
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"notice", LevelNotice, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"Warn", LevelWarn, false},
		{"error", LevelError, false},
		{"bogus", nil, true},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error, got %v", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
