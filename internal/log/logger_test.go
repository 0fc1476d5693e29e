package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"none":    LevelNone,
		"ERROR":   LevelError,
		"warn":    LevelWarning,
		"warning": LevelWarning,
		" info ":  LevelInfo,
		"Debug":   LevelDebug,
	}
	for name, expected := range tests {
		level, err := ParseLevel(name)
		if err != nil {
			t.Errorf("Unexpected error parsing '%s': %s", name, err)
		} else if level != expected {
			t.Errorf("Parsed '%s' as %s, expected %s", name, level, expected)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("Expected error when parsing unknown level")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buffer bytes.Buffer
	SetOutput(&buffer)
	defer SetOutput(nil)
	defer SetLevel(logLevel())

	SetLevel(LevelWarning)
	Debug("dropped %d", 1)
	Info("dropped %d", 2)
	Warning("kept %d", 3)
	Error("kept %d", 4)

	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines but got %d: %q", len(lines), buffer.String())
	}
	if !strings.Contains(lines[0], "[warn ] kept 3") {
		t.Errorf("Unexpected warning line: %s", lines[0])
	}
	if !strings.Contains(lines[1], "[error] kept 4") {
		t.Errorf("Unexpected error line: %s", lines[1])
	}
}
