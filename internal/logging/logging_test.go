package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func TestNewJSONRespectsLevelAndDisable(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "window", "w1")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info record written at warn level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"window":"w1"`) {
		t.Errorf("warn record missing attrs: %s", buf.String())
	}

	Disable()
	defer Enable()
	buf.Reset()
	logger.Error("suppressed")
	if buf.Len() != 0 {
		t.Errorf("Disable() let %q through", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("New() with format xml should fail")
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Error("OrDiscard(nil) = nil")
	}
	l := slog.Default()
	if OrDiscard(l) != l {
		t.Error("OrDiscard() should keep a given logger")
	}
}
