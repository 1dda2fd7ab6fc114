package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"fatal":   zerolog.FatalLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSetup(t *testing.T) {
	Setup("debug", "json")
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global debug level, got %s", zerolog.GlobalLevel())
	}
	Setup("info", "console")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected global info level, got %s", zerolog.GlobalLevel())
	}
}
