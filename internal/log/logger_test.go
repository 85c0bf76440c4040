package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentTagsOutput(t *testing.T) {
	var buf bytes.Buffer
	l := Component(NewWithWriter(&buf, "info"), "signal")
	l.Info().Msg("up")
	l.Debug().Msg("hidden")

	out := buf.String()
	if !strings.Contains(out, "component=") || !strings.Contains(out, "signal") || !strings.Contains(out, "up") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked at info level: %q", out)
	}
}

func TestComponentNilParent(t *testing.T) {
	Component(nil, "x").Info().Msg("discarded")
}
