package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	l := Component("ratelimit")
	l.Info().Int("attempt", 2).Msg("throttled")
	Debug().Msg("hidden")

	out := buf.String()
	if !strings.Contains(out, `"component":"ratelimit"`) || !strings.Contains(out, `"attempt":2`) {
		t.Errorf("unexpected log output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug event emitted at info level")
	}
}
