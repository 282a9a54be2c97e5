package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"warn":    WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentFieldsAreWritten(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	SetLevel(DEBUG)
	defer SetLevel(INFO)

	InfoCF("memory", "stored record", map[string]interface{}{"bot_id": "alice"})
	out := buf.String()
	if !strings.Contains(out, "stored record") {
		t.Fatalf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "memory") || !strings.Contains(out, "alice") {
		t.Fatalf("expected component and field in output, got %q", out)
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	SetLevel(WARN)
	defer SetLevel(INFO)

	DebugCF("memory", "hidden", nil)
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line should be filtered at WARN, got %q", buf.String())
	}
}
