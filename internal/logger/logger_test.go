package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		"WARN":     zerolog.WarnLevel,
		"nonsense": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewProduction(&buf)
	log.Info().Str("user_id", "u-1").Msg("logged in")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["user_id"] != "u-1" || entry["message"] != "logged in" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("short"); got != "*****" {
		t.Errorf("expected short secrets to be masked, got %q", got)
	}
	if got := Redact("abcdefghijklmnopqrstuvwxyz"); got != "abcd…wxyz" {
		t.Errorf("unexpected redaction %q", got)
	}
}

func TestFormatLevelShortNames(t *testing.T) {
	cases := map[string]string{
		"x":      "X",
		"ab":     "AB",
		"custom": "CUS",
	}
	for in, want := range cases {
		if got := formatLevel(in); !strings.Contains(got, want) {
			t.Errorf("formatLevel(%q) = %q, want it to contain %q", in, got, want)
		}
	}
}
