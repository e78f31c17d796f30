package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := map[string]struct {
		format    string
		level     string
		expectErr bool
	}{
		"invalid format":         {format: "xml", level: LevelInfo, expectErr: true},
		"invalid level":          {format: FormatJSON, level: "loud", expectErr: true},
		"json info":              {format: FormatJSON, level: LevelInfo},
		"plain debug":            {format: FormatPlain, level: LevelDebug},
		"defaults on empty strs": {format: "", level: ""},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.format, tc.level)
			if tc.expectErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.expectErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewWithWriter_JSONLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, FormatJSON, LevelWarn)
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("dropped")
	log.Warn().Str("component", "ledger").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["message"] != "kept" || entry["component"] != "ledger" {
		t.Errorf("unexpected entry: %v", entry)
	}
}
