package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, " WARN ": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := levelFromString(in).Level(); got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
}

func TestLoggerTagsServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "worker", "warn")
	l.Info("dropped")
	l.Warn("kept", "ride_id", "r1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "kept" || rec["service"] != "worker" || rec["ride_id"] != "r1" {
		t.Fatalf("unexpected record: %v", rec)
	}
}
