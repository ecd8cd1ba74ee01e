package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.raw); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	ctx := context.Background()
	logger := New("warn")
	if !logger.Enabled(ctx, slog.LevelWarn) {
		t.Error("warn logger must enable warn")
	}
	if logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("warn logger must not enable info")
	}
}

func TestWithCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info").With("component", "scheduler")
	logger.Info("slot booked", "doctor", "Dr. Smith")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if record["component"] != "scheduler" {
		t.Errorf("component = %v, want scheduler", record["component"])
	}
	if record["doctor"] != "Dr. Smith" {
		t.Errorf("doctor = %v, want Dr. Smith", record["doctor"])
	}
	if record["msg"] != "slot booked" {
		t.Errorf("msg = %v", record["msg"])
	}
}
