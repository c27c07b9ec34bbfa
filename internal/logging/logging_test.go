package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentFollowsInit(t *testing.T) {
	log := Component("ingest")

	var first, second bytes.Buffer
	InitWriter(&first, slog.LevelInfo, false)
	log.Info("first")

	InitWriter(&second, slog.LevelInfo, true)
	log.With("device", "fs1-OST0000").Info("second")

	if !strings.Contains(first.String(), "component=ingest") || !strings.Contains(first.String(), "msg=first") {
		t.Errorf("text output = %q", first.String())
	}

	var rec map[string]any
	if err := json.Unmarshal(second.Bytes(), &rec); err != nil {
		t.Fatalf("json output %q: %v", second.String(), err)
	}
	if rec["component"] != "ingest" || rec["device"] != "fs1-OST0000" || rec["msg"] != "second" {
		t.Errorf("json record = %v", rec)
	}
	if first.Len() == 0 || strings.Contains(first.String(), "second") {
		t.Errorf("record went to the old handler: %q", first.String())
	}
}

func TestComponentLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelWarn, false)

	log := Component("store")
	log.Info("hidden")
	log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)

	ctx := ContextWithHost(context.Background(), "oss1")
	ctx = ContextWithDevice(ctx, "fs1-OST0000")
	ctx = ContextWithEpoch(ctx, 42)
	WithContext(ctx).Info("row")

	out := buf.String()
	for _, want := range []string{"host=oss1", "device=fs1-OST0000", "epoch=42"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
