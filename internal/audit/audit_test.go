package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileSinkWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileSink(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink returned error: %v", err)
	}

	e := NewEntry("203.0.113.5", "GET", "/admin", "942100", "waf", 403)
	if err := sink.Write(context.Background(), e); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	var got Entry
	if err := json.Unmarshal(data[:len(data)-1], &got); err != nil {
		t.Fatalf("unmarshal audit line: %v", err)
	}
	if got.ClientIP != "203.0.113.5" || got.Action != "waf" || got.Status != 403 {
		t.Errorf("unexpected entry: %+v", got)
	}
	if got.ID == "" {
		t.Error("expected a generated entry ID")
	}
}

func TestNopSinkDiscards(t *testing.T) {
	var s NopSink
	if err := s.Write(context.Background(), NewEntry("1.2.3.4", "GET", "/", "", "pass", 200)); err != nil {
		t.Errorf("NopSink.Write should never error, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("NopSink.Close should never error, got %v", err)
	}
}
