// Package audit records a durable trail of WAF verdicts, independent of
// the rolling request log kept for operational metrics.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewEntry builds an Entry with a fresh random ID.
func NewEntry(clientIP, method, uri, ruleID, action string, status int) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		ClientIP:  clientIP,
		Method:    method,
		URI:       uri,
		RuleID:    ruleID,
		Action:    action,
		Status:    status,
	}
}

// Entry is a single audited request verdict.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ClientIP  string    `json:"client_ip"`
	Method    string    `json:"method"`
	URI       string    `json:"uri"`
	RuleID    string    `json:"rule_id,omitempty"`
	Action    string    `json:"action"`
	Status    int       `json:"status"`
}

// Sink persists audit entries somewhere durable.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// NopSink discards every entry. Used when audit logging is disabled.
type NopSink struct{}

func (NopSink) Write(context.Context, Entry) error { return nil }
func (NopSink) Close() error                        { return nil }

// FileSink appends entries as newline-delimited JSON to a local file,
// mirroring the default file-backed audit destination.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	log *slog.Logger
}

// NewFileSink opens (creating if needed) the audit log file at path.
func NewFileSink(path string, log *slog.Logger) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileSink{f: f, log: log}, nil
}

func (s *FileSink) Write(_ context.Context, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	return s.f.Close()
}
