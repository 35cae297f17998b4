// Package audit records every authorization decision taken on a sensitive
// bridge action as a structured JSON line.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/aobridge/pkg/auth"
)

// Decision is the outcome recorded for a sensitive action.
type Decision string

const (
	DecisionAuthorized Decision = "AUTHORIZED"
	DecisionDenied     Decision = "DENIED"
	// DecisionBypassed means the signature check was skipped because no
	// secret is configured.
	DecisionBypassed Decision = "BYPASSED"
	DecisionMinted   Decision = "MINTED"
)

// Event is a single audit record.
type Event struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id,omitempty"`
	Operator  string         `json:"operator,omitempty"`
	Decision  Decision       `json:"decision"`
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, decision Decision, action, target string, metadata map[string]any) error
}

type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to w.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(ctx context.Context, decision Decision, action, target string, metadata map[string]any) error {
	event := newEvent(ctx, l.clock(), decision, action, target, metadata)
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// AUDIT: prefix keeps the lines greppable in mixed log streams.
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(data, '\n')...))
	return err
}

func newEvent(ctx context.Context, now time.Time, decision Decision, action, target string, metadata map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		RequestID: auth.GetRequestID(ctx),
		Operator:  auth.GetOperator(ctx),
		Decision:  decision,
		Action:    action,
		Target:    target,
		Timestamp: now.UTC(),
		Metadata:  metadata,
	}
}

// Tee records to every logger and joins their errors.
func Tee(loggers ...Logger) Logger {
	return tee(loggers)
}

type tee []Logger

func (t tee) Record(ctx context.Context, decision Decision, action, target string, metadata map[string]any) error {
	var errs []error
	for _, l := range t {
		if err := l.Record(ctx, decision, action, target, metadata); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Decision, string, string, map[string]any) error { return nil }
