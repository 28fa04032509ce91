// Package streamjson writes machine-readable turn output as JSON Lines.
package streamjson

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

const (
	// TypeSystem opens a stream with session details.
	TypeSystem = "system"
	// TypeDelta carries one streamed text fragment.
	TypeDelta = "delta"
	// TypeResult ends a successful turn.
	TypeResult = "result"
	// TypeError ends a failed turn.
	TypeError = "error"
)

// SystemEvent announces the session a stream belongs to.
type SystemEvent struct {
	// Type is always "system".
	Type string `json:"type"`
	// Subtype is "init" for the opening event.
	Subtype string `json:"subtype"`
	// Model is the requested model, empty when the relay decides.
	Model string `json:"model,omitempty"`
	// Locale is the notification locale.
	Locale string `json:"locale"`
	// SessionID scopes the event to a session.
	SessionID string `json:"session_id"`
	// UUID uniquely identifies the event.
	UUID string `json:"uuid"`
}

// DeltaEvent carries one streamed fragment.
type DeltaEvent struct {
	// Type is always "delta".
	Type string `json:"type"`
	// Text is the newly decoded text.
	Text string `json:"text"`
	// SessionID scopes the event to a session.
	SessionID string `json:"session_id"`
	// UUID uniquely identifies the event.
	UUID string `json:"uuid"`
}

// ResultEvent reports a completed turn.
type ResultEvent struct {
	// Type is always "result".
	Type string `json:"type"`
	// Subtype is "success".
	Subtype string `json:"subtype"`
	// IsError is false for results.
	IsError bool `json:"is_error"`
	// Result is the full assistant message.
	Result string `json:"result"`
	// DurationMS is the turn wall time in milliseconds.
	DurationMS int64 `json:"duration_ms"`
	// Deltas counts streamed fragments.
	Deltas int `json:"deltas"`
	// DoneSentinel reports whether the stream ended with [DONE].
	DoneSentinel bool `json:"done_sentinel"`
	// SessionID scopes the event to a session.
	SessionID string `json:"session_id"`
	// UUID uniquely identifies the event.
	UUID string `json:"uuid"`
}

// ErrorEvent reports a failed turn.
type ErrorEvent struct {
	// Type is always "error".
	Type string `json:"type"`
	// Kind classifies the failure, e.g. rate_limited.
	Kind string `json:"kind"`
	// Message is the localized notification.
	Message string `json:"message"`
	// Detail is the underlying error text.
	Detail string `json:"detail,omitempty"`
	// Partial is any assistant text received before the failure.
	Partial string `json:"partial,omitempty"`
	// SessionID scopes the event to a session.
	SessionID string `json:"session_id"`
	// UUID uniquely identifies the event.
	UUID string `json:"uuid"`
}

// Writer emits events as JSON Lines. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriter constructs a stream-json writer.
func NewWriter(writer io.Writer) *Writer {
	return &Writer{writer: writer}
}

// Write emits a single event as a JSON line.
func (w *Writer) Write(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream-json event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write stream-json event: %w", err)
	}
	return nil
}

// NewUUID returns a new UUID string for stream-json events.
func NewUUID() string {
	return uuid.NewString()
}

// NewSystemEvent builds the opening event of a stream.
func NewSystemEvent(sessionID, model, locale string) SystemEvent {
	return SystemEvent{
		Type:      TypeSystem,
		Subtype:   "init",
		Model:     model,
		Locale:    locale,
		SessionID: sessionID,
		UUID:      NewUUID(),
	}
}

// NewDeltaEvent builds a delta event.
func NewDeltaEvent(sessionID, text string) DeltaEvent {
	return DeltaEvent{Type: TypeDelta, Text: text, SessionID: sessionID, UUID: NewUUID()}
}

// NewErrorEvent builds an error event.
func NewErrorEvent(sessionID, kind, message string, err error, partial string) ErrorEvent {
	event := ErrorEvent{
		Type:      TypeError,
		Kind:      kind,
		Message:   message,
		Partial:   partial,
		SessionID: sessionID,
		UUID:      NewUUID(),
	}
	if err != nil {
		event.Detail = err.Error()
	}
	return event
}
