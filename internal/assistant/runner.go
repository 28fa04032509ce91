// Package assistant runs one chat turn against the streaming chat endpoint.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arttherapy/arthelper/internal/chatstream"
	"github.com/arttherapy/arthelper/internal/conversation"
	"github.com/arttherapy/arthelper/internal/llm/openai"
)

// Kind classifies why a turn failed.
type Kind string

const (
	// KindRateLimited means the endpoint answered 429.
	KindRateLimited Kind = "rate_limited"
	// KindQuotaExceeded means the endpoint answered 402.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindCancelled means the caller abandoned the turn.
	KindCancelled Kind = "cancelled"
	// KindTransport covers every other network or status failure.
	KindTransport Kind = "transport"
)

// TurnError reports a failed turn together with the history as it stood.
type TurnError struct {
	// Kind drives the user-facing notification.
	Kind Kind
	// History keeps the user entry and any partial assistant content.
	History conversation.History
	// Err is the underlying failure.
	Err error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("chat turn %s: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// Classify maps an error to a turn failure kind.
func Classify(err error) Kind {
	var turnErr *TurnError
	switch {
	case errors.As(err, &turnErr):
		return turnErr.Kind
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, openai.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, openai.ErrQuotaExceeded):
		return KindQuotaExceeded
	default:
		return KindTransport
	}
}

// StreamClient is the part of the chat client a turn needs.
type StreamClient interface {
	ChatCompletionsStream(ctx context.Context, req *openai.ChatRequest, handler openai.DeltaHandler) (*openai.StreamSummary, error)
}

// Callbacks wires streaming lifecycle hooks.
type Callbacks struct {
	// OnStreamStart fires before the request is sent.
	OnStreamStart func() error
	// OnDelta receives each fragment and the history with the reply folded in.
	OnDelta func(delta chatstream.Delta, history conversation.History) error
	// OnStreamComplete fires after the stream ends successfully.
	OnStreamComplete func(result *TurnResult) error
}

// TurnResult captures a completed turn.
type TurnResult struct {
	// History holds the user entry and, when anything streamed, one assistant entry.
	History conversation.History
	// Reply is the assistant message of this turn.
	Reply string
	// Deltas counts streamed fragments.
	Deltas int
	// SawDone reports whether the stream ended with [DONE].
	SawDone bool
	// Duration is the wall time of the turn.
	Duration time.Duration
}

// Runner executes chat turns.
type Runner struct {
	// Client streams completions.
	Client StreamClient
	// Model is sent when non-empty; the relay picks one otherwise.
	Model string
	// SystemPrompt is prepended to the request but never stored in history.
	SystemPrompt string
	// Locale lets the relay choose its prompt language.
	Locale string
	// Logger records turn failures.
	Logger *zap.Logger
}

// RunTurn appends userText to history, streams the reply and folds every delta
// into a single assistant entry. On failure it returns a *TurnError whose
// History keeps any partial reply.
func (r *Runner) RunTurn(
	ctx context.Context,
	history conversation.History,
	userText string,
	callbacks *Callbacks,
) (*TurnResult, error) {
	if r.Client == nil {
		return nil, errors.New("client is required")
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	startTime := time.Now()
	current := conversation.AppendUser(history, userText)

	if callbacks != nil && callbacks.OnStreamStart != nil {
		if err := callbacks.OnStreamStart(); err != nil {
			return nil, fmt.Errorf("stream start callback: %w", err)
		}
	}

	req := &openai.ChatRequest{
		Model:    r.Model,
		Messages: openai.MessagesFromHistory(current.WithSystem(r.SystemPrompt)),
		Locale:   r.Locale,
	}
	summary, err := r.Client.ChatCompletionsStream(ctx, req, func(delta chatstream.Delta) error {
		current = conversation.ApplyAssistant(current, delta.Message)
		if callbacks != nil && callbacks.OnDelta != nil {
			if err := callbacks.OnDelta(delta, current); err != nil {
				return fmt.Errorf("delta callback: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		turnErr := &TurnError{Kind: Classify(err), History: current, Err: err}
		logger.Warn("chat turn failed",
			zap.String("kind", string(turnErr.Kind)),
			zap.Duration("elapsed", time.Since(startTime)),
			zap.Error(err))
		return nil, turnErr
	}

	result := &TurnResult{
		History:  current,
		Reply:    summary.Message,
		Deltas:   summary.Deltas,
		SawDone:  summary.SawDone,
		Duration: time.Since(startTime),
	}
	logger.Debug("chat turn complete",
		zap.Int("deltas", result.Deltas),
		zap.Bool("done_sentinel", result.SawDone),
		zap.Duration("elapsed", result.Duration))

	if callbacks != nil && callbacks.OnStreamComplete != nil {
		if err := callbacks.OnStreamComplete(result); err != nil {
			return nil, fmt.Errorf("stream complete callback: %w", err)
		}
	}
	return result, nil
}
