package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/arttherapy/arthelper/internal/chatstream"
)

// DeltaHandler consumes decoded text deltas in arrival order.
type DeltaHandler func(delta chatstream.Delta) error

// StreamSummary captures the outcome of a streaming response.
type StreamSummary struct {
	// Message is the complete assistant text.
	Message string
	// Deltas counts emitted fragments.
	Deltas int
	// SawDone reports whether the stream ended with [DONE].
	SawDone bool
	// DroppedPayloads counts malformed lines given up on.
	DroppedPayloads int
}

// OpenStream sends a streaming request and returns the raw SSE response.
// The caller owns the response body.
func (c *Client) OpenStream(ctx context.Context, req *ChatRequest) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("chat request is required")
	}
	req.Stream = true
	return c.send(ctx, req)
}

// ChatCompletionsStream executes a streaming request and decodes it chunk by chunk.
func (c *Client) ChatCompletionsStream(ctx context.Context, req *ChatRequest, handler DeltaHandler) (*StreamSummary, error) {
	if handler == nil {
		return nil, errors.New("delta handler is required")
	}

	resp, err := c.OpenStream(ctx, req)
	if err != nil {
		return nil, err
	}
	// Closing the body releases the connection when the turn is abandoned.
	defer resp.Body.Close()

	decoder := chatstream.NewDecoder(chatstream.WithMaxPayloadRetries(c.maxPayloadRetries))
	summary := &StreamSummary{}
	buffer := make([]byte, c.readSize)

	for !decoder.Done() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			deltas, feedErr := decoder.Feed(buffer[:n])
			if feedErr != nil {
				summary.DroppedPayloads++
				c.logger.Warn("dropped stream payload", zap.Error(feedErr))
			}
			for _, delta := range deltas {
				summary.Deltas++
				if err := handler(delta); err != nil {
					return nil, err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				decoder.Finish()
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read stream: %w", readErr)
		}
	}

	summary.Message = decoder.Message()
	summary.SawDone = decoder.SawSentinel()
	c.logger.Debug("stream finished",
		zap.Int("deltas", summary.Deltas),
		zap.Bool("done_sentinel", summary.SawDone),
		zap.Int("message_bytes", len(summary.Message)))
	return summary, nil
}
