package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/arttherapy/arthelper/internal/assistant"
	"github.com/arttherapy/arthelper/internal/chatstream"
	"github.com/arttherapy/arthelper/internal/conversation"
	"github.com/arttherapy/arthelper/internal/notice"
	"github.com/arttherapy/arthelper/internal/streamjson"
)

// runPrintMode runs one turn and writes it in the requested format.
func (a *app) runPrintMode(prompt string) error {
	if prompt == "" {
		raw, err := io.ReadAll(a.in)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(raw))
	}
	if prompt == "" {
		return fmt.Errorf("prompt is required in print mode")
	}

	ctx, stop := withInterrupt(context.Background())
	defer stop()

	switch a.opts.OutputFormat {
	case "stream-json":
		return a.printStreamJSON(ctx, prompt)
	case "json":
		return a.printJSON(ctx, prompt)
	default:
		return a.printText(ctx, prompt)
	}
}

// printText streams deltas to stdout and notices to stderr.
func (a *app) printText(ctx context.Context, prompt string) error {
	printer := newInteractiveStreamPrinter(a.out)
	result, err := a.runTurn(ctx, prompt, printer.callbacks())
	printer.EnsureNewline()
	if err != nil {
		fmt.Fprintln(a.errOut, a.catalog.ForError(a.locale, err))
		return errReported
	}
	if result.Reply == "" {
		fmt.Fprintln(a.errOut, a.catalog.Lookup(a.locale, notice.EmptyReply))
	}
	return nil
}

// printJSON writes a single result or error object.
func (a *app) printJSON(ctx context.Context, prompt string) error {
	writer := streamjson.NewWriter(a.out)
	result, err := a.runTurn(ctx, prompt, nil)
	if err != nil {
		_ = writer.Write(a.errorEvent(err))
		return errReported
	}
	return writer.Write(a.resultEvent(result))
}

// printStreamJSON writes an init event, one event per delta, then a result or error.
func (a *app) printStreamJSON(ctx context.Context, prompt string) error {
	writer := streamjson.NewWriter(a.out)
	if err := writer.Write(streamjson.NewSystemEvent(a.sessionID, a.model, a.locale)); err != nil {
		return err
	}
	callbacks := &assistant.Callbacks{
		OnDelta: func(delta chatstream.Delta, _ conversation.History) error {
			return writer.Write(streamjson.NewDeltaEvent(a.sessionID, delta.Content))
		},
	}
	result, err := a.runTurn(ctx, prompt, callbacks)
	if err != nil {
		_ = writer.Write(a.errorEvent(err))
		return errReported
	}
	return writer.Write(a.resultEvent(result))
}

// runTurn executes a turn against the app history and persists what it produced.
func (a *app) runTurn(ctx context.Context, prompt string, callbacks *assistant.Callbacks) (*assistant.TurnResult, error) {
	previousLen := len(a.history)
	result, err := a.runner.RunTurn(ctx, a.history, prompt, callbacks)
	if history, ok := turnHistory(result, err); ok {
		a.history = history
		if persistErr := a.persist(previousLen, history); persistErr != nil {
			fmt.Fprintln(a.errOut, persistErr)
		}
	}
	return result, err
}

func (a *app) resultEvent(result *assistant.TurnResult) streamjson.ResultEvent {
	return streamjson.ResultEvent{
		Type:         streamjson.TypeResult,
		Subtype:      "success",
		Result:       result.Reply,
		DurationMS:   result.Duration.Milliseconds(),
		Deltas:       result.Deltas,
		DoneSentinel: result.SawDone,
		SessionID:    a.sessionID,
		UUID:         streamjson.NewUUID(),
	}
}

func (a *app) errorEvent(err error) streamjson.ErrorEvent {
	partial := ""
	if last, ok := a.history.LastAssistant(); ok {
		partial = last.Content
	}
	return streamjson.NewErrorEvent(
		a.sessionID,
		string(assistant.Classify(err)),
		a.catalog.ForError(a.locale, err),
		err,
		partial,
	)
}
