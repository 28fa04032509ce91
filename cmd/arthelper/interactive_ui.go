package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/arttherapy/arthelper/internal/assistant"
	"github.com/arttherapy/arthelper/internal/chatstream"
	"github.com/arttherapy/arthelper/internal/conversation"
	"github.com/arttherapy/arthelper/internal/notice"
	"github.com/arttherapy/arthelper/internal/session"
)

// interactiveStreamPrinter renders streaming output for line-mode turns.
type interactiveStreamPrinter struct {
	// out is the writer for assistant text.
	out io.Writer
	// wroteText tracks whether any deltas were printed.
	wroteText bool
	// lineOpen tracks whether a streaming line is in progress.
	lineOpen bool
}

// newInteractiveStreamPrinter constructs a printer.
func newInteractiveStreamPrinter(out io.Writer) *interactiveStreamPrinter {
	return &interactiveStreamPrinter{out: out}
}

// Reset clears state before a new streamed response begins.
func (p *interactiveStreamPrinter) Reset() {
	p.wroteText = false
	p.lineOpen = false
}

// EnsureNewline terminates a streaming line if one is active.
func (p *interactiveStreamPrinter) EnsureNewline() {
	if p == nil || !p.lineOpen {
		return
	}
	fmt.Fprintln(p.out)
	p.lineOpen = false
}

// OnDelta prints incremental text as it arrives.
func (p *interactiveStreamPrinter) OnDelta(delta chatstream.Delta, _ conversation.History) error {
	if delta.Content == "" {
		return nil
	}
	p.lineOpen = true
	p.wroteText = true
	_, err := fmt.Fprint(p.out, delta.Content)
	return err
}

// callbacks wires the printer into turn callbacks.
func (p *interactiveStreamPrinter) callbacks() *assistant.Callbacks {
	return &assistant.Callbacks{
		OnStreamStart: func() error {
			p.Reset()
			return nil
		},
		OnDelta: p.OnDelta,
		OnStreamComplete: func(*assistant.TurnResult) error {
			p.EnsureNewline()
			return nil
		},
	}
}

// runLineMode reads prompts line by line when no TTY is attached.
func (a *app) runLineMode() error {
	reader := bufio.NewScanner(a.in)
	reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	printer := newInteractiveStreamPrinter(a.out)

	fmt.Fprintln(a.out, a.catalog.Lookup(a.locale, notice.Ready))
	for {
		fmt.Fprint(a.out, "\n> ")
		if !reader.Scan() {
			break
		}
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}
		if handled, output, quit := a.handleSlashCommand(line); handled {
			if output != "" {
				fmt.Fprintln(a.out, output)
			}
			if quit {
				return nil
			}
			continue
		}

		ctx, stop := withInterrupt(context.Background())
		result, err := a.runTurn(ctx, line, printer.callbacks())
		stop()
		printer.EnsureNewline()
		if err != nil {
			fmt.Fprintln(a.errOut, a.catalog.ForError(a.locale, err))
			continue
		}
		if result.Reply == "" {
			fmt.Fprintln(a.errOut, a.catalog.Lookup(a.locale, notice.EmptyReply))
		}
	}
	return reader.Err()
}

// handleSlashCommand runs local commands. It reports whether line was a
// command, the text to show, and whether the session should end.
func (a *app) handleSlashCommand(line string) (bool, string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return false, "", false
	}
	parts := strings.Fields(strings.TrimPrefix(trimmed, "/"))
	if len(parts) == 0 {
		return false, "", false
	}
	switch strings.ToLower(parts[0]) {
	case "help":
		return true, "/new - start a new conversation\n/session - show the session id\n/exit - quit", false
	case "new", "clear":
		a.sessionID = session.NewSessionID()
		a.history = nil
		return true, a.catalog.Lookup(a.locale, notice.Ready), false
	case "session":
		return true, a.sessionID, false
	case "exit", "quit":
		return true, "", true
	default:
		return true, fmt.Sprintf("Unknown command: /%s", parts[0]), false
	}
}

// withInterrupt builds a context that is cancelled on SIGINT.
func withInterrupt(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	done := make(chan struct{})

	go func() {
		select {
		case <-interrupt:
			cancel()
		case <-done:
			return
		}
	}()

	return ctx, func() {
		close(done)
		signal.Stop(interrupt)
		cancel()
	}
}
