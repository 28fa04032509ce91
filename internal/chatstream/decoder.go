// Package chatstream turns a chat-completion SSE byte stream into text deltas.
package chatstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// dataPrefix marks an SSE data record.
	dataPrefix = "data: "
	// doneSentinel is the payload that ends a stream explicitly.
	doneSentinel = "[DONE]"
	// DefaultMaxPayloadRetries keeps a malformed line buffered until more bytes
	// complete it. A positive bound is opt-in and makes drops depend on how many
	// chunks arrive after the line.
	DefaultMaxPayloadRetries = 0
)

// ErrMalformedPayload marks a data line that never became valid JSON.
var ErrMalformedPayload = errors.New("malformed event payload")

// PayloadError reports a data line dropped after exhausting its retries.
type PayloadError struct {
	// Line is the dropped data line without its terminator.
	Line string
	// Attempts counts how many feeds tried to parse the line.
	Attempts int
	// Err is the last JSON error.
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("drop event payload after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the JSON error.
func (e *PayloadError) Unwrap() []error {
	return []error{ErrMalformedPayload, e.Err}
}

// Delta is one text fragment emitted by the decoder.
type Delta struct {
	// Content is the fragment carried by a single event.
	Content string
	// Message is the assistant message after applying Content.
	Message string
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxPayloadRetries sets the retry bound for unparsable lines; 0 retries forever.
func WithMaxPayloadRetries(retries int) Option {
	return func(d *Decoder) {
		if retries < 0 {
			retries = 0
		}
		d.maxRetries = retries
	}
}

// Decoder consumes chunks in delivery order. It is not safe for concurrent use.
type Decoder struct {
	// text decodes UTF-8 incrementally across chunk boundaries.
	text *encoding.Decoder
	// pending holds an incomplete multi-byte sequence from the last chunk.
	pending []byte
	// buffer holds decoded text that has not formed a complete line.
	buffer string
	// message accumulates every delta of the current turn.
	message strings.Builder
	// done is set by the sentinel or Finish.
	done bool
	// sawSentinel reports whether [DONE] ended the stream.
	sawSentinel bool
	// maxRetries bounds re-buffering of a line that fails to parse.
	maxRetries int
	// stuckLine is the raw line currently being re-buffered.
	stuckLine string
	// stuckCount counts parse failures of stuckLine.
	stuckCount int
}

// NewDecoder constructs a decoder ready for the first chunk of a turn.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		text:       unicode.UTF8.NewDecoder(),
		maxRetries: DefaultMaxPayloadRetries,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed decodes a chunk and returns the deltas it completed.
// A non-nil error is a *PayloadError for a dropped line; the returned deltas are
// still valid and decoding continues past the dropped line.
func (d *Decoder) Feed(chunk []byte) ([]Delta, error) {
	if d.done {
		return nil, nil
	}
	d.buffer += d.decode(chunk)

	var (
		deltas  []Delta
		dropErr error
	)
	for {
		index := strings.IndexByte(d.buffer, '\n')
		if index < 0 {
			break
		}
		raw := d.buffer[:index]
		d.buffer = d.buffer[index+1:]

		line := strings.TrimSuffix(raw, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == doneSentinel {
			d.finish(true)
			return deltas, dropErr
		}

		content, err := parseContent(payload)
		if err != nil {
			if d.retriesExhausted(raw) {
				dropErr = &PayloadError{Line: line, Attempts: d.stuckCount, Err: err}
				d.clearStuck()
				continue
			}
			// The line may have been cut short upstream; put it back and wait.
			d.buffer = raw + "\n" + d.buffer
			break
		}
		d.clearStuck()
		if content == "" {
			continue
		}
		d.message.WriteString(content)
		deltas = append(deltas, Delta{Content: content, Message: d.message.String()})
	}
	return deltas, dropErr
}

// Finish marks the stream complete without the sentinel.
// A trailing line without a line feed is discarded. Finish after the sentinel
// changes nothing.
func (d *Decoder) Finish() {
	if d.done {
		return
	}
	d.finish(false)
}

// Reset starts a new turn with empty buffers.
func (d *Decoder) Reset() {
	d.text.Reset()
	d.pending = nil
	d.buffer = ""
	d.message.Reset()
	d.done = false
	d.sawSentinel = false
	d.clearStuck()
}

// Message returns the assistant message accumulated so far.
func (d *Decoder) Message() string {
	return d.message.String()
}

// Done reports whether the stream has completed.
func (d *Decoder) Done() bool {
	return d.done
}

// SawSentinel reports whether the stream ended with [DONE].
func (d *Decoder) SawSentinel() bool {
	return d.sawSentinel
}

// Pending returns decoded text still waiting for a line feed.
func (d *Decoder) Pending() string {
	return d.buffer
}

// finish drops buffered input and marks the turn complete.
func (d *Decoder) finish(sentinel bool) {
	d.buffer = ""
	d.pending = nil
	d.done = true
	d.sawSentinel = sentinel
	d.clearStuck()
}

// decode converts bytes to text, holding back an incomplete trailing rune.
func (d *Decoder) decode(chunk []byte) string {
	src := append(d.pending, chunk...)
	d.pending = nil

	var out strings.Builder
	// Each invalid byte may expand into a three-byte replacement rune.
	dst := make([]byte, len(src)*3+utf8.UTFMax)
	for len(src) > 0 {
		nDst, nSrc, err := d.text.Transform(dst, src, false)
		out.Write(dst[:nDst])
		src = src[nSrc:]
		if errors.Is(err, transform.ErrShortDst) {
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, len(dst)*2)
			}
			continue
		}
		if err != nil {
			// transform.ErrShortSrc: wait for the rest of the rune.
			break
		}
	}
	if len(src) > 0 {
		d.pending = append([]byte(nil), src...)
	}
	return out.String()
}

// retriesExhausted records a parse failure of raw and reports whether to drop it.
func (d *Decoder) retriesExhausted(raw string) bool {
	if raw == d.stuckLine {
		d.stuckCount++
	} else {
		d.stuckLine = raw
		d.stuckCount = 1
	}
	return d.maxRetries > 0 && d.stuckCount > d.maxRetries
}

func (d *Decoder) clearStuck() {
	d.stuckLine = ""
	d.stuckCount = 0
}

// chunkPayload is the subset of a chat-completion chunk the decoder reads.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// parseContent extracts choices[0].delta.content from a JSON payload.
// Only syntax errors are failures; valid JSON of another shape has no content.
func parseContent(payload string) (string, error) {
	if payload == "" {
		return "", nil
	}
	var parsed chunkPayload
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return "", err
		}
		return "", nil
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Delta.Content == nil {
		return "", nil
	}
	return *parsed.Choices[0].Delta.Content, nil
}
