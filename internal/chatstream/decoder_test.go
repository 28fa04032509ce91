package chatstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deltaLine renders a data record carrying one content fragment.
func deltaLine(content string) string {
	encoded, _ := json.Marshal(content)
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%s}}]}\n", encoded)
}

// feedAll feeds chunks in order and collects every delta.
func feedAll(t *testing.T, decoder *Decoder, chunks ...[]byte) []Delta {
	t.Helper()
	var collected []Delta
	for _, chunk := range chunks {
		deltas, err := decoder.Feed(chunk)
		require.NoError(t, err)
		collected = append(collected, deltas...)
	}
	return collected
}

// splitEvery cuts data into chunks of at most size bytes.
func splitEvery(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data)
}

func TestFeedEndToEndScenario(t *testing.T) {
	// Arrange the three chunks of a Russian greeting.
	decoder := NewDecoder()
	chunks := [][]byte{
		[]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Привет\"}}]}\n"),
		[]byte("data: {\"choices\":[{\"delta\":{\"content\":\", мир\"}}]}\n"),
		[]byte("data: [DONE]\n"),
	}

	// Act.
	deltas := feedAll(t, decoder, chunks...)

	// Assert.
	require.Len(t, deltas, 2)
	assert.Equal(t, "Привет", deltas[0].Content)
	assert.Equal(t, "Привет", deltas[0].Message)
	assert.Equal(t, ", мир", deltas[1].Content)
	assert.Equal(t, "Привет, мир", deltas[1].Message)
	assert.Equal(t, "Привет, мир", decoder.Message())
	assert.True(t, decoder.Done())
	assert.True(t, decoder.SawSentinel())
}

func TestFeedArbitrarySplitsMatchSingleChunk(t *testing.T) {
	// Arrange a stream with multi-byte text, CRLF endings and a comment.
	stream := []byte(strings.Join([]string{
		": keep-alive\n",
		deltaLine("Нарисуй "),
		"\r\n",
		strings.TrimSuffix(deltaLine("солнце ☀️"), "\n") + "\r\n",
		deltaLine(" и дом 🏠"),
		"data: [DONE]\n",
	}, ""))

	whole := NewDecoder()
	feedAll(t, whole, stream)
	want := whole.Message()
	require.Equal(t, "Нарисуй солнце ☀️ и дом 🏠", want)

	// Act and assert for every chunk size, including one byte at a time.
	for size := 1; size <= len(stream); size++ {
		decoder := NewDecoder()
		feedAll(t, decoder, splitEvery(stream, size)...)
		require.Equal(t, want, decoder.Message(), "chunk size %d", size)
		require.True(t, decoder.SawSentinel(), "chunk size %d", size)
	}
}

func TestFeedMalformedLineSameForAnySplit(t *testing.T) {
	// Arrange a permanently malformed line ahead of valid records.
	stream := []byte("data: {bad\n" + deltaLine("A") + deltaLine("B") + deltaLine("C") + deltaLine("D") + "data: [DONE]\n")

	whole := NewDecoder()
	feedAll(t, whole, stream)
	want := whole.Message()

	// Act and assert for every chunk size.
	for size := 1; size <= len(stream); size++ {
		decoder := NewDecoder()
		feedAll(t, decoder, splitEvery(stream, size)...)
		require.Equal(t, want, decoder.Message(), "chunk size %d", size)
		require.True(t, strings.HasPrefix(decoder.Pending(), "data: {bad\n"), "chunk size %d", size)
		require.False(t, decoder.Done(), "chunk size %d", size)
	}
	assert.Empty(t, want)
}

func TestFeedHoldsBackSplitRune(t *testing.T) {
	// Arrange a chunk boundary inside the two-byte letter "и".
	line := []byte(deltaLine("и"))
	cut := strings.Index(string(line), "и") + 1
	decoder := NewDecoder()

	// Act.
	first, err := decoder.Feed(line[:cut])
	require.NoError(t, err)
	second, err := decoder.Feed(line[cut:])
	require.NoError(t, err)

	// Assert.
	assert.Empty(t, first)
	require.Len(t, second, 1)
	assert.Equal(t, "и", second[0].Content)
	assert.NotContains(t, decoder.Message(), "�")
}

func TestFeedIgnoresCommentsAndBlankLines(t *testing.T) {
	// Arrange the same records with and without noise between them.
	plain := deltaLine("red") + deltaLine(" makes me ") + deltaLine("brave")
	noisy := "\n: ping\n\n" + deltaLine("red") + ":\n\r\n" + deltaLine(" makes me ") +
		"event: message\nid: 7\n" + deltaLine("brave") + "\n: bye\n"

	plainDecoder := NewDecoder()
	feedAll(t, plainDecoder, []byte(plain))
	noisyDecoder := NewDecoder()
	feedAll(t, noisyDecoder, []byte(noisy))

	// Assert.
	assert.Equal(t, "red makes me brave", plainDecoder.Message())
	assert.Equal(t, plainDecoder.Message(), noisyDecoder.Message())
	assert.Empty(t, noisyDecoder.Pending())
}

func TestFeedStopsAtSentinel(t *testing.T) {
	// Arrange trailing garbage and another delta after the sentinel.
	chunk := deltaLine("done") + "data: [DONE]\n" + "garbage{{{\n" + deltaLine("late")
	decoder := NewDecoder()

	// Act.
	deltas := feedAll(t, decoder, []byte(chunk))
	after, err := decoder.Feed([]byte(deltaLine("later")))

	// Assert.
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "done", decoder.Message())
	assert.Empty(t, after)
	assert.Empty(t, decoder.Pending())
	assert.True(t, decoder.Done())
}

func TestFeedWaitsForTruncatedPayload(t *testing.T) {
	// Arrange a payload split in the middle of the JSON string.
	decoder := NewDecoder()

	// Act.
	first, err := decoder.Feed([]byte(`data: {"choices":[{"delta":{"content":"Hi`))
	require.NoError(t, err)
	second, err := decoder.Feed([]byte("\"}}]}\n"))
	require.NoError(t, err)

	// Assert.
	assert.Empty(t, first)
	require.Len(t, second, 1)
	assert.Equal(t, "Hi", second[0].Content)
	assert.Equal(t, "Hi", decoder.Message())
}

func TestFeedSkipsEventsWithoutContent(t *testing.T) {
	// Arrange events with no content key, empty choices and an empty string.
	chunk := deltaLine("start") +
		"data: {\"choices\":[{\"delta\":{}}]}\n" +
		"data: {\"choices\":[]}\n" +
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"\"}}]}\n" +
		"data: {\"usage\":{\"total_tokens\":4}}\n"
	decoder := NewDecoder()

	// Act.
	deltas := feedAll(t, decoder, []byte(chunk))

	// Assert.
	require.Len(t, deltas, 1)
	assert.Equal(t, "start", decoder.Message())
}

func TestFeedRebuffersMalformedLine(t *testing.T) {
	// Arrange a complete line that is not JSON followed by a valid record.
	decoder := NewDecoder(WithMaxPayloadRetries(2))
	bad := "data: {not json\n"

	// Act: the first two feeds keep the line at the front of the buffer.
	deltas, err := decoder.Feed([]byte(bad + deltaLine("A")))
	require.NoError(t, err)
	assert.Empty(t, deltas)
	assert.True(t, strings.HasPrefix(decoder.Pending(), bad))

	deltas, err = decoder.Feed([]byte(deltaLine("B")))
	require.NoError(t, err)
	assert.Empty(t, deltas)

	// The third feed exhausts the retries, drops the line and drains the rest.
	deltas, err = decoder.Feed(nil)

	// Assert.
	var payloadErr *PayloadError
	require.True(t, errors.As(err, &payloadErr))
	assert.True(t, errors.Is(err, ErrMalformedPayload))
	assert.Equal(t, "data: {not json", payloadErr.Line)
	assert.Equal(t, 3, payloadErr.Attempts)
	require.Len(t, deltas, 2)
	assert.Equal(t, "AB", decoder.Message())
	assert.Empty(t, decoder.Pending())
}

func TestFeedUnboundedRetriesKeepLine(t *testing.T) {
	// Arrange a decoder that never drops malformed lines.
	decoder := NewDecoder(WithMaxPayloadRetries(0))
	bad := "data: [1,\n"

	// Act.
	deltas, err := decoder.Feed([]byte(bad))
	require.NoError(t, err)
	require.Empty(t, deltas)
	for i := 0; i < 10; i++ {
		deltas, err = decoder.Feed(nil)
		require.NoError(t, err)
		require.Empty(t, deltas)
	}

	// Assert.
	assert.Equal(t, bad, decoder.Pending())
}

func TestFinishDropsDanglingLine(t *testing.T) {
	// Arrange a final chunk without a line feed.
	decoder := NewDecoder()
	feedAll(t, decoder, []byte(deltaLine("kept")), []byte(strings.TrimSuffix(deltaLine(" lost"), "\n")))

	// Act.
	decoder.Finish()
	deltas, err := decoder.Feed([]byte("\n"))

	// Assert.
	require.NoError(t, err)
	assert.Empty(t, deltas)
	assert.Equal(t, "kept", decoder.Message())
	assert.True(t, decoder.Done())
	assert.False(t, decoder.SawSentinel())
}

func TestFinishAfterSentinelKeepsSentinel(t *testing.T) {
	// Arrange a stream that ended with [DONE].
	decoder := NewDecoder()
	feedAll(t, decoder, []byte(deltaLine("hi")+"data: [DONE]\n"))
	require.True(t, decoder.SawSentinel())

	// Act: the transport reports EOF afterwards.
	decoder.Finish()

	// Assert.
	assert.True(t, decoder.Done())
	assert.True(t, decoder.SawSentinel())
	assert.Equal(t, "hi", decoder.Message())
}

func TestDefaultDecoderNeverDropsMalformedLine(t *testing.T) {
	decoder := NewDecoder()
	bad := "data: {oops\n"
	_, err := decoder.Feed([]byte(bad))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		deltas, err := decoder.Feed([]byte(deltaLine("x")))
		require.NoError(t, err)
		require.Empty(t, deltas)
	}

	assert.True(t, strings.HasPrefix(decoder.Pending(), bad))
	assert.Empty(t, decoder.Message())
}

func TestResetStartsNewTurn(t *testing.T) {
	// Arrange a finished turn.
	decoder := NewDecoder()
	feedAll(t, decoder, []byte(deltaLine("first")), []byte("data: [DONE]\n"))

	// Act.
	decoder.Reset()
	deltas := feedAll(t, decoder, []byte(deltaLine("second")))

	// Assert.
	require.Len(t, deltas, 1)
	assert.Equal(t, "second", decoder.Message())
	assert.False(t, decoder.Done())
}

func TestFeedReplacesInvalidBytes(t *testing.T) {
	// Arrange a comment line carrying a stray continuation byte before a record.
	decoder := NewDecoder()
	chunk := append([]byte(": \x80\n"), []byte(deltaLine("ok"))...)

	// Act.
	deltas := feedAll(t, decoder, chunk)

	// Assert.
	require.Len(t, deltas, 1)
	assert.Equal(t, "ok", decoder.Message())
}
