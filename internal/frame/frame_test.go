package frame

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allKinds() []Frame {
	return []Frame{
		Text("Hi"),
		Text(""),
		Text("line one\nline two \"quoted\" ünïcode"),
		Thinking(true),
		Thinking(false),
		Processing("msg_1"),
		{Kind: KindProcessing, IsProcessing: false},
		ModelName("gpt-4o-mini"),
		Conversation("th_1", 1234),
		Failure("upstream timed out", true),
		Failure("bad key", false),
		{Kind: KindError, Error: "no hint"},
		Done(),
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, f := range allKinds() {
		b, err := Encode(f)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(b, []byte("data: ")), "frame %+v", f)
		assert.True(t, bytes.HasSuffix(b, []byte("\n\n")), "frame %+v", f)

		events, rest := Decode(b)
		require.Len(t, events, 1)
		require.NoError(t, events[0].Err)
		assert.Equal(t, f, events[0].Frame)
		assert.Empty(t, rest)
	}
}

func TestEncode_DoneMarker(t *testing.T) {
	t.Parallel()

	b, err := Encode(Done())
	require.NoError(t, err)
	assert.Equal(t, "data: [DONE]\n\n", string(b))
}

func TestEncode_UnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Encode(Frame{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func encodeAll(t *testing.T, frames []Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, f := range frames {
		b, err := Encode(f)
		require.NoError(t, err)
		buf.Write(b)
	}
	return buf.Bytes()
}

func TestDecode_SplitAtEveryOffset(t *testing.T) {
	t.Parallel()

	stream := encodeAll(t, allKinds())
	want, rest := Decode(stream)
	require.Empty(t, rest)
	require.Len(t, want, len(allKinds()))

	for cut := 0; cut <= len(stream); cut++ {
		var got []Event
		first, remainder := Decode(append([]byte(nil), stream[:cut]...))
		got = append(got, first...)
		next := append(append([]byte(nil), remainder...), stream[cut:]...)
		second, tail := Decode(next)
		got = append(got, second...)

		require.Empty(t, tail, "cut=%d", cut)
		require.Equal(t, want, got, "cut=%d", cut)
	}
}

func TestDecoder_ArbitraryChunking(t *testing.T) {
	t.Parallel()

	frames := allKinds()
	stream := encodeAll(t, frames)

	for _, size := range []int{1, 2, 3, 7, 13, 64, len(stream)} {
		d := NewDecoder()
		var got []Frame
		for i := 0; i < len(stream); i += size {
			end := min(i+size, len(stream))
			got = append(got, d.Feed(stream[i:end])...)
		}
		assert.Equal(t, frames, got, "chunk size %d", size)
		assert.Zero(t, d.Buffered())
		assert.False(t, d.Stopped())
	}
}

func TestDecoder_ConsecutiveFailuresEmitSyntheticError(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	bad := "data: {not json\n\n"

	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		assert.Empty(t, d.Feed([]byte(bad)))
	}
	assert.Equal(t, MaxConsecutiveFailures-1, d.Failures())

	out := d.Feed([]byte(bad))
	require.Len(t, out, 1)
	assert.Equal(t, KindError, out[0].Kind)
	assert.True(t, out[0].Retryable())
	assert.True(t, d.Stopped())

	// Further input is ignored, even well-formed frames.
	assert.Empty(t, d.Feed(encodeAll(t, []Frame{Text("late")})))
}

func TestDecoder_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	bad := []byte("data: {oops\n\n")
	good := encodeAll(t, []Frame{Text("ok")})

	for round := 0; round < 3; round++ {
		for i := 0; i < MaxConsecutiveFailures-1; i++ {
			d.Feed(bad)
		}
		out := d.Feed(good)
		require.Len(t, out, 1)
		assert.Equal(t, "ok", out[0].Content)
		assert.Zero(t, d.Failures())
	}
	assert.False(t, d.Stopped())
}

func TestDecoder_DiscardsOversizedRemainder(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	huge := "data: {\"content\":\"" + strings.Repeat("x", MaxBufferedBytes) + "\"}"
	assert.Empty(t, d.Feed([]byte(huge)))
	assert.Zero(t, d.Buffered())
	assert.Equal(t, 1, d.Discarded())

	out := d.Feed(encodeAll(t, []Frame{Text("after")}))
	require.Len(t, out, 1)
	assert.Equal(t, "after", out[0].Content)
}

func TestDecode_IgnoresCommentsAndUnknownKinds(t *testing.T) {
	t.Parallel()

	d := NewDecoder()
	out := d.Feed([]byte(": keep-alive\n\ndata: {\"usage\":1}\n\ndata: {\"content\":\"x\"}\n\n"))
	require.Len(t, out, 1)
	assert.Equal(t, Text("x"), out[0])
	assert.Zero(t, d.Failures())
}

func TestWriter_SendsAndClosesOnce(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	w := NewWriter(rr)
	require.NoError(t, w.Send(Text("Hi")))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Send(Text("late")), ErrWriterClosed)

	assert.Equal(t, "data: {\"content\":\"Hi\"}\n\ndata: [DONE]\n\n", rr.Body.String())
	assert.True(t, rr.Flushed)
}

// flakyWriter fails one write and accepts every later one.
type flakyWriter struct {
	bytes.Buffer
	failAt int
	writes int
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes == w.failAt {
		return 0, errors.New("connection reset")
	}
	return w.Buffer.Write(p)
}

func TestWriter_NoDoneAfterFailedWrite(t *testing.T) {
	t.Parallel()

	fw := &flakyWriter{failAt: 2}
	w := NewWriter(fw)
	require.NoError(t, w.Send(Text("Hi")))
	require.Error(t, w.Send(Text(" there")))
	assert.Error(t, w.Send(Text("!")))
	assert.Error(t, w.Close())

	assert.Equal(t, "data: {\"content\":\"Hi\"}\n\n", fw.String())
	assert.NotContains(t, fw.String(), "[DONE]")
}
