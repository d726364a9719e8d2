package frame

import "errors"

const (
	// MaxConsecutiveFailures is the number of back-to-back malformed events after
	// which a connection is considered out of sync.
	MaxConsecutiveFailures = 5
	// MaxBufferedBytes bounds the undecoded remainder kept between reads.
	MaxBufferedBytes = 10_000
)

// ResyncFailureText is the message of the synthetic error frame emitted when a
// connection loses frame synchronization.
const ResyncFailureText = "stream decoding failed"

// Decoder is the per-connection state around Decode. It is not safe for
// concurrent use.
type Decoder struct {
	buf       []byte
	failures  int
	stopped   bool
	discarded int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the pending buffer and returns the frames it completes.
// After MaxConsecutiveFailures malformed events it returns one synthetic
// retryable error frame and ignores all further input.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d == nil || d.stopped {
		return nil
	}
	d.buf = append(d.buf, chunk...)
	events, rest := Decode(d.buf)

	out := make([]Frame, 0, len(events))
	for _, ev := range events {
		if ev.Err != nil {
			if errors.Is(ev.Err, ErrUnknownKind) {
				continue
			}
			d.failures++
			if d.failures >= MaxConsecutiveFailures {
				d.stopped = true
				d.buf = nil
				return append(out, Failure(ResyncFailureText, true))
			}
			continue
		}
		d.failures = 0
		out = append(out, ev.Frame)
	}

	d.buf = append(d.buf[:0:0], rest...)
	if len(d.buf) > MaxBufferedBytes {
		d.buf = nil
		d.discarded++
	}
	return out
}

// Stopped reports whether the decoder gave up on the connection.
func (d *Decoder) Stopped() bool { return d != nil && d.stopped }

// Failures is the current count of consecutive malformed events.
func (d *Decoder) Failures() int {
	if d == nil {
		return 0
	}
	return d.failures
}

// Buffered is the size of the undecoded remainder.
func (d *Decoder) Buffered() int {
	if d == nil {
		return 0
	}
	return len(d.buf)
}

// Discarded counts remainders dropped for exceeding MaxBufferedBytes.
func (d *Decoder) Discarded() int {
	if d == nil {
		return 0
	}
	return d.discarded
}
