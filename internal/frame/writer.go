package frame

import (
	"errors"
	"io"
	"net/http"
	"sync"
)

var ErrWriterClosed = errors.New("frame writer closed")

// Writer serializes frames onto a response and flushes after every frame so
// nothing is held back waiting for the full reply.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	f      http.Flusher
	closed bool
	// err is the first write failure; nothing is written after it.
	err error
}

func NewWriter(w io.Writer) *Writer {
	var f http.Flusher
	if fl, ok := w.(http.Flusher); ok {
		f = fl
	}
	return &Writer{w: w, f: f}
}

// Send writes one frame. Sending KindDone closes the writer.
func (s *Writer) Send(fr Frame) error {
	if s == nil || s.w == nil {
		return errors.New("stream not ready")
	}
	b, err := Encode(fr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return ErrWriterClosed
	}
	if fr.Kind == KindDone {
		s.closed = true
	}
	if _, err := s.w.Write(b); err != nil {
		s.err = err
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

// Close emits the terminal [DONE] event unless it was already sent or an
// earlier write failed. A stream that lost a frame never looks complete.
func (s *Writer) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	closed, err := s.closed, s.err
	s.mu.Unlock()
	if closed {
		return nil
	}
	if err != nil {
		return err
	}
	return s.Send(Done())
}
