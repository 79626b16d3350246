package agent

import "sync"

// Frame types emitted on a stream. A stream is a sequence of chunk
// frames followed by exactly one terminal frame (end or error).
const (
	FrameChunk = "chunk"
	FrameEnd   = "end"
	FrameError = "error"
)

type Frame struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	ExitStatus int    `json:"exit_status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Stream connects a producing handler to a consuming transport. The
// producer owns the frame channel: it sends zero or more chunk frames,
// one terminal frame, then closes. The consumer may call Cancel at any
// point (client disconnect); the producer is expected to stop shortly
// after and still close the channel.
type Stream struct {
	// ID identifies the underlying execution; feed subscribers attach
	// to it by this id.
	ID string

	frames     chan Frame
	cancelOnce sync.Once
	cancelFn   func()
}

// NewStream builds a stream whose Cancel invokes cancel once. cancel
// may be nil.
func NewStream(id string, cancel func()) *Stream {
	return &Stream{
		ID:       id,
		frames:   make(chan Frame, 16),
		cancelFn: cancel,
	}
}

// Send delivers one frame to the consumer. Blocks when the consumer is
// behind; the consumer drains until close even after cancellation, so a
// producer never deadlocks here.
func (s *Stream) Send(f Frame) {
	s.frames <- f
}

// Close ends the producer side. Must be called exactly once, after the
// terminal frame.
func (s *Stream) Close() {
	close(s.frames)
}

// Frames is the consumer side of the stream.
func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Cancel signals the producer to stop. Safe to call from either end,
// any number of times.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		if s.cancelFn != nil {
			s.cancelFn()
		}
	})
}

// StreamSink is the transport side of a streamed response: chunks are
// forwarded in order and Close delivers the terminal frame before the
// connection is released.
type StreamSink interface {
	WriteChunk(data []byte) error
	Close(terminal Frame) error
}
