package sse

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ChunkSize is the maximum number of bytes read from the body per read call.
const ChunkSize = 4096

// ErrClosed is returned by Next after Close was called.
var ErrClosed = errors.New("sse: reader closed")

// State indicates where a Reader is in its lifecycle.
type State int

const (
	StateNew       State = iota // Before Next is ever called.
	StateStreaming              // Reading frames.
	StateComplete               // Body ended cleanly; Next returns io.EOF.
	StateError                  // Body failed; Next returns the transport error.
	StateClosed                 // Close called before a terminal state.
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reader pulls frames from a streaming body. The body is decoded as UTF-8
// with a stateful decoder, so multi-byte sequences split across reads are
// reassembled before they reach the frame decoder. A single goroutine reads
// the body; frames are handed over one at a time, so they are processed in
// stream order.
type Reader struct {
	body   io.Reader
	closer io.Closer
	dec    *Decoder

	frames chan Frame
	quit   chan struct{}
	start  sync.Once
	stop   sync.Once

	mu    sync.Mutex
	state State
	err   error // terminal read error, set before frames is closed
}

// NewReader wraps r. If r is also an io.Closer, Close closes it, which is
// how an in-flight read is abandoned.
func NewReader(r io.Reader, implicitEvent string) *Reader {
	rd := &Reader{
		body:   transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())),
		dec:    NewDecoder(implicitEvent),
		frames: make(chan Frame),
		quit:   make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// Next returns the next frame. It returns io.EOF once the body ended
// cleanly, ErrClosed after Close, ctx.Err() when ctx is cancelled first, or
// the transport error that ended the body. Cancelling ctx closes the Reader.
func (r *Reader) Next(ctx context.Context) (Frame, error) {
	r.start.Do(func() {
		r.setState(StateStreaming)
		go r.pump()
	})

	select {
	case <-r.quit:
		return Frame{}, ErrClosed
	default:
	}

	select {
	case f, ok := <-r.frames:
		if !ok {
			return Frame{}, r.terminal()
		}
		return f, nil
	case <-ctx.Done():
		r.Close()
		return Frame{}, ctx.Err()
	case <-r.quit:
		return Frame{}, ErrClosed
	}
}

// All yields frames until the stream ends. A clean end yields nothing more;
// any other terminal condition is yielded once as an error.
func (r *Reader) All(ctx context.Context) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			f, err := r.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// State returns the current lifecycle state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Dropped returns the number of malformed frames discarded so far.
func (r *Reader) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dec.Dropped()
}

// Close stops the reading goroutine and closes the body. It is safe to call
// more than once and concurrently with Next.
func (r *Reader) Close() error {
	var err error
	r.stop.Do(func() {
		close(r.quit)
		if r.closer != nil {
			err = r.closer.Close()
		}
		r.mu.Lock()
		if r.state == StateNew || r.state == StateStreaming {
			r.state = StateClosed
		}
		r.mu.Unlock()
	})
	return err
}

func (r *Reader) pump() {
	defer close(r.frames)

	buf := make([]byte, ChunkSize)
	for {
		n, err := r.body.Read(buf)
		if n > 0 {
			r.mu.Lock()
			frames := r.dec.Feed(string(buf[:n]))
			r.mu.Unlock()
			for _, f := range frames {
				select {
				case r.frames <- f:
				case <-r.quit:
					r.finish(ErrClosed)
					return
				}
			}
		}
		if err != nil {
			r.finish(err)
			return
		}
	}
}

func (r *Reader) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	switch {
	case r.state == StateClosed:
	case errors.Is(err, io.EOF):
		r.state = StateComplete
	default:
		r.state = StateError
	}
}

func (r *Reader) terminal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		return ErrClosed
	}
	return r.err
}

func (r *Reader) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateNew {
		r.state = s
	}
}
