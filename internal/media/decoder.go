package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// stream turns a raw byte pipe into frames of a fixed size and hands them to
// the reader side through a bounded channel. A full channel blocks the
// decoder, which is what throttles the ffmpeg process behind it.
type stream struct {
	kind Kind
	out  chan Frame

	mu  sync.Mutex
	err error // terminal error, set before out is closed
}

func newStream(kind Kind, buffer int) *stream {
	return &stream{kind: kind, out: make(chan Frame, buffer)}
}

// run reads size-byte chunks from r until it ends, then classifies the end
// with wait (the decoder process exit status).
func (s *stream) run(ctx context.Context, r io.Reader, size int, build func([]byte) Frame, wait func() error) {
	defer close(s.out)

	for {
		buf := make([]byte, size)
		_, err := io.ReadFull(r, buf)
		if err != nil {
			s.finish(ctx, err, wait)
			return
		}
		select {
		case s.out <- build(buf):
		case <-ctx.Done():
			s.setErr(ErrClosed)
			if wait != nil {
				wait()
			}
			return
		}
	}
}

func (s *stream) finish(ctx context.Context, readErr error, wait func() error) {
	var waitErr error
	if wait != nil {
		waitErr = wait()
	}
	switch {
	case ctx.Err() != nil:
		s.setErr(ErrClosed)
	case !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF):
		s.setErr(fmt.Errorf("%w: read %s: %v", ErrDecode, s.kind, readErr))
	case waitErr != nil:
		s.setErr(fmt.Errorf("%w: %s decoder: %v", ErrDecode, s.kind, waitErr))
	default:
		s.setErr(ErrEndOfStream)
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stream) terminal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return ErrEndOfStream
	}
	return s.err
}

// next returns the next decoded frame or the stream's terminal error.
func (s *stream) next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-s.out:
		if !ok {
			return nil, s.terminal()
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
