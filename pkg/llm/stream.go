package llm

import (
	"context"
	"errors"
	"io"
)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("stream closed")

// Stream is a finite, single-use sequence of answer chunks. Recv returns io.EOF
// once generation completed, or the generation error if it failed; either
// terminal result is returned again on every later call. A Stream is not safe
// for concurrent use.
type Stream struct {
	chunks chan string
	err    error // set by the producer before chunks is closed
	cancel context.CancelFunc

	final error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		chunks: make(chan string),
		cancel: cancel,
	}
}

func (s *Stream) push(ctx context.Context, chunk string) error {
	select {
	case s.chunks <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	s.err = err
	close(s.chunks)
}

// Recv blocks until the next chunk or the terminal signal.
func (s *Stream) Recv() (string, error) {
	if s.final != nil {
		return "", s.final
	}

	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}

	s.final = s.err
	s.cancel()
	return "", s.final
}

// Close cancels generation. It is safe to call after the stream terminated.
func (s *Stream) Close() {
	s.cancel()
	if s.final == nil {
		s.final = ErrStreamClosed
	}
}

// Completed reports whether the stream ended with io.EOF.
func (s *Stream) Completed() bool {
	return errors.Is(s.final, io.EOF)
}
