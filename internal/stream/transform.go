// Package stream threads body data through ordered chains of plugin hooks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Hook transforms one chunk. A nil result means "unchanged"; an empty
// non-nil result drops the chunk.
type Hook func(ctx context.Context, data []byte) ([]byte, error)

// Run applies hooks in order, feeding each hook's output into the next.
func Run(ctx context.Context, hooks []Hook, data []byte) ([]byte, error) {
	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		out, err := h(ctx, data)
		if err != nil {
			return nil, err
		}
		if out != nil {
			data = out
		}
	}
	return data, nil
}

// HookError reports a failure raised by a hook chain rather than by the
// underlying reader or writer.
type HookError struct {
	Err error
}

func (e *HookError) Error() string { return "stream: hook chain: " + e.Err.Error() }

func (e *HookError) Unwrap() error { return e.Err }

const defaultChunkSize = 32 * 1024

// Transform pipes a byte stream through a data chain, then runs an end
// chain once the source is exhausted. Chunks are processed strictly one at a
// time, so output order always matches input order and the end chain only
// runs after every accepted chunk has been written.
type Transform struct {
	data      []Hook
	end       []Hook
	chunkSize int

	mu      sync.Mutex
	lastErr error
}

// New creates a Transform for the given data and end chains.
func New(data, end []Hook) *Transform {
	return &Transform{data: data, end: end, chunkSize: defaultChunkSize}
}

// Empty reports whether both chains are empty.
func (t *Transform) Empty() bool {
	return len(t.data) == 0 && len(t.end) == 0
}

// Err returns the hook chain error that aborted the stream, if any.
func (t *Transform) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Transform) fail(err error) error {
	he := &HookError{Err: err}
	t.mu.Lock()
	if t.lastErr == nil {
		t.lastErr = he
	}
	t.mu.Unlock()
	return he
}

// flusher matches response writers that can push buffered data to the client.
type flusher interface {
	Flush()
}

// Copy reads src until EOF, writing transformed chunks to dst. It returns
// the number of bytes written downstream. After a hook error nothing more is
// written.
func (t *Transform) Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	f, canFlush := dst.(flusher)
	buf := make([]byte, t.chunkSize)
	var written int64

	emit := func(chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		n, err := dst.Write(chunk)
		written += int64(n)
		if err != nil {
			return fmt.Errorf("stream: write: %w", err)
		}
		if canFlush {
			f.Flush()
		}
		return nil
	}

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			// Hooks may retain the slice, so hand them their own copy.
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out, err := Run(ctx, t.data, chunk)
			if err != nil {
				return written, t.fail(err)
			}
			if err := emit(out); err != nil {
				return written, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("stream: read: %w", rerr)
		}
	}

	out, err := Run(ctx, t.end, []byte{})
	if err != nil {
		return written, t.fail(err)
	}
	return written, emit(out)
}

// Pipe starts copying src through the transform in the background and
// returns the transformed stream. Reading from the result applies
// backpressure all the way to src.
func (t *Transform) Pipe(ctx context.Context, src io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := t.Copy(ctx, pw, src)
		_ = pw.CloseWithError(err)
	}()
	return pr
}
