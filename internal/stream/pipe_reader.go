// Package stream turns a child's standard output into a channel of lines.
package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync/atomic"
)

// DefaultBufferSize is the bufio buffer used when none is configured.
const DefaultBufferSize = 2048

// PipeReader reads lines from an io.Reader (a child's stdout pipe) and
// delivers them, newline included, on Lines().
//
// Unlike a scanner, lines are never truncated or split: a line longer than
// the buffer is accumulated before it is sent. A final line without a
// newline is delivered as is.
type PipeReader struct {
	reader *bufio.Reader
	lines  chan []byte
	err    error

	// Stats (atomic for thread-safety)
	bytesRead atomic.Int64
	linesRead atomic.Int64
}

// NewPipeReader creates a new pipe-based line source.
//
// The reader is typically Child.Stdout(). queue is the number of lines
// that may be read ahead of the consumer.
func NewPipeReader(r io.Reader, bufferSize, queue int) *PipeReader {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if queue < 0 {
		queue = 0
	}
	return &PipeReader{
		reader: bufio.NewReaderSize(r, bufferSize),
		lines:  make(chan []byte, queue),
	}
}

// Run reads lines until EOF, a read error, or ctx is cancelled.
// It always closes the Lines channel on exit; Err is valid afterwards.
func (p *PipeReader) Run(ctx context.Context) {
	defer close(p.lines)

	for {
		line, err := p.reader.ReadBytes('\n')
		if len(line) > 0 {
			p.bytesRead.Add(int64(len(line)))
			p.linesRead.Add(1)

			select {
			case p.lines <- line:
			case <-ctx.Done():
				p.err = ctx.Err()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.err = err
			}
			return
		}
	}
}

// Lines returns the channel lines are delivered on.
func (p *PipeReader) Lines() <-chan []byte {
	return p.lines
}

// Err returns the error that stopped Run, or nil on a clean EOF.
// Only valid after Lines has been closed.
func (p *PipeReader) Err() error {
	return p.err
}

// Stats returns (bytesRead, linesRead).
func (p *PipeReader) Stats() (bytesRead int64, linesRead int64) {
	return p.bytesRead.Load(), p.linesRead.Load()
}
