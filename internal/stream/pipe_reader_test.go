package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func collect(p *PipeReader) []string {
	var out []string
	for line := range p.Lines() {
		out = append(out, string(line))
	}
	return out
}

func TestPipeReader_Lines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "A\n", []string{"A\n"}},
		{"multiple", "A\nB\nC\n", []string{"A\n", "B\n", "C\n"}},
		{"unterminated tail", "A\nB", []string{"A\n", "B"}},
		{"blank lines", "\n\n", []string{"\n", "\n"}},
		{"crlf kept", "A\r\n", []string{"A\r\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeReader(strings.NewReader(tt.input), 0, 4)
			go p.Run(context.Background())

			got := collect(p)
			if len(got) != len(tt.want) {
				t.Fatalf("lines = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
			if p.Err() != nil {
				t.Errorf("Err = %v, want nil", p.Err())
			}

			bytesRead, linesRead := p.Stats()
			if bytesRead != int64(len(tt.input)) {
				t.Errorf("bytesRead = %d, want %d", bytesRead, len(tt.input))
			}
			if linesRead != int64(len(tt.want)) {
				t.Errorf("linesRead = %d, want %d", linesRead, len(tt.want))
			}
		})
	}
}

func TestPipeReader_LongLineNotSplit(t *testing.T) {
	long := strings.Repeat("x", 10*DefaultBufferSize) + "\n"
	p := NewPipeReader(strings.NewReader(long), 16, 1)
	go p.Run(context.Background())

	got := collect(p)
	if len(got) != 1 || got[0] != long {
		t.Fatalf("got %d lines, want 1 line of %d bytes", len(got), len(long))
	}
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestPipeReader_ReadError(t *testing.T) {
	boom := errors.New("boom")
	p := NewPipeReader(io.MultiReader(strings.NewReader("A\n"), errReader{boom}), 0, 4)
	go p.Run(context.Background())

	got := collect(p)
	if len(got) != 1 {
		t.Errorf("lines = %q", got)
	}
	if !errors.Is(p.Err(), boom) {
		t.Errorf("Err = %v, want boom", p.Err())
	}
}

func TestPipeReader_ContextCancelUnblocksSend(t *testing.T) {
	// Unbuffered channel and nobody reading: Run blocks on the first send.
	p := NewPipeReader(strings.NewReader("A\nB\n"), 0, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !errors.Is(p.Err(), context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", p.Err())
	}
}
