package console

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"exokern/pkg/cpu"
)

// slowWriter writes one byte at a time so unserialized writers would
// interleave.
type slowWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *slowWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.mu.Lock()
		w.buf.WriteByte(b)
		w.mu.Unlock()
	}
	return len(p), nil
}

// TestPrintfSerialized tests that lines from several cores stay whole.
func TestPrintfSerialized(t *testing.T) {
	w := &slowWriter{}
	cn := New(w, true)

	var wg sync.WaitGroup
	for id := 0; id < 4; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c := cpu.New(id)
			for i := 0; i < 50; i++ {
				cn.Printf(c, "cpu%d line %02d\n", id, i)
			}
		}(id)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(w.buf.String(), "\n"), "\n")
	if len(lines) != 200 {
		t.Fatalf("got %d lines, want 200", len(lines))
	}
	for _, l := range lines {
		var id, n int
		if _, err := fmt.Sscanf(l, "cpu%d line %d", &id, &n); err != nil || len(l) != len("cpu0 line 00") {
			t.Errorf("mangled line %q", l)
		}
	}
}

// TestInput tests queued input.
func TestInput(t *testing.T) {
	cn := New(&bytes.Buffer{}, false)
	if got := cn.Getc(); got != 0 {
		t.Errorf("Getc() on empty console = %q, want 0", got)
	}
	if n := cn.Feed("ok"); n != 2 {
		t.Errorf("Feed() = %d, want 2", n)
	}
	if a, b := cn.Getc(), cn.Getc(); a != 'o' || b != 'k' {
		t.Errorf("Getc() = %q %q, want 'o' 'k'", a, b)
	}

	if n := cn.Feed(strings.Repeat("x", inputSize+10)); n != inputSize {
		t.Errorf("Feed() of overflow = %d, want %d", n, inputSize)
	}
}
