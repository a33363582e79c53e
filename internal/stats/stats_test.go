package stats

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCountersConcurrentSnapshot(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Accepted.Inc()
				c.ClientBytes.Add(10)
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.Accepted != 800 || s.ClientBytes != 8000 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestReporterLogsUntilStopped(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&lockedWriter{mu: &mu, w: &buf}, nil))

	c := New()
	c.DNSQueries.Add(3)

	r := NewReporter(log, c, 5*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	time.Sleep(30 * time.Millisecond)
	_ = r.Stop()
	_ = r.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	out := buf.String()
	if !strings.Contains(out, "stats.dns_queries=3") {
		t.Fatalf("expected dns_queries in output, got %q", out)
	}
	if !strings.Contains(out, "Final proxy stats") {
		t.Fatalf("expected final stats line, got %q", out)
	}
}

func TestReporterDisabled(t *testing.T) {
	r := NewReporter(slog.Default(), New(), 0)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	_ = r.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop")
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
