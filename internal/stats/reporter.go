package stats

import (
	"log/slog"
	"sync"
	"time"
)

// Reporter logs a snapshot of Counters at a fixed interval until Stop.
type Reporter struct {
	log      *slog.Logger
	counters *Counters
	interval time.Duration

	once sync.Once
	done chan struct{}
}

func NewReporter(log *slog.Logger, c *Counters, interval time.Duration) *Reporter {
	return &Reporter{log: log, counters: c, interval: interval, done: make(chan struct{})}
}

// Run blocks until Stop is called.
func (r *Reporter) Run() error {
	if r.interval <= 0 {
		<-r.done
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.log.Info("Proxy stats", "stats", r.counters.Snapshot())
		case <-r.done:
			r.log.Info("Final proxy stats", "stats", r.counters.Snapshot())
			return nil
		}
	}
}

func (r *Reporter) Stop() error {
	r.once.Do(func() { close(r.done) })
	return nil
}
