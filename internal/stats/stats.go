// Package stats holds proxy counters. The event loop updates them; any other
// goroutine may read them.
package stats

import (
	"log/slog"

	"github.com/puzpuzpuz/xsync/v3"
)

type Counters struct {
	Accepted        *xsync.Counter
	Active          *xsync.Counter
	Closed          *xsync.Counter
	ClientBytes     *xsync.Counter // client -> upstream
	UpstreamBytes   *xsync.Counter // upstream -> client
	DNSQueries      *xsync.Counter
	DNSTimeouts     *xsync.Counter
	ConnectFailures *xsync.Counter
}

func New() *Counters {
	return &Counters{
		Accepted:        xsync.NewCounter(),
		Active:          xsync.NewCounter(),
		Closed:          xsync.NewCounter(),
		ClientBytes:     xsync.NewCounter(),
		UpstreamBytes:   xsync.NewCounter(),
		DNSQueries:      xsync.NewCounter(),
		DNSTimeouts:     xsync.NewCounter(),
		ConnectFailures: xsync.NewCounter(),
	}
}

type Snapshot struct {
	Accepted        int64
	Active          int64
	Closed          int64
	ClientBytes     int64
	UpstreamBytes   int64
	DNSQueries      int64
	DNSTimeouts     int64
	ConnectFailures int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Accepted:        c.Accepted.Value(),
		Active:          c.Active.Value(),
		Closed:          c.Closed.Value(),
		ClientBytes:     c.ClientBytes.Value(),
		UpstreamBytes:   c.UpstreamBytes.Value(),
		DNSQueries:      c.DNSQueries.Value(),
		DNSTimeouts:     c.DNSTimeouts.Value(),
		ConnectFailures: c.ConnectFailures.Value(),
	}
}

func (s Snapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("accepted", s.Accepted),
		slog.Int64("active", s.Active),
		slog.Int64("closed", s.Closed),
		slog.Int64("client_bytes", s.ClientBytes),
		slog.Int64("upstream_bytes", s.UpstreamBytes),
		slog.Int64("dns_queries", s.DNSQueries),
		slog.Int64("dns_timeouts", s.DNSTimeouts),
		slog.Int64("connect_failures", s.ConnectFailures),
	)
}
