package application

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"socks-reactor/internal/domain"
	"socks-reactor/internal/infrastructure/network"
	"socks-reactor/internal/stats"
)

// waiter is whatever asked for a name. The resolver never owns it.
type waiter interface {
	// resolved receives the A records of the answer, in answer order.
	resolved(addrs []netip.Addr)
	// expire is called once the query outlived the timeout.
	expire()
}

type query struct {
	id     uint16
	name   string
	waiter waiter
	wire   []byte
}

type issue struct {
	id uint16
	at time.Time
}

// Resolver issues A queries over one connected UDP socket and routes each
// answer back to the waiter that asked, keyed by transaction ID.
type Resolver struct {
	log      *slog.Logger
	loop     domain.EventLoop
	fd       int
	timeout  time.Duration
	stats    *stats.Counters
	now      func() time.Time
	interest domain.EventType

	queue   []*query
	pending map[uint16]*query
	issued  map[waiter]issue

	rbuf []byte
}

func NewResolver(log *slog.Logger, loop domain.EventLoop, fd int, timeout time.Duration, counters *stats.Counters) *Resolver {
	return &Resolver{
		log:     log,
		loop:    loop,
		fd:      fd,
		timeout: timeout,
		stats:   counters,
		now:     time.Now,
		pending: make(map[uint16]*query),
		issued:  make(map[waiter]issue),
		rbuf:    make([]byte, dns.MaxMsgSize),
	}
}

func (r *Resolver) FD() int { return r.fd }

// Outstanding is the number of queries still waiting for an answer.
func (r *Resolver) Outstanding() int { return len(r.pending) }

// Resolve queues an A query for name on behalf of w.
func (r *Resolver) Resolve(name string, w waiter) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.RecursionDesired = true

	m.Id = dns.Id()
	for r.pending[m.Id] != nil {
		m.Id = dns.Id()
	}

	wire, err := m.Pack()
	if err != nil {
		return fmt.Errorf("pack query for %q: %w", name, err)
	}

	q := &query{id: m.Id, name: name, waiter: w, wire: wire}
	r.queue = append(r.queue, q)
	r.pending[q.id] = q
	r.issued[w] = issue{id: q.id, at: r.now()}
	r.stats.DNSQueries.Inc()

	r.log.Debug("DNS query queued", "domain", name, "id", q.id)
	return r.watch(r.interest | domain.EventWrite)
}

// Forget drops every record about w. Called when a session closes.
func (r *Resolver) Forget(w waiter) {
	is, ok := r.issued[w]
	if !ok {
		return
	}
	delete(r.issued, w)
	if q := r.pending[is.id]; q != nil && q.waiter == w {
		delete(r.pending, is.id)
	}
	r.idleRead()
}

func (r *Resolver) HandleEvent(ev domain.EventType) error {
	if ev&domain.EventRead != 0 {
		if err := r.receive(); err != nil {
			return err
		}
	}
	if ev&domain.EventWrite != 0 {
		return r.send()
	}
	return nil
}

func (r *Resolver) send() error {
	interest := r.interest
	for len(r.queue) > 0 {
		q := r.queue[0]
		if r.pending[q.id] != q {
			// Forgotten or already expired.
			r.queue = r.queue[1:]
			continue
		}

		n, err := network.Datagram(r.fd).Write(q.wire)
		if errors.Is(err, unix.ECONNREFUSED) {
			// An earlier ICMP unreachable surfaced on this send; retry once.
			n, err = network.Datagram(r.fd).Write(q.wire)
		}
		if network.Pending(err) || (err == nil && n == 0) {
			break
		}
		r.queue = r.queue[1:]
		if err != nil {
			r.log.Warn("DNS send failed", "domain", q.name, "id", q.id, "error", err)
			continue
		}
		interest |= domain.EventRead
	}

	if len(r.queue) == 0 {
		r.queue = nil
		interest &^= domain.EventWrite
	}
	return r.watch(interest)
}

func (r *Resolver) receive() error {
	n, err := network.Datagram(r.fd).Read(r.rbuf)
	switch {
	case network.Pending(err):
		return nil
	case errors.Is(err, unix.ECONNREFUSED):
		r.log.Warn("DNS server unreachable")
		return nil
	case err != nil:
		return fmt.Errorf("dns receive: %w", err)
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(r.rbuf[:n]); err != nil {
		r.log.Debug("Dropping malformed DNS response", "error", err)
		return nil
	}

	q, ok := r.pending[msg.Id]
	delete(r.pending, msg.Id)
	if !ok {
		r.log.Debug("Dropping DNS response with unknown id", "id", msg.Id)
	} else {
		r.deliver(q, msg)
	}

	if len(r.pending) == 0 {
		return r.watch(r.interest &^ domain.EventRead)
	}
	return nil
}

func (r *Resolver) deliver(q *query, msg *dns.Msg) {
	var addrs []netip.Addr
	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
			addrs = append(addrs, addr)
		}
	}

	if len(addrs) == 0 {
		// The waiter stays in issued; the sweep closes it.
		r.log.Warn("DNS response has no A records", "domain", q.name, "rcode", dns.RcodeToString[msg.Rcode])
		return
	}

	delete(r.issued, q.waiter)
	r.log.Info("DNS resolved", "domain", q.name, "ip", addrs[0], "answers", len(addrs))
	q.waiter.resolved(addrs)
}

// Sweep expires every waiter whose query is older than the timeout.
func (r *Resolver) Sweep() {
	defer r.idleRead()
	if len(r.issued) == 0 {
		return
	}
	now := r.now()
	for w, is := range r.issued {
		if now.Sub(is.at) <= r.timeout {
			continue
		}
		delete(r.issued, w)
		if q := r.pending[is.id]; q != nil && q.waiter == w {
			delete(r.pending, is.id)
		}
		r.stats.DNSTimeouts.Inc()
		r.log.Warn("DNS query timed out", "id", is.id, "waited", now.Sub(is.at).Round(time.Millisecond))
		w.expire()
	}
}

// idleRead stops watching for responses once nothing is outstanding.
func (r *Resolver) idleRead() {
	if len(r.pending) == 0 && r.interest&domain.EventRead != 0 {
		if err := r.watch(r.interest &^ domain.EventRead); err != nil {
			r.log.Debug("Failed to drop read interest", "error", err)
		}
	}
}

func (r *Resolver) watch(ev domain.EventType) error {
	if ev == r.interest {
		return nil
	}
	if err := r.loop.Modify(r.fd, ev); err != nil {
		return err
	}
	r.interest = ev
	return nil
}

func (r *Resolver) Close() error {
	return unix.Close(r.fd)
}
