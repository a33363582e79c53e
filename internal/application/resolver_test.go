package application

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"socks-reactor/internal/domain"
	"socks-reactor/internal/infrastructure/network"
	"socks-reactor/internal/stats"
	"socks-reactor/internal/testutil"
	"socks-reactor/pkg/logger"
)

type fakeLoop struct {
	interest map[int]domain.EventType
}

func newFakeLoop() *fakeLoop { return &fakeLoop{interest: make(map[int]domain.EventType)} }

func (l *fakeLoop) Register(fd int, ev domain.EventType) error { l.interest[fd] = ev; return nil }
func (l *fakeLoop) Modify(fd int, ev domain.EventType) error   { l.interest[fd] = ev; return nil }
func (l *fakeLoop) Unregister(fd int) error                    { delete(l.interest, fd); return nil }
func (l *fakeLoop) Run(domain.EventHandler) error              { return nil }
func (l *fakeLoop) Stop()                                      {}
func (l *fakeLoop) Close() error                               { return nil }

type fakeWaiter struct {
	name    string
	addrs   []netip.Addr
	calls   int
	expired int
}

func (w *fakeWaiter) resolved(addrs []netip.Addr) {
	w.calls++
	w.addrs = addrs
}

func (w *fakeWaiter) expire() { w.expired++ }

type resolverHarness struct {
	r     *Resolver
	loop  *fakeLoop
	fd    int
	stats *stats.Counters
	clock time.Time
}

func newResolverHarness(t *testing.T, handler dns.Handler) *resolverHarness {
	t.Helper()

	server := testutil.StartDNSServer(t, handler)
	fd, err := network.BindUDP(0, server)
	if err != nil {
		t.Fatal(err)
	}

	h := &resolverHarness{loop: newFakeLoop(), fd: fd, stats: stats.New(), clock: time.Unix(1_700_000_000, 0)}
	h.r = NewResolver(logger.Discard(), h.loop, fd, 30*time.Second, h.stats)
	h.r.now = func() time.Time { return h.clock }
	_ = h.loop.Register(fd, domain.EventNone)
	t.Cleanup(func() { _ = h.r.Close() })
	return h
}

func (h *resolverHarness) interest() domain.EventType { return h.loop.interest[h.fd] }

// receive handles read events until want responses were processed or the
// deadline passes.
func (h *resolverHarness) receive(t *testing.T, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for got := 0; got < want; {
		wait := int(time.Until(deadline) / time.Millisecond)
		if wait <= 0 {
			t.Fatalf("received %d of %d responses", got, want)
		}
		fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, wait)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			continue
		}
		if err := h.r.HandleEvent(domain.EventRead); err != nil {
			t.Fatal(err)
		}
		got++
	}
}

func TestResolverRoutesResponsesByID(t *testing.T) {
	records := map[string][]string{}
	var waiters []*fakeWaiter
	for i := 1; i <= 5; i++ {
		name := strings.Repeat("a", i) + ".test"
		records[name+"."] = []string{netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}).String()}
		waiters = append(waiters, &fakeWaiter{name: name})
	}
	h := newResolverHarness(t, testutil.AnswerA(records))

	for _, w := range waiters {
		if err := h.r.Resolve(w.name, w); err != nil {
			t.Fatal(err)
		}
	}
	if h.interest() != domain.EventWrite {
		t.Fatalf("expected write interest, have %v", h.interest())
	}
	if h.r.Outstanding() != len(waiters) {
		t.Fatalf("expected %d outstanding, have %d", len(waiters), h.r.Outstanding())
	}

	if err := h.r.HandleEvent(domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	if h.interest() != domain.EventRead {
		t.Fatalf("expected read interest after sending, have %v", h.interest())
	}

	h.receive(t, len(waiters))

	for i, w := range waiters {
		want := netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)})
		if w.calls != 1 || len(w.addrs) != 1 || w.addrs[0] != want {
			t.Errorf("%s: expected one callback with %v, got calls=%d addrs=%v", w.name, want, w.calls, w.addrs)
		}
	}
	if h.r.Outstanding() != 0 {
		t.Fatalf("expected no outstanding queries, have %d", h.r.Outstanding())
	}
	if h.interest() != domain.EventNone {
		t.Fatalf("expected no interest once drained, have %v", h.interest())
	}
	if got := h.stats.DNSQueries.Value(); got != int64(len(waiters)) {
		t.Fatalf("expected %d queries counted, have %d", len(waiters), got)
	}
}

func TestResolverPassesAllAnswersInOrder(t *testing.T) {
	h := newResolverHarness(t, testutil.AnswerA(map[string][]string{
		"multi.test.": {"192.0.2.1", "192.0.2.2", "192.0.2.3"},
	}))

	w := &fakeWaiter{name: "multi.test"}
	if err := h.r.Resolve(w.name, w); err != nil {
		t.Fatal(err)
	}
	if err := h.r.HandleEvent(domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	h.receive(t, 1)

	want := []netip.Addr{
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("192.0.2.2"),
		netip.MustParseAddr("192.0.2.3"),
	}
	if len(w.addrs) != len(want) {
		t.Fatalf("expected %v got %v", want, w.addrs)
	}
	for i := range want {
		if w.addrs[i] != want[i] {
			t.Fatalf("expected %v got %v", want, w.addrs)
		}
	}
}

func TestResolverDropsUnknownIDs(t *testing.T) {
	h := newResolverHarness(t, dns.HandlerFunc(func(rw dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Id = req.Id + 1
		_ = rw.WriteMsg(m)
	}))

	w := &fakeWaiter{name: "stale.test"}
	if err := h.r.Resolve(w.name, w); err != nil {
		t.Fatal(err)
	}
	if err := h.r.HandleEvent(domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	h.receive(t, 1)

	if w.calls != 0 || w.expired != 0 {
		t.Fatalf("waiter must not be touched, calls=%d expired=%d", w.calls, w.expired)
	}
	if h.r.Outstanding() != 1 {
		t.Fatalf("expected the real query to stay outstanding, have %d", h.r.Outstanding())
	}
	if h.interest()&domain.EventRead == 0 {
		t.Fatal("read interest must stay on while a query is outstanding")
	}
}

func TestResolverIgnoresDuplicateResponses(t *testing.T) {
	h := newResolverHarness(t, dns.HandlerFunc(func(rw dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   []byte{192, 0, 2, 7},
		})
		_ = rw.WriteMsg(m)
		_ = rw.WriteMsg(m)
	}))

	w := &fakeWaiter{name: "dup.test"}
	if err := h.r.Resolve(w.name, w); err != nil {
		t.Fatal(err)
	}
	if err := h.r.HandleEvent(domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	h.receive(t, 2)

	if w.calls != 1 {
		t.Fatalf("expected one callback, got %d", w.calls)
	}
}

func TestResolverNoAnswerLeavesWaiterForSweep(t *testing.T) {
	h := newResolverHarness(t, testutil.AnswerA(nil))

	w := &fakeWaiter{name: "missing.test"}
	if err := h.r.Resolve(w.name, w); err != nil {
		t.Fatal(err)
	}
	if err := h.r.HandleEvent(domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	h.receive(t, 1)

	if w.calls != 0 {
		t.Fatal("waiter must not be called without A records")
	}
	if h.r.Outstanding() != 0 {
		t.Fatalf("the record is removed on response, have %d", h.r.Outstanding())
	}
	if h.interest() != domain.EventNone {
		t.Fatalf("expected no interest, have %v", h.interest())
	}

	h.clock = h.clock.Add(31 * time.Second)
	h.r.Sweep()
	if w.expired != 1 {
		t.Fatalf("expected the sweep to expire the waiter, expired=%d", w.expired)
	}
}

func TestResolverSweepThreshold(t *testing.T) {
	h := newResolverHarness(t, testutil.Silent())

	w := &fakeWaiter{name: "slow.test"}
	if err := h.r.Resolve(w.name, w); err != nil {
		t.Fatal(err)
	}
	if err := h.r.HandleEvent(domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	start := h.clock

	for _, elapsed := range []time.Duration{0, 10 * time.Second, 30 * time.Second} {
		h.clock = start.Add(elapsed)
		h.r.Sweep()
		if w.expired != 0 {
			t.Fatalf("expired after %v, before the threshold", elapsed)
		}
	}

	h.clock = start.Add(30*time.Second + time.Millisecond)
	h.r.Sweep()
	h.r.Sweep()
	if w.expired != 1 {
		t.Fatalf("expected exactly one expiry, got %d", w.expired)
	}
	if h.r.Outstanding() != 0 {
		t.Fatalf("expected no outstanding queries, have %d", h.r.Outstanding())
	}
	if h.interest() != domain.EventNone {
		t.Fatalf("expected no interest, have %v", h.interest())
	}
	if got := h.stats.DNSTimeouts.Value(); got != 1 {
		t.Fatalf("expected one timeout counted, have %d", got)
	}
}

func TestResolverForgetSkipsQueuedQuery(t *testing.T) {
	h := newResolverHarness(t, testutil.Silent())

	gone := &fakeWaiter{name: "gone.test"}
	kept := &fakeWaiter{name: "kept.test"}
	if err := h.r.Resolve(gone.name, gone); err != nil {
		t.Fatal(err)
	}
	if err := h.r.Resolve(kept.name, kept); err != nil {
		t.Fatal(err)
	}
	h.r.Forget(gone)
	h.r.Forget(gone)

	if h.r.Outstanding() != 1 {
		t.Fatalf("expected one outstanding query, have %d", h.r.Outstanding())
	}
	if err := h.r.HandleEvent(domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	if len(h.r.queue) != 0 {
		t.Fatalf("expected empty queue, have %d", len(h.r.queue))
	}

	h.clock = h.clock.Add(time.Minute)
	h.r.Sweep()
	if gone.expired != 0 || kept.expired != 1 {
		t.Fatalf("unexpected expiries: gone=%d kept=%d", gone.expired, kept.expired)
	}
}

func TestResolverForgetDropsReadInterest(t *testing.T) {
	h := newResolverHarness(t, testutil.Silent())

	w := &fakeWaiter{name: "abandoned.test"}
	if err := h.r.Resolve(w.name, w); err != nil {
		t.Fatal(err)
	}
	if err := h.r.HandleEvent(domain.EventWrite); err != nil {
		t.Fatal(err)
	}
	if h.interest() != domain.EventRead {
		t.Fatalf("expected read interest while waiting, have %v", h.interest())
	}

	h.r.Forget(w)
	if h.interest() != domain.EventNone {
		t.Fatalf("expected no interest after the last waiter left, have %v", h.interest())
	}
	h.r.Sweep()
	if h.interest() != domain.EventNone || w.expired != 0 {
		t.Fatalf("sweep changed state: interest=%v expired=%d", h.interest(), w.expired)
	}
}

func TestResolverRejectsInvalidName(t *testing.T) {
	h := newResolverHarness(t, testutil.Silent())

	w := &fakeWaiter{name: strings.Repeat("x", 64) + ".test"}
	if err := h.r.Resolve(w.name, w); err == nil {
		t.Fatal("expected an error for a 64-byte label")
	}
	if h.r.Outstanding() != 0 {
		t.Fatalf("nothing may be recorded for a failed query, have %d", h.r.Outstanding())
	}
}

func TestResolverReadWithoutData(t *testing.T) {
	h := newResolverHarness(t, testutil.Silent())
	if err := h.r.HandleEvent(domain.EventRead); err != nil {
		t.Fatalf("empty read must not fail: %v", err)
	}
}
