package testutil

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

// StartDNSServer serves handler over UDP on a loopback port.
func StartDNSServer(t *testing.T, handler dns.Handler) netip.AddrPort {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		Handler:           handler,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	ap := pc.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// AnswerA answers A questions with the addresses listed for the queried
// name. Unknown names get an empty NXDOMAIN answer.
func AnswerA(records map[string][]string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if len(req.Question) == 0 {
			_ = w.WriteMsg(m)
			return
		}

		q := req.Question[0]
		ips, ok := records[q.Name]
		if !ok {
			m.SetRcode(req, dns.RcodeNameError)
		}
		for _, ip := range ips {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip),
			})
		}
		_ = w.WriteMsg(m)
	}
}

// Silent never answers.
func Silent() dns.HandlerFunc {
	return func(dns.ResponseWriter, *dns.Msg) {}
}
