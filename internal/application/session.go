package application

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"socks-reactor/internal/domain"
	"socks-reactor/internal/infrastructure/network"
	"socks-reactor/internal/protocol"
)

// Session is one proxied client connection: handshake, request, then relay.
// All methods run on the event loop goroutine.
type Session struct {
	svc *ProxyService
	log *slog.Logger

	state    domain.State
	clientFD int
	remoteFD int

	clientEv domain.EventType
	remoteEv domain.EventType

	// buf accumulates protocol messages and then carries client -> upstream
	// data; back carries upstream -> client data once relaying.
	buf  *domain.Buffer
	back *domain.Buffer

	pending   []byte
	greeting  *protocol.Greeting
	request   *protocol.Request
	replyCode byte

	clientEOF bool
	remoteEOF bool

	// parked is a hung up socket taken out of the loop until the data
	// already read from it has been flushed.
	parked int
}

func newSession(svc *ProxyService, fd int, peer netip.AddrPort) *Session {
	return &Session{
		svc:       svc,
		log:       svc.log.With("client_fd", fd, "peer", peer),
		state:     domain.StateAwaitingGreeting,
		clientFD:  fd,
		remoteFD:  -1,
		parked:    -1,
		clientEv:  domain.EventRead,
		buf:       domain.NewBuffer(svc.cfg.BufferSize),
		replyCode: protocol.RepHostUnreachable,
	}
}

func (s *Session) State() domain.State { return s.state }

func (s *Session) closed() bool { return s.state == domain.StateClosed }

// handle processes one readiness notification for either of the session's
// sockets, in accept/read/write/connect order.
func (s *Session) handle(fd int, ev domain.EventType) error {
	fromClient := fd == s.clientFD

	if ev&domain.EventHangup != 0 {
		s.hangup(fd)
		return nil
	}
	if ev&domain.EventRead != 0 {
		s.onRead(fromClient)
	}
	if ev&domain.EventWrite != 0 && !s.closed() {
		s.onWrite(fromClient)
	}
	if ev&domain.EventConnect != 0 && !s.closed() && !fromClient {
		s.onConnect()
	}
	return nil
}

func (s *Session) onRead(fromClient bool) {
	if !fromClient && s.state != domain.StateRelaying {
		return
	}
	switch s.state {
	case domain.StateAwaitingGreeting:
		if s.fill() {
			s.parseGreeting()
		}
	case domain.StateAwaitingRequest:
		if s.fill() {
			s.parseRequest()
		}
	case domain.StateRelaying:
		s.relayRead(fromClient)
	}
}

func (s *Session) onWrite(toClient bool) {
	if !toClient && s.state != domain.StateRelaying {
		return
	}
	switch s.state {
	case domain.StateAwaitingGreeting:
		if !s.flushPending() {
			return
		}
		s.buf.Reset()
		s.greeting = nil
		s.state = domain.StateAwaitingRequest
		s.watch(s.clientFD, domain.EventRead)
	case domain.StateAwaitingRequest:
		if s.pending == nil {
			s.pending = s.reply()
		}
		if !s.flushPending() {
			return
		}
		if s.replyCode != protocol.RepSuccess || s.remoteFD < 0 {
			s.close(fmt.Sprintf("request rejected with code %#02x", s.replyCode))
			return
		}
		s.startRelay()
	case domain.StateRelaying:
		s.relayWrite(toClient)
	}
}

// fill reads client bytes during the handshake. It reports whether new bytes
// arrived.
func (s *Session) fill() bool {
	n, err := s.buf.Fill(network.Socket(s.clientFD))
	switch {
	case network.Pending(err):
		return false
	case err == io.EOF:
		s.close("client closed during handshake")
		return false
	case err != nil:
		s.close(fmt.Sprintf("handshake read: %v", err))
		return false
	}
	return n > 0
}

func (s *Session) parseGreeting() {
	g, _, err := protocol.ParseGreeting(s.buf.Bytes())
	if errors.Is(err, protocol.ErrIncomplete) {
		return
	}
	if err != nil {
		s.close(err.Error())
		return
	}
	if !g.Offers(protocol.MethodNoAuth) {
		s.log.Debug("Client did not offer no-auth, selecting it anyway", "methods", g.Methods)
	}

	s.greeting = &g
	s.pending = protocol.EncodeGreetingReply()
	s.watch(s.clientFD, domain.EventWrite)
}

func (s *Session) parseRequest() {
	req, n, err := protocol.ParseRequest(s.buf.Bytes())
	if errors.Is(err, protocol.ErrIncomplete) {
		return
	}
	if err != nil {
		s.close(err.Error())
		return
	}
	// Anything after the request is early payload for upstream.
	s.buf.Consume(n)
	s.request = &req
	s.log = s.log.With("target", req.String())

	if req.Command != protocol.CmdConnect {
		s.log.Warn("Unsupported command", "cmd", req.Command)
		s.reject(protocol.RepCommandNotSupported)
		return
	}

	switch req.AddrType {
	case protocol.AtypIPv4:
		ap, _ := req.AddrPort()
		s.log.Info("Connecting direct IP")
		s.connect([]netip.Addr{ap.Addr()})
	case protocol.AtypDomain:
		s.log.Info("Resolving domain", "domain", req.Host())
		s.watch(s.clientFD, domain.EventNone)
		if err := s.svc.resolver.Resolve(req.Host(), s); err != nil {
			s.log.Warn("DNS query failed", "error", err)
			s.reject(protocol.RepHostUnreachable)
		}
	default:
		s.log.Warn("IPv6 destinations are not supported")
		s.reject(protocol.RepAddrNotSupported)
	}
}

// connect starts a non-blocking connect to the first address that accepts
// one. When none does, the client gets a failure reply.
func (s *Session) connect(addrs []netip.Addr) {
	var lastErr error
	for _, addr := range addrs {
		target := netip.AddrPortFrom(addr, s.request.DstPort)
		fd, err := network.DialTCP(target)
		if err != nil {
			lastErr = err
			continue
		}
		if err := s.svc.attach(fd, s); err != nil {
			unix.Close(fd)
			lastErr = err
			continue
		}
		s.remoteFD = fd
		s.remoteEv = domain.EventConnect
		s.log = s.log.With("remote_fd", fd)
		s.log.Debug("Initiating TCP connection", "remote_ip", target)
		s.watch(s.clientFD, domain.EventNone)
		return
	}

	s.svc.stats.ConnectFailures.Inc()
	s.log.Warn("Connect failed", "error", lastErr)
	s.reject(failureCode(lastErr))
}

// resolved is the DNS callback.
func (s *Session) resolved(addrs []netip.Addr) {
	if s.state != domain.StateAwaitingRequest || s.request == nil || s.remoteFD >= 0 {
		return
	}
	s.connect(addrs)
}

func (s *Session) expire() {
	s.close("dns timeout")
}

func (s *Session) onConnect() {
	err := network.ConnectError(s.remoteFD)
	if network.Pending(err) {
		return
	}
	if err != nil {
		s.svc.stats.ConnectFailures.Inc()
		s.log.Warn("Connect failed", "error", err)
		s.dropRemote()
		s.reject(failureCode(err))
		return
	}

	s.log.Info("Connected to target")
	s.replyCode = protocol.RepSuccess
	s.watch(s.remoteFD, domain.EventNone)
	s.watch(s.clientFD, domain.EventWrite)
}

func (s *Session) reject(code byte) {
	s.replyCode = code
	s.watch(s.clientFD, domain.EventWrite)
}

func (s *Session) reply() []byte {
	if s.replyCode == protocol.RepSuccess && s.remoteFD >= 0 {
		return protocol.EncodeRequestReply(true)
	}
	if s.replyCode == protocol.RepSuccess {
		s.replyCode = protocol.RepHostUnreachable
	}
	return protocol.EncodeFailureReply(s.replyCode)
}

// flushPending writes the queued reply and reports whether it fully left.
func (s *Session) flushPending() bool {
	for len(s.pending) > 0 {
		n, err := network.Socket(s.clientFD).Write(s.pending)
		if network.Pending(err) {
			return false
		}
		if err != nil {
			s.close(fmt.Sprintf("reply write: %v", err))
			return false
		}
		s.pending = s.pending[n:]
	}
	s.pending = nil
	return true
}

func (s *Session) startRelay() {
	s.request = nil
	s.state = domain.StateRelaying
	s.back = domain.NewBuffer(s.buf.Cap())

	if s.buf.Empty() {
		s.watch(s.clientFD, domain.EventRead)
		s.watch(s.remoteFD, domain.EventRead)
		return
	}
	// Early payload sent along with the request goes out first.
	s.watch(s.clientFD, domain.EventNone)
	s.watch(s.remoteFD, domain.EventRead|domain.EventWrite)
}

func (s *Session) relayRead(fromClient bool) {
	src, dst, buf := s.clientFD, s.remoteFD, s.buf
	if !fromClient {
		src, dst, buf = s.remoteFD, s.clientFD, s.back
	}

	n, err := buf.Fill(network.Socket(src))
	switch {
	case network.Pending(err):
		return
	case err == io.EOF:
		s.halfClose(fromClient)
		return
	case err != nil && !errors.Is(err, domain.ErrBufferFull):
		s.close(fmt.Sprintf("relay read: %v", err))
		return
	}

	if fromClient {
		s.svc.stats.ClientBytes.Add(int64(n))
	} else {
		s.svc.stats.UpstreamBytes.Add(int64(n))
	}
	s.log.Debug("Data transfer", "bytes", n, "src_fd", src)

	s.disable(src, domain.EventRead)
	s.enable(dst, domain.EventWrite)
}

func (s *Session) relayWrite(toClient bool) {
	src, dst, buf, srcEOF := s.clientFD, s.remoteFD, s.buf, s.clientEOF
	if toClient {
		src, dst, buf, srcEOF = s.remoteFD, s.clientFD, s.back, s.remoteEOF
	}

	done, err := buf.Flush(network.Socket(dst))
	if err != nil && !network.Pending(err) {
		s.close(fmt.Sprintf("relay write: %v", err))
		return
	}
	if !done {
		return
	}

	s.disable(dst, domain.EventWrite)
	if !srcEOF {
		s.resume(src)
	}
}

// hangup handles a hung up socket nobody was watching. While relaying, bytes
// already read from it may still be waiting for the other side, so the
// socket leaves the loop until they are flushed and is then read to EOF.
func (s *Session) hangup(fd int) {
	if s.state != domain.StateRelaying || s.inbound(fd).Empty() {
		s.close("socket hung up")
		return
	}
	if err := s.svc.loop.Unregister(fd); err != nil {
		s.close(fmt.Sprintf("park socket: %v", err))
		return
	}
	s.parked = fd
	s.log.Debug("Socket hung up with data in flight", "fd", fd)
}

// resume turns read interest back on for src once its buffer drained.
func (s *Session) resume(src int) {
	if src != s.parked {
		s.enable(src, domain.EventRead)
		return
	}
	s.parked = -1
	if err := s.svc.loop.Register(src, domain.EventRead); err != nil {
		s.close(fmt.Sprintf("resume socket: %v", err))
		return
	}
	s.setEvents(src, domain.EventRead)
}

// inbound is the buffer filled by reads from fd.
func (s *Session) inbound(fd int) *domain.Buffer {
	if fd == s.remoteFD {
		return s.back
	}
	return s.buf
}

// halfClose propagates end-of-stream from one side to the other. The session
// closes once both sides have finished sending.
func (s *Session) halfClose(fromClient bool) {
	src, dst := s.clientFD, s.remoteFD
	if fromClient {
		s.clientEOF = true
	} else {
		src, dst = s.remoteFD, s.clientFD
		s.remoteEOF = true
	}

	_ = network.ShutdownRead(src)
	_ = network.ShutdownWrite(dst)
	s.disable(src, domain.EventRead)

	if s.clientEOF && s.remoteEOF {
		s.close("both sides closed")
		return
	}
	s.log.Debug("Half-closed", "src_fd", src)
}

func (s *Session) events(fd int) domain.EventType {
	if fd == s.remoteFD {
		return s.remoteEv
	}
	return s.clientEv
}

func (s *Session) enable(fd int, ev domain.EventType)  { s.watch(fd, s.events(fd)|ev) }
func (s *Session) disable(fd int, ev domain.EventType) { s.watch(fd, s.events(fd)&^ev) }

// watch sets the interest of one of the session's sockets.
func (s *Session) watch(fd int, ev domain.EventType) {
	if s.closed() || fd < 0 || s.events(fd) == ev {
		return
	}
	if err := s.svc.loop.Modify(fd, ev); err != nil {
		s.close(fmt.Sprintf("update interest: %v", err))
		return
	}
	s.setEvents(fd, ev)
}

func (s *Session) setEvents(fd int, ev domain.EventType) {
	if fd == s.remoteFD {
		s.remoteEv = ev
	} else {
		s.clientEv = ev
	}
}

func (s *Session) dropRemote() {
	if s.remoteFD < 0 {
		return
	}
	s.svc.detach(s.remoteFD)
	s.remoteFD = -1
	s.remoteEv = domain.EventNone
}

// close releases both sockets. Safe to call any number of times.
func (s *Session) close(reason string) {
	if s.closed() {
		return
	}
	prev := s.state
	s.state = domain.StateClosed

	s.dropRemote()
	s.svc.detach(s.clientFD)
	s.svc.release(s)

	s.pending, s.greeting, s.request = nil, nil, nil
	s.log.Info("Closing session", "reason", reason, "state", prev)
}

func failureCode(err error) byte {
	if errors.Is(err, unix.ECONNREFUSED) {
		return protocol.RepConnectionRefused
	}
	return protocol.RepHostUnreachable
}
