package application

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"socks-reactor/internal/domain"
	"socks-reactor/internal/infrastructure/network"
	"socks-reactor/internal/stats"
)

type regKind int

const (
	regListener regKind = iota
	regResolver
	regClient
	regUpstream
)

// registration is what an fd in the event loop belongs to.
type registration struct {
	kind    regKind
	session *Session
}

type ProxyService struct {
	log      *slog.Logger
	loop     domain.EventLoop
	cfg      Config
	stats    *stats.Counters
	resolver *Resolver

	listenerFD int
	port       int
	registry   map[int]registration
	sessions   map[*Session]struct{}
}

func NewProxyService(loop domain.EventLoop, logger *slog.Logger, cfg Config, counters *stats.Counters) (*ProxyService, error) {
	cfg = cfg.withDefaults()
	if counters == nil {
		counters = stats.New()
	}

	server, err := cfg.resolverAddr()
	if err != nil {
		return nil, err
	}

	lfd, err := network.ListenTCP(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}

	port, err := network.LocalPort(lfd)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("listener port: %w", err)
	}

	dfd, err := network.BindUDP(port, server)
	if errors.Is(err, unix.EADDRINUSE) {
		logger.Warn("UDP port busy, resolver uses an ephemeral port", "port", port)
		dfd, err = network.BindUDP(0, server)
	}
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("failed to bind udp: %w", err)
	}

	s := &ProxyService{
		log:        logger,
		loop:       loop,
		cfg:        cfg,
		stats:      counters,
		listenerFD: lfd,
		port:       port,
		registry:   make(map[int]registration),
		sessions:   make(map[*Session]struct{}),
	}
	s.resolver = NewResolver(logger.With("component", "dns"), loop, dfd, cfg.DNSTimeout, counters)

	logger.Info("Using DNS server", "server", server)
	return s, nil
}

// Port is the TCP port the proxy accepts on.
func (s *ProxyService) Port() int { return s.port }

// Start runs the event loop until Stop. Every socket the service owns is
// closed before the loop itself, and both before Start returns.
func (s *ProxyService) Start() error {
	defer func() {
		if err := s.loop.Close(); err != nil {
			s.log.Warn("Closing event loop failed", "error", err)
		}
	}()
	defer s.shutdown()

	s.log.Info("Registering server sockets in EventLoop", "listener_fd", s.listenerFD, "dns_fd", s.resolver.FD())

	if err := s.loop.Register(s.listenerFD, domain.EventAccept); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	s.registry[s.listenerFD] = registration{kind: regListener}

	if err := s.loop.Register(s.resolver.FD(), domain.EventNone); err != nil {
		return fmt.Errorf("register resolver: %w", err)
	}
	s.registry[s.resolver.FD()] = registration{kind: regResolver}

	s.log.Info("Proxy service is running loop...")
	return s.loop.Run(s)
}

// Stop may be called from any goroutine.
func (s *ProxyService) Stop() error {
	s.loop.Stop()
	return nil
}

func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	defer s.resolver.Sweep()

	reg, ok := s.registry[fd]
	if !ok {
		return nil
	}

	switch reg.kind {
	case regListener:
		if event&domain.EventAccept != 0 {
			return s.acceptNewClient()
		}
	case regResolver:
		return s.resolver.HandleEvent(event)
	case regClient, regUpstream:
		return reg.session.handle(fd, event)
	}
	return nil
}

func (s *ProxyService) HandleIdle() {
	s.resolver.Sweep()
}

func (s *ProxyService) acceptNewClient() error {
	nfd, peer, err := network.Accept(s.listenerFD)
	if err != nil {
		if !network.Pending(err) {
			s.log.Warn("Accept failed", "error", err)
		}
		return nil
	}

	if err := s.loop.Register(nfd, domain.EventRead); err != nil {
		unix.Close(nfd)
		return fmt.Errorf("register client: %w", err)
	}

	sess := newSession(s, nfd, peer)
	s.registry[nfd] = registration{kind: regClient, session: sess}
	s.sessions[sess] = struct{}{}
	s.stats.Accepted.Inc()
	s.stats.Active.Inc()

	s.log.Info("New client accepted", "fd", nfd, "ip", peer.Addr())
	return nil
}

// attach registers a session's upstream socket, waiting for connect.
func (s *ProxyService) attach(fd int, sess *Session) error {
	if err := s.loop.Register(fd, domain.EventConnect); err != nil {
		return err
	}
	s.registry[fd] = registration{kind: regUpstream, session: sess}
	return nil
}

// detach unregisters and closes one of a session's sockets.
func (s *ProxyService) detach(fd int) {
	if err := s.loop.Unregister(fd); err != nil {
		s.log.Debug("Unregister failed", "fd", fd, "error", err)
	}
	delete(s.registry, fd)
	unix.Close(fd)
}

// release forgets a closed session.
func (s *ProxyService) release(sess *Session) {
	if _, ok := s.sessions[sess]; !ok {
		return
	}
	delete(s.sessions, sess)
	s.resolver.Forget(sess)
	s.stats.Active.Dec()
	s.stats.Closed.Inc()
}

func (s *ProxyService) shutdown() {
	for sess := range s.sessions {
		sess.close("proxy shutting down")
	}
	_ = s.loop.Unregister(s.listenerFD)
	_ = s.loop.Unregister(s.resolver.FD())
	unix.Close(s.listenerFD)
	_ = s.resolver.Close()
	s.log.Info("Proxy stopped")
}
