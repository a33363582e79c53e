package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/txthinking/runnergroup"

	"socks-reactor/internal/application"
	"socks-reactor/internal/domain"
	"socks-reactor/internal/infrastructure/epoll"
	"socks-reactor/internal/stats"
	"socks-reactor/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		port       = pflag.Int("port", application.DefaultPort, "Port to listen on (the DNS socket binds the same UDP port)")
		dnsServer  = pflag.String("dns-server", "", "DNS server host[:port]. Empty uses the first nameserver of --resolv-conf")
		resolvConf = pflag.String("resolv-conf", application.DefaultResolvConf, "Resolver configuration file")
		dnsTimeout = pflag.Duration("dns-timeout", application.DefaultDNSTimeout, "How long a client may wait for a DNS answer")

		pollTimeout   = pflag.Duration("poll-timeout", time.Second, "Upper bound on a single epoll wait")
		bufferSize    = pflag.Int("buffer-size", domain.DefaultBufferSize, "Per-direction relay buffer size in bytes")
		logLevel      = pflag.String("log-level", "info", "Log level: debug, info, warn, error")
		logFormat     = pflag.String("log-format", "text", "Log format: text or json")
		statsInterval = pflag.Duration("stats-interval", 0, "Log proxy stats at this interval. 0 disables")
	)
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	log, err := logger.Setup(*logLevel, *logFormat)
	if err != nil {
		return err
	}
	log.Info("Initializing SOCKS5 Proxy...")

	eventLoop, err := epoll.New(log.With("component", "epoll"), *pollTimeout)
	if err != nil {
		return fmt.Errorf("failed to create event loop: %w", err)
	}

	counters := stats.New()
	proxy, err := application.NewProxyService(eventLoop, log, application.Config{
		Port:       *port,
		DNSServer:  *dnsServer,
		ResolvConf: *resolvConf,
		DNSTimeout: *dnsTimeout,
		BufferSize: *bufferSize,
	}, counters)
	if err != nil {
		_ = eventLoop.Close()
		return fmt.Errorf("failed to create proxy service: %w", err)
	}
	reporter := stats.NewReporter(log, counters, *statsInterval)

	g := runnergroup.New()
	g.Add(&runnergroup.Runner{Start: proxy.Start, Stop: proxy.Stop})
	g.Add(&runnergroup.Runner{Start: reporter.Run, Stop: reporter.Stop})

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		log.Info("Shutting down", "signal", sig)
		_ = g.Done()
	}()

	log.Info("Proxy listening", "port", proxy.Port())
	return g.Wait()
}
