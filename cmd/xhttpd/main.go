// Command xhttpd is the daemon entry point (spec.md §6's CLI surface):
// it loads configuration, builds the Director/Backend set and the
// compiled-handler pipeline, starts the Listener and Worker pool, and
// waits for a termination signal to drain and exit.
//
// Grounded on the teacher's main.go: flag.StringVar for the config
// path, ifrit/grouper.NewOrdered to sequence startup, ifrit/sigmon to
// turn SIGTERM/SIGUSR1 into graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"net"
	"os"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	mr "code.cloudfoundry.org/go-metric-registry"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/grouper"
	"github.com/tedsuo/ifrit/sigmon"
	"github.com/uber-go/zap"

	"code.xhttpd.io/xhttpd/backend"
	"code.xhttpd.io/xhttpd/conn"
	"code.xhttpd.io/xhttpd/director"
	"code.xhttpd.io/xhttpd/handlerrt"
	"code.xhttpd.io/xhttpd/listener"
	grlog "code.xhttpd.io/xhttpd/logger"
	"code.xhttpd.io/xhttpd/metrics"
	"code.xhttpd.io/xhttpd/workerpool"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "c", "", "Configuration File")
	flag.Parse()

	cfg := DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = InitConfigFromFile(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %s\n", err)
			os.Exit(1)
		}
	}

	var logLevel zap.Level
	logLevel.UnmarshalText([]byte(cfg.Logging.Level))
	log := grlog.NewLogger("xhttpd", logLevel, zap.Output(os.Stdout))

	clk := clock.NewClock()

	handler, dir := buildHandler(cfg, clk, log)
	if dir != nil {
		runHealthChecks(dir, cfg.HealthCheckInterval)
	}

	connCfg := conn.Config{
		MaxRequestLine:       cfg.MaxRequestLine,
		MaxHeaderBlock:       cfg.MaxHeaderBlock,
		MaxKeepAliveRequests: cfg.MaxKeepAliveRequests,
		IdleTimeout:          cfg.IdleTimeout,
		ReadChunkSize:        conn.DefaultConfig.ReadChunkSize,
	}

	pool := workerpool.New(cfg.Workers, handler, connCfg, clk, log)

	ln, err := listener.New(cfg.Host, int(cfg.Port), pool, log)
	if err != nil {
		log.Fatal("listener-init-error", zap.Error(err))
	}

	members := grouper.Members{
		{Name: "listener", Runner: listenerRunner{ln: ln}},
	}

	group := grouper.NewOrdered(os.Interrupt, members)
	process := ifrit.Invoke(sigmon.New(group, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1))

	<-process.Ready()
	log.Info("xhttpd.started", zap.String("address", ln.Addr()))

	err = <-process.Wait()

	log.Info("xhttpd.draining", zap.Duration("timeout", cfg.DrainTimeout))
	pool.Suspend()
	ln.Close()
	pool.Drain(cfg.DrainTimeout)

	if err != nil {
		log.Fatal("xhttpd.exited-with-failure", zap.Error(err))
	}
	os.Exit(0)
}

// listenerRunner adapts listener.Listener to ifrit.Runner, matching the
// teacher's pattern of wrapping long-running components as grouper
// members so sigmon's signal handling composes with ordered startup.
type listenerRunner struct {
	ln *listener.Listener
}

func (r listenerRunner) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	if err := r.ln.Start(); err != nil {
		return err
	}
	close(ready)
	<-signals
	return r.ln.Close()
}

// buildHandler assembles the compiled-handler stand-in spec.md §6
// describes: a StaticFileHandler when no backends are configured, or a
// ProxyHandler fronting a director.Director when they are.
func buildHandler(cfg *Config, clk clock.Clock, log grlog.Logger) (handlerrt.Handler, *director.Director) {
	if len(cfg.Backends) == 0 {
		h := &handlerrt.StaticFileHandler{DocumentRoot: cfg.DocumentRoot, Index: cfg.Index}
		if err := h.Setup(); err != nil {
			log.Fatal("handler-setup-error", zap.Error(err))
		}
		return h, nil
	}

	backends := make([]*backend.Backend, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		addr := bc.Address
		backends = append(backends, backend.New(bc.Name, bc.Capacity, dialerFor(addr, cfg.ConnectTimeout)))
	}

	dir := director.New(backends, cfg.RetryWindow, clk, cfg.CloakServer)
	if cfg.Metrics.Port != 0 {
		registry := mr.NewRegistry(stdlog.Default(), mr.WithServer(cfg.Metrics.Port))
		dir.SetReporter(metrics.NewReporter(registry))
	}
	h := &handlerrt.ProxyHandler{Director: dir, Scheme: "http", Log: log}
	if err := h.Setup(); err != nil {
		log.Fatal("handler-setup-error", zap.Error(err))
	}
	return h, dir
}

func dialerFor(addr string, timeout time.Duration) backend.Dialer {
	d := net.Dialer{Timeout: timeout}
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// runHealthChecks starts a background probe loop per Backend, grounded
// on healthchecker/watchdog.Watchdog.WatchHealthcheckEndpoint's
// ticker-driven poll shape (SPEC_FULL.md §4.5).
func runHealthChecks(dir *director.Director, interval time.Duration) {
	if interval <= 0 {
		return
	}
	for _, b := range dir.Backends {
		b := b
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for range ticker.C {
				b.Probe(context.Background(), interval)
			}
		}()
	}
}
