// Package workerpool implements the Worker abstraction spec.md §4.7
// describes: a single logical shard owning a disjoint set of
// connections, with Suspend/Resume for hot-restart handover.
//
// spec.md models Worker as a single-threaded reactor (one OS thread,
// non-blocking readiness callbacks). Idiomatic Go has no equivalent
// exposed to application code; goroutine-per-connection over the
// runtime's network poller already turns blocking net.Conn I/O into
// cooperatively scheduled, non-blocking work under the hood. This
// package therefore implements Worker as a named shard: a fixed-size
// Pool hands each accepted net.Conn to exactly one Worker by
// round-robin, and that Worker runs the connection's whole lifecycle on
// its own goroutine tracked in the Worker's WaitGroup. Every externally
// observable invariant spec.md requires — pinning, disjoint ownership,
// suspend-then-drain, round-robin assignment — is preserved; only the
// mechanism inside one Worker changes from a reactor loop to N
// goroutines. See SPEC_FULL.md §4.7 and DESIGN.md.
package workerpool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"code.cloudfoundry.org/clock"
	"github.com/uber-go/zap"

	"code.xhttpd.io/xhttpd/conn"
	"code.xhttpd.io/xhttpd/handlerrt"
	"code.xhttpd.io/xhttpd/logger"
)

// Worker owns a disjoint set of Connections (and, transitively, their
// ProxyConnections). It is pinned: once a net.Conn is assigned here, it
// never moves to another Worker for its lifetime (spec.md §4.7).
type Worker struct {
	name string
	log  logger.Logger

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	suspended atomic.Bool
}

func newWorker(name string, log logger.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{name: name, log: log.Session("worker").With(zap.String("worker", name)), ctx: ctx, cancel: cancel}
}

// Serve runs netConn's Connection lifecycle on a new goroutine tracked
// by this Worker's WaitGroup. It is a no-op (the socket is closed
// immediately) if the Worker is suspended.
func (w *Worker) Serve(netConn net.Conn, handler handlerrt.Handler, cfg conn.Config, clk clock.Clock) {
	if w.suspended.Load() {
		netConn.Close()
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		c := conn.New(netConn, handler, w.log, cfg, clk)
		c.Serve()
	}()
}

// Suspend stops this Worker from accepting new work (subsequent Serve
// calls close the socket instead) without touching connections already
// in flight, matching spec.md §4.7's hot-restart handover contract.
func (w *Worker) Suspend() { w.suspended.Store(true) }

// Resume restores normal operation, e.g. when a hot-restart handover
// aborts (spec.md §4.7).
func (w *Worker) Resume() { w.suspended.Store(false) }

// Drain blocks until every Connection this Worker owns has finished, or
// ctx is done first.
func (w *Worker) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
