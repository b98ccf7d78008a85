package workerpool

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"

	"code.xhttpd.io/xhttpd/conn"
	"code.xhttpd.io/xhttpd/handlerrt"
	"code.xhttpd.io/xhttpd/logger"
)

// Pool is a fixed-size set of Workers. listener.Listener hands each
// accepted net.Conn to Pool.Assign, which assigns it by round-robin
// (atomic.Uint64 counter mod pool size, spec.md §5's assignment rule).
type Pool struct {
	workers []*Worker
	next    atomic.Uint64
	handler handlerrt.Handler
	cfg     conn.Config
	clk     clock.Clock
}

// New builds a Pool of size Workers, all running handler.
func New(size int, handler handlerrt.Handler, cfg conn.Config, clk clock.Clock, log logger.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{handler: handler, cfg: cfg, clk: clk}
	for i := 0; i < size; i++ {
		p.workers = append(p.workers, newWorker(fmt.Sprintf("w%d", i), log))
	}
	return p
}

// Assign hands netConn to the next Worker in round-robin order.
func (p *Pool) Assign(netConn net.Conn) {
	i := p.next.Add(1) % uint64(len(p.workers))
	p.workers[i].Serve(netConn, p.handler, p.cfg, p.clk)
}

// Suspend stops every Worker from accepting new connections.
func (p *Pool) Suspend() {
	for _, w := range p.workers {
		w.Suspend()
	}
}

// Resume restores every Worker to normal operation.
func (p *Pool) Resume() {
	for _, w := range p.workers {
		w.Resume()
	}
}

// Drain blocks until every Worker's in-flight connections finish, or
// deadline elapses first (spec.md §6's "bounded deadline" shutdown
// rule).
func (p *Pool) Drain(deadline time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	for _, w := range p.workers {
		w.Drain(ctx)
	}
}
