// Package listener implements the inbound-socket acceptor (spec.md
// §2, §4.7): it binds a TCP listen address, accepts connections, and
// hands each one to a workerpool.Pool by round-robin.
//
// Grounded on router.Router.serveHTTP's net.Listen/Serve shape (teacher's
// router package) with the http.Server replaced by a raw accept loop,
// since this core terminates HTTP/1.x itself rather than delegating to
// net/http.
package listener

import (
	"fmt"
	"net"

	"code.cloudfoundry.org/localip"
	"github.com/uber-go/zap"

	"code.xhttpd.io/xhttpd/logger"
	"code.xhttpd.io/xhttpd/workerpool"
)

// Listener accepts inbound sockets on one TCP port and assigns them to
// pool (spec.md §2's Listener → Worker edge).
type Listener struct {
	addr          string
	advertisedIP  string
	pool          *workerpool.Pool
	log           logger.Logger

	ln net.Listener
}

// New resolves an advertised bind address, exposed through AdvertisedIP
// (localip.LocalIP, grounded on config.Config.Ip / mbus's use of the
// same package), when host is empty or "0.0.0.0".
func New(host string, port int, pool *workerpool.Pool, log logger.Logger) (*Listener, error) {
	advertised := host
	if host == "" || host == "0.0.0.0" {
		ip, err := localip.LocalIP()
		if err == nil {
			advertised = ip
		}
	}
	return &Listener{addr: fmt.Sprintf(":%d", port), advertisedIP: advertised, pool: pool, log: log.Session("listener")}, nil
}

// AdvertisedIP returns the resolved bind address, distinct from the
// literal listen address (which may be "0.0.0.0").
func (l *Listener) AdvertisedIP() string { return l.advertisedIP }

// Start binds the listen address and begins accepting; Accept runs on
// its own goroutine and returns only when the Listener is closed.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	l.log.Info("tcp-listener-started", zap.String("address", ln.Addr().String()))

	go l.acceptLoop()
	return nil
}

func (l *Listener) acceptLoop() {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			l.log.Debug("accept loop stopped", zap.String("error", err.Error()))
			return
		}
		l.pool.Assign(c)
	}
}

// Close stops accepting new connections. In-flight connections already
// assigned to Workers are unaffected (spec.md §6's graceful-shutdown
// contract: "closes listeners, waits for active requests...").
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// Addr returns the bound address, or "" before Start.
func (l *Listener) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}
