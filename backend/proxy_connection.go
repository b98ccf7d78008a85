package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"code.xhttpd.io/xhttpd/httpparse"
	"code.xhttpd.io/xhttpd/iobuf"
	"code.xhttpd.io/xhttpd/logger"
	"code.xhttpd.io/xhttpd/request"
	"code.xhttpd.io/xhttpd/stream"
	"github.com/uber-go/zap"
)

// headers dropped when copying the client request onto the wire to the
// upstream leg (spec.md §4.6).
var forwardDropRequestHeaders = map[string]bool{
	"x-forwarded-for":  true,
	"content-transfer": true,
	"expect":           true,
	"connection":       true,
}

// headers dropped (or replaced) when copying the upstream response back
// onto the client Request (spec.md §4.6).
var dropResponseHeader = map[string]bool{
	"connection":        true,
	"transfer-encoding": true,
}

// Outcome reports how a ProxyConnection's attempt ended, so the caller
// (director.Director via the owning handler) knows whether to call
// Director.Release (Success, FailMidBody) or Director.Reschedule
// (FailConnect, FailNoStatus).
type Outcome int

const (
	Success Outcome = iota
	FailConnect
	FailNoStatus
	FailMidBody // best-effort finish already happened; do not reschedule
)

// CompletionFunc is invoked exactly once, when the ProxyConnection's
// pending-ops counter reaches zero (spec.md §9 REDESIGN FLAG: this
// replaces the source's manual reference count with a plain counter —
// the ProxyConnection's own goroutine, started by Start, is the only
// reader/writer of its parse state; the client side only signals an
// abort through a channel, so no mutex is needed around those fields).
type CompletionFunc func(outcome Outcome, err error)

// ProxyConnection is the per-forwarded-request upstream bridge (spec.md
// §3, §4.6): it owns the upstream socket, assembles the forwarded
// request, and streams the upstream response back onto the client
// Request via req.Write.
type ProxyConnection struct {
	req         *request.Request
	backendName string
	cloakServer bool
	clientIP    string
	scheme      string
	log         logger.Logger

	upstream net.Conn
	reader   *bufio.Reader
	parser   *httpparse.Parser

	pending atomic.Int32
	done    atomic.Bool

	statusSeen   bool
	contentBegun bool
	onComplete   CompletionFunc

	// aborted is closed (at most once, via abortOnce) if the client
	// connection fails while this ProxyConnection is still streaming a
	// response, unblocking any OnContent call waiting on a chunk's ack.
	aborted   chan struct{}
	abortOnce sync.Once
}

// Start dials b, forwards req, and streams the response back. It
// returns immediately; the proxy attempt completes asynchronously on
// its own goroutine, invoking onComplete exactly once.
func Start(ctx context.Context, b *Backend, req *request.Request, clientIP, scheme string, cloakServer bool, log logger.Logger, onComplete CompletionFunc) *ProxyConnection {
	pc := &ProxyConnection{
		req:         req,
		backendName: b.Name,
		cloakServer: cloakServer,
		clientIP:    clientIP,
		scheme:      scheme,
		log:         log.Session("proxy_connection").With(zap.String("backend", b.Name)),
		onComplete:  onComplete,
		aborted:     make(chan struct{}),
	}
	pc.pending.Store(1)
	req.SetAbortHandler(pc.signalAbort)

	go pc.run(ctx, b)
	return pc
}

func (pc *ProxyConnection) signalAbort() {
	pc.abortOnce.Do(func() { close(pc.aborted) })
}

func (pc *ProxyConnection) run(ctx context.Context, b *Backend) {
	defer pc.unref(FailConnect, nil)

	conn, err := b.Dial(ctx)
	if err != nil {
		pc.log.Debug("connect failed", zap.String("error", err.Error()))
		return
	}
	pc.upstream = conn
	defer conn.Close()

	if err := pc.writeRequest(); err != nil {
		pc.log.Debug("forward request failed", zap.String("error", err.Error()))
		return
	}

	pc.reader = bufio.NewReader(conn)
	pc.parser = httpparse.NewWithLimits(httpparse.ModeResponse, pc, httpparse.Limits{
		MaxRequestLine: httpparse.DefaultLimits.MaxRequestLine,
		MaxHeaderBlock: httpparse.DefaultLimits.MaxHeaderBlock,
	})

	pc.readLoop()
}

// writeRequest assembles and writes the forwarded request line, headers,
// and body (if any), per spec.md §4.6's literal wire-forwarding rules.
func (pc *ProxyConnection) writeRequest() error {
	var sb strings.Builder
	target := pc.req.Target
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", pc.req.Method, target)

	pc.req.Headers.Each(func(name, value string) {
		if forwardDropRequestHeaders[strings.ToLower(name)] {
			return
		}
		fmt.Fprintf(&sb, "%s: %s\r\n", name, value)
	})

	sb.WriteString("Connection: close\r\n")

	xff, _ := pc.req.Headers.Get("X-Forwarded-For")
	if xff != "" {
		fmt.Fprintf(&sb, "X-Forwarded-For: %s, %s\r\n", xff, pc.clientIP)
	} else {
		fmt.Fprintf(&sb, "X-Forwarded-For: %s\r\n", pc.clientIP)
	}

	if !pc.req.Headers.Has("X-Forwarded-Proto") {
		fmt.Fprintf(&sb, "X-Forwarded-Proto: %s\r\n", pc.scheme)
	}

	sb.WriteString("\r\n")

	if _, err := io.WriteString(pc.upstream, sb.String()); err != nil {
		return err
	}

	var bodyErr error
	pc.req.SetBodyCallback(func(chunk []byte) {
		if bodyErr != nil || len(chunk) == 0 {
			return
		}
		if _, err := pc.upstream.Write(chunk); err != nil {
			bodyErr = err
		}
	})
	return bodyErr
}

// readLoop feeds the upstream socket's bytes into the response parser
// until the parser reaches a terminal state or the socket errs/closes.
func (pc *ProxyConnection) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		if pc.parser.MessageComplete() || pc.parser.Terminated() {
			pc.finishSuccess()
			return
		}

		n, err := pc.reader.Read(buf)
		if n > 0 {
			b := iobuf.FromBytes(buf[:n])
			for off := 0; off < b.Len(); {
				consumed, perr := pc.parser.Process(b.Slice(off, b.Len()-off))
				off += consumed
				if perr != nil {
					pc.finishParseError(perr)
					return
				}
				if consumed == 0 {
					break
				}
			}
		}
		if err != nil {
			pc.finishEOF()
			return
		}
	}
}

func (pc *ProxyConnection) finishSuccess() {
	pc.unref(Success, nil)
}

func (pc *ProxyConnection) finishParseError(err error) {
	if pc.contentBegun {
		// bytes already forwarded to the client: close ungracefully
		// rather than reschedule (spec.md §4.6 failure-mode table).
		pc.unref(FailMidBody, err)
		return
	}
	pc.unref(FailNoStatus, err)
}

func (pc *ProxyConnection) finishEOF() {
	switch {
	case !pc.statusSeen:
		pc.unref(FailNoStatus, io.ErrUnexpectedEOF)
	case !pc.contentBegun:
		// headers arrived but body never started: still best-effort,
		// matching the "EOF after message-begin" rule (spec.md §4.6).
		pc.req.Finish()
		pc.unref(FailMidBody, io.ErrUnexpectedEOF)
	default:
		// EOF mid-body: best-effort finish, the spec's resolved Open
		// Question (spec.md §4.6, §9) — the status line already went
		// out, so the client sees a truncated body rather than a reset.
		pc.req.Finish()
		pc.unref(FailMidBody, io.ErrUnexpectedEOF)
	}
}

// unref runs onComplete exactly once, when the pending-ops counter
// reaches zero and the ProxyConnection is marked done (spec.md §9's
// REDESIGN FLAG, replacing the source's manual ref/unref pair).
func (pc *ProxyConnection) unref(outcome Outcome, err error) {
	if pc.pending.Add(-1) != 0 {
		return
	}
	if pc.done.Swap(true) {
		return
	}
	if pc.onComplete != nil {
		pc.onComplete(outcome, err)
	}
}

// ---- httpparse.Callbacks, driven by the upstream response parser ----

func (pc *ProxyConnection) OnMessageBegin(method, target iobuf.ByteSlice, major, minor, code int, reason iobuf.ByteSlice) bool {
	pc.req.SetStatus(code)
	pc.statusSeen = true
	pc.req.OverwriteResponseHeader("X-Director-Backend", pc.backendName)
	return true
}

func (pc *ProxyConnection) OnHeader(name, value iobuf.ByteSlice) bool {
	n := name.String()
	if dropResponseHeader[strings.ToLower(n)] {
		return true
	}
	if pc.cloakServer && strings.EqualFold(n, "server") {
		return true
	}
	pc.req.PushResponseHeader(n, value.String())
	return true
}

// OnContent forwards one upstream chunk to the client Request and blocks
// until the client Connection has actually written it to the socket (or
// the client connection aborts), pausing the upstream read loop in the
// meantime: spec.md §4.6's backpressure rule ("pause upstream reads...
// resume reads only after the client write-complete callback fires").
// Without this, a slow client would let arbitrarily many upstream
// chunks pile up in memory ahead of the socket write.
func (pc *ProxyConnection) OnContent(chunk iobuf.ByteSlice) bool {
	pc.contentBegun = true
	cp := append([]byte(nil), chunk.Bytes()...)
	src := newAckSource(cp)
	pc.req.Write(src)
	select {
	case <-src.ack:
	case <-pc.aborted:
	}
	return true
}

// ackSource is a BufferSource whose Close (called by the draining
// Connection once the chunk is fully written or the drain fails) signals
// ack, letting OnContent's wait resolve either way.
type ackSource struct {
	*stream.BufferSource
	ack chan struct{}
}

func newAckSource(p []byte) *ackSource {
	return &ackSource{BufferSource: stream.NewBufferSourceBytes(p), ack: make(chan struct{})}
}

func (s *ackSource) Close() error {
	close(s.ack)
	return nil
}

func (pc *ProxyConnection) OnMessageEnd() bool {
	pc.req.Finish()
	return true
}
