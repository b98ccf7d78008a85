// Package conn implements the client-facing HTTP/1.x connection state
// machine: it pulls bytes off a net.Conn, feeds httpparse.Parser, builds
// request.Request objects, runs them through a handlerrt.Handler, and
// drains the resulting response Sources back to the socket.
//
// Grounded on badu-http's conn.go/types_transfer.go for the
// chunked-body plumbing shape and on
// other_examples/72666af3_MiraiMindz-watt__shockwave-pkg-shockwave-http11-connection.go.go
// for the explicit state-enum connection loop.
package conn

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/uber-go/zap"

	"code.xhttpd.io/xhttpd/handlerrt"
	"code.xhttpd.io/xhttpd/httpparse"
	"code.xhttpd.io/xhttpd/iobuf"
	"code.xhttpd.io/xhttpd/logger"
	"code.xhttpd.io/xhttpd/request"
	"code.xhttpd.io/xhttpd/stream"
)

// State is the client-facing connection's position in its state machine
// (spec.md §4.2).
type State int

const (
	ReadingRequest State = iota
	Handling
	WritingResponse
	KeepAlive
	Closing
)

func (s State) String() string {
	switch s {
	case ReadingRequest:
		return "reading_request"
	case Handling:
		return "handling"
	case WritingResponse:
		return "writing_response"
	case KeepAlive:
		return "keep_alive"
	case Closing:
		return "closing"
	default:
		return "invalid"
	}
}

// Config bounds a Connection's read sizes and lifetime behavior.
type Config struct {
	MaxRequestLine       int
	MaxHeaderBlock       int
	MaxKeepAliveRequests int
	IdleTimeout          time.Duration
	ReadChunkSize        int
}

// DefaultConfig mirrors httpparse.DefaultLimits plus conservative
// connection-lifetime defaults.
var DefaultConfig = Config{
	MaxRequestLine:       httpparse.DefaultLimits.MaxRequestLine,
	MaxHeaderBlock:       httpparse.DefaultLimits.MaxHeaderBlock,
	MaxKeepAliveRequests: 100,
	IdleTimeout:          75 * time.Second,
	ReadChunkSize:        16 * 1024,
}

// Connection is the client-facing HTTP/1.x state machine for one
// accepted socket. It is not safe for concurrent Serve calls, but the
// request.Owner methods it implements (EnqueueSource, RequestFinished,
// Send100Continue, LogProgrammingError) may be called from a goroutine
// other than the one running Serve (e.g. a backend.ProxyConnection
// streaming an upstream response), so the write path and state fields
// that cross that boundary are protected by mu.
type Connection struct {
	id       string
	netConn  net.Conn
	handler  handlerrt.Handler
	log      logger.Logger
	cfg      Config
	clk      clock.Clock
	remoteIP string

	parser    *httpparse.Parser
	inputBuf  *iobuf.Buffer
	watermark int

	mu         sync.Mutex
	cond       *sync.Cond
	writeQueue []stream.Source
	writeMu    sync.Mutex

	state      State
	cur        *request.Request
	curHeaders request.HeaderList
	headerSent bool

	curMethod, curTarget string
	curMajor, curMinor   int

	keepAliveRequestsLeft int
	connectionCloseSeen   bool
}

// New builds a Connection; handler.Setup must already have been called.
func New(netConn net.Conn, handler handlerrt.Handler, log logger.Logger, cfg Config, clk clock.Clock) *Connection {
	id, err := uuid.NewV4()
	traceID := "unknown"
	if err == nil {
		traceID = id.String()
	}

	c := &Connection{
		id:                    traceID,
		netConn:               netConn,
		handler:               handler,
		log:                   logger.ConnectionSession(log, "conn", traceID),
		cfg:                   cfg,
		clk:                   clk,
		remoteIP:              remoteHost(netConn),
		inputBuf:              iobuf.New(cfg.ReadChunkSize),
		keepAliveRequestsLeft: cfg.MaxKeepAliveRequests,
	}
	c.cond = sync.NewCond(&c.mu)
	c.parser = httpparse.NewWithLimits(httpparse.ModeRequest, c, httpparse.Limits{
		MaxRequestLine: cfg.MaxRequestLine,
		MaxHeaderBlock: cfg.MaxHeaderBlock,
	})
	return c
}

func remoteHost(netConn net.Conn) string {
	addr := netConn.RemoteAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Serve runs the connection's state machine until the socket closes.
// It blocks the calling goroutine for the connection's whole lifetime,
// matching the goroutine-per-connection model described in SPEC_FULL.md
// §4.7.
func (c *Connection) Serve() {
	defer c.netConn.Close()

	c.state = ReadingRequest
	for {
		switch c.state {
		case ReadingRequest:
			if !c.readAndParseOneRequest() {
				c.state = Closing
				continue
			}
			c.state = Handling
		case Handling:
			c.state = WritingResponse
		case WritingResponse:
			if err := c.streamResponse(); err != nil {
				c.log.Debug("write failed", zap.String("error", err.Error()))
				if c.cur != nil && !c.cur.Aborted() {
					c.cur.Abort()
				}
				c.state = Closing
				continue
			}
			if c.shouldKeepAlive() {
				c.state = KeepAlive
			} else {
				c.state = Closing
			}
		case KeepAlive:
			c.resetForNextRequest()
			if c.cfg.IdleTimeout > 0 {
				c.netConn.SetReadDeadline(c.clk.Now().Add(c.cfg.IdleTimeout))
			}
			c.state = ReadingRequest
		case Closing:
			return
		}
	}
}

// readAndParseOneRequest reads from the socket until a full request has
// been parsed (parser.MessageComplete()), feeding the parser with the
// unconsumed tail of the persistent input buffer on every read,
// matching the cross-call token-boundary contract httpparse.Parser
// requires of its caller.
func (c *Connection) readAndParseOneRequest() bool {
	peerClosed := false
	for {
		if c.parser.MessageComplete() {
			return true
		}

		n, err := c.feedParser()
		if err != nil {
			c.writeQuickError(err)
			return false
		}
		if n > 0 {
			continue
		}
		if peerClosed {
			return false
		}

		buf := make([]byte, c.cfg.ReadChunkSize)
		read, rerr := c.netConn.Read(buf)
		if read > 0 {
			// the keep-alive idle deadline only bounds the wait for the
			// first byte of the next request
			c.netConn.SetReadDeadline(time.Time{})
			c.inputBuf.Grow(buf[:read])
		}
		if rerr != nil {
			peerClosed = true
		}
	}
}

// feedParser runs the parser over whatever unconsumed bytes already sit
// in inputBuf, advancing watermark. It returns n=0 (not an error) when
// the parser needs more bytes than are currently buffered.
func (c *Connection) feedParser() (int, error) {
	total := 0
	for c.watermark < c.inputBuf.Len() && !c.parser.Terminated() && !c.parser.MessageComplete() {
		n, err := c.parser.Process(c.inputBuf.Slice(c.watermark, c.inputBuf.Len()-c.watermark))
		c.watermark += n
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (c *Connection) writeQuickError(err error) {
	status := httpparse.StatusInternalServerError
	if pe, ok := err.(*httpparse.ParseError); ok {
		status = pe.Status
	}
	reason := httpparse.StatusText(status)
	body := fmt.Sprintf("%d %s", status, reason)
	msg := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, reason, len(body), body)
	c.writeMu.Lock()
	io.WriteString(c.netConn, msg)
	c.writeMu.Unlock()
}

// streamResponse drains the write queue as Sources are enqueued rather
// than waiting for the Request to reach Finished first: a handler (most
// notably backend.ProxyConnection, streaming an upstream response body
// chunk by chunk) may call EnqueueSource many times before it ever calls
// RequestFinished, and each of those chunks should reach the client
// socket as soon as it arrives instead of accumulating in writeQueue for
// the whole response (spec.md §4.6's backpressure rule). It returns once
// the queue has been drained and the Request has reached Finished.
func (c *Connection) streamResponse() error {
	for {
		c.mu.Lock()
		for len(c.writeQueue) == 0 && (c.cur == nil || c.cur.State() != request.Finished) {
			c.cond.Wait()
		}
		queue := c.writeQueue
		c.writeQueue = nil
		finished := c.cur != nil && c.cur.State() == request.Finished
		c.mu.Unlock()

		for i, src := range queue {
			if err := c.drainSource(src); err != nil {
				for _, rest := range queue[i+1:] {
					closeSource(rest)
				}
				return err
			}
		}

		if finished {
			return nil
		}
	}
}

func (c *Connection) drainSource(src stream.Source) error {
	for {
		slice, err := src.Pull()
		switch {
		case err == io.EOF:
			closeSource(src)
			return nil
		case err == stream.ErrWouldBlock:
			continue
		case err != nil:
			closeSource(src)
			return err
		default:
			c.writeMu.Lock()
			_, werr := c.netConn.Write(slice.Bytes())
			c.writeMu.Unlock()
			if werr != nil {
				closeSource(src)
				return werr
			}
		}
	}
}

// closeSource releases any OS resource a Source holds (e.g. FileSource's
// open file) once it has been fully drained or has failed; Sources that
// own no resource (BufferSource) don't implement stream.Closer.
func closeSource(src stream.Source) {
	if c, ok := src.(stream.Closer); ok {
		c.Close()
	}
}

func (c *Connection) resetForNextRequest() {
	c.inputBuf.Reset()
	c.watermark = 0
	c.parser.Reset()
	c.cur = nil
	c.curHeaders = request.HeaderList{}
	c.curMethod, c.curTarget = "", ""
	c.headerSent = false
	c.connectionCloseSeen = false
	c.keepAliveRequestsLeft--
}

func (c *Connection) shouldKeepAlive() bool {
	if c.connectionCloseSeen {
		return false
	}
	if c.keepAliveRequestsLeft <= 0 {
		return false
	}
	if c.curMajor < 1 || (c.curMajor == 1 && c.curMinor < 1) {
		return false
	}
	return true
}

// ---- request.Owner implementation ----

// RequestStarted installs a ChunkedEncoder and the corresponding
// Transfer-Encoding header the first time a Request's handler writes a
// body, if the handler never set Content-Length and the response isn't
// content-forbidden (spec.md §4.2).
func (c *Connection) RequestStarted(r *request.Request) {
	if r.ResponseHeader.Has("Content-Length") {
		return
	}
	if c.responseContentForbidden(r) {
		return
	}
	r.PushFilter(stream.NewChunkedEncoder())
	r.OverwriteResponseHeader("Transfer-Encoding", "chunked")
}

func (c *Connection) responseContentForbidden(r *request.Request) bool {
	if r.Method == "HEAD" {
		return true
	}
	switch {
	case r.Status >= 100 && r.Status < 200:
		return true
	case r.Status == 204, r.Status == 304:
		return true
	}
	return false
}

// EnqueueSource sends the response header block ahead of the first body
// Source (so streamResponse never drains a body chunk before the status
// line), then either drops src or appends it to the write queue and
// wakes streamResponse, which may be blocked waiting for the next chunk
// of a response that is still being populated (e.g. a proxied body,
// written incrementally by a goroutine other than the one running
// Serve). src is dropped rather than queued when the response is
// content-forbidden (HEAD, 1xx, 204, 304 — spec.md §8 scenario S5): the
// status line and headers still go out, but no handler-written body ever
// reaches the socket, even one streamed incrementally rather than
// buffered until Finish.
func (c *Connection) EnqueueSource(src stream.Source) {
	c.mu.Lock()
	c.ensureHeaderSentLocked(c.cur)
	forbidden := c.cur != nil && c.responseContentForbidden(c.cur)
	if !forbidden {
		c.writeQueue = append(c.writeQueue, src)
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	if forbidden {
		closeSource(src)
	}
}

// ensureHeaderSentLocked queues the response header block exactly once,
// the first time it's needed: either the first EnqueueSource call for
// this Request, or RequestFinished if the Request never wrote a body at
// all (e.g. a handler that only calls SetStatus then Finish). Must be
// called with mu held.
func (c *Connection) ensureHeaderSentLocked(r *request.Request) {
	if c.headerSent || r == nil {
		return
	}
	c.headerSent = true
	c.writeQueue = append(c.writeQueue, stream.NewBufferSourceBytes(c.buildResponseHeaderBlock(r)))
}

// RequestFinished makes sure the response header has gone out (covering
// a handler that never wrote a body), records whether the connection
// should close after this response, and wakes streamResponse so it can
// observe the Request's Finished state and return.
func (c *Connection) RequestFinished(r *request.Request) {
	c.mu.Lock()
	c.ensureHeaderSentLocked(r)
	if v, ok := r.Headers.Get("Connection"); ok && equalFoldTrim(v, "close") {
		c.connectionCloseSeen = true
	}
	if v, ok := r.ResponseHeader.Get("Connection"); ok && equalFoldTrim(v, "close") {
		c.connectionCloseSeen = true
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

func equalFoldTrim(s, target string) bool {
	return bytes.EqualFold(bytes.TrimSpace([]byte(s)), []byte(target))
}

func (c *Connection) buildResponseHeaderBlock(r *request.Request) []byte {
	status := r.Status
	if status == 0 {
		status = 200
	}
	reason := httpparse.StatusText(status)
	if reason == "" {
		reason = "OK"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/%d.%d %d %s\r\n", c.curMajor, c.curMinor, status, reason)
	r.ResponseHeader.Each(func(name, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
	})
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// Send100Continue writes the interim response immediately, ahead of the
// final response, since it must reach the client before the handler has
// even finished reading the body.
func (c *Connection) Send100Continue() {
	c.writeMu.Lock()
	io.WriteString(c.netConn, "HTTP/1.1 100 Continue\r\n\r\n")
	c.writeMu.Unlock()
}

// LogProgrammingError reports double-finish/write-after-finish style
// misuse at Error level and otherwise does nothing, matching the
// teacher's "log and continue" posture in handlers/paniccheck.go.
func (c *Connection) LogProgrammingError(op string, detail string) {
	c.log.Error("programming error", zap.String("op", op), zap.String("detail", detail))
}

// ---- httpparse.Callbacks implementation ----

func (c *Connection) OnMessageBegin(method, target iobuf.ByteSlice, major, minor, code int, reason iobuf.ByteSlice) bool {
	c.curMethod = method.String()
	c.curTarget = target.String()
	c.curMajor, c.curMinor = major, minor
	c.curHeaders = request.HeaderList{}
	return true
}

func (c *Connection) OnHeader(name, value iobuf.ByteSlice) bool {
	c.curHeaders.Append(name.String(), value.String())
	return true
}

func (c *Connection) OnContent(chunk iobuf.ByteSlice) bool {
	c.ensureRequestStarted()
	if c.cur != nil {
		c.cur.DeliverBodyChunk(append([]byte(nil), chunk.Bytes()...))
	}
	return true
}

func (c *Connection) OnMessageEnd() bool {
	c.ensureRequestStarted()
	return true
}

// ensureRequestStarted builds the Request and invokes the Handler the
// first time it is needed: either at the first body chunk, or at
// OnMessageEnd for a bodyless request. By this point every OnHeader
// callback for this message has already fired (the parser guarantees
// OnMessageBegin, then (OnHeader)*, then (OnContent)*, then
// OnMessageEnd, never interleaved), so the Handler sees a complete
// header set on its first call.
func (c *Connection) ensureRequestStarted() {
	if c.cur != nil {
		return
	}

	r := request.New(c)
	r.Method = c.curMethod
	r.Target = c.curTarget
	r.Major, r.Minor = c.curMajor, c.curMinor
	r.Headers = c.curHeaders
	r.RemoteAddr = c.remoteIP

	if v, ok := r.Headers.Get("Expect"); ok && equalFoldTrim(v, "100-continue") {
		r.NoteExpectContinue()
	}

	c.cur = r
	c.handler.Main(r)
}
