package request

import (
	"fmt"
	"net/url"
	"sync/atomic"

	"code.xhttpd.io/xhttpd/httpparse"
	"code.xhttpd.io/xhttpd/iobuf"
	"code.xhttpd.io/xhttpd/stream"
)

// OutputState is the Request's response-building state (spec.md §3).
type OutputState int32

const (
	Unhandled OutputState = iota
	Populating
	Finished
)

func (s OutputState) String() string {
	switch s {
	case Unhandled:
		return "unhandled"
	case Populating:
		return "populating"
	case Finished:
		return "finished"
	default:
		return "invalid"
	}
}

// BodyConsumer receives inbound request-body chunks in wire order.
type BodyConsumer func(chunk []byte)

// AbortHandler is invoked exactly once if the client connection fails
// while a Request is outstanding.
type AbortHandler func()

// Owner is the Connection that exclusively owns a Request. finish()
// calls back into it to decide close-vs-keepalive once no response
// bytes remain pending, and to emit 100-continue immediately when asked.
type Owner interface {
	// RequestStarted is called exactly once, on the Unhandled→Populating
	// transition, before the first Write's Source is queued — the last
	// point at which the owner can still install an output filter (e.g.
	// a ChunkedEncoder) or set headers that depend on whether a body is
	// coming at all.
	RequestStarted(r *Request)
	// EnqueueSource adds src to the Connection's write-pending queue.
	EnqueueSource(src stream.Source)
	// RequestFinished is called exactly once, when a Request transitions
	// to Finished and has no more body to flush.
	RequestFinished(r *Request)
	// Send100Continue writes "HTTP/1.1 100 Continue\r\n\r\n" immediately,
	// ahead of the final response.
	Send100Continue()
	// LogProgrammingError reports programming errors (double-finish,
	// write-after-finish) without crashing the Worker.
	LogProgrammingError(op string, detail string)
}

// ErrorHandler lets the pipeline install a custom error page generator
// in place of the built-in default HTML body; it runs with a recursion
// guard (spec.md §4.3).
type ErrorHandler func(r *Request) (handled bool)

// Request is per-request state and the public surface handlers use to
// build a response (spec.md §3). A Request is created by the owning
// Connection once the request headers are parsed (at the first body
// chunk, or at message end for a bodyless request) and destroyed only
// after the response is fully flushed or the connection aborts.
type Request struct {
	owner Owner

	Method        string
	Target        string
	Major, Minor  int
	Headers       HeaderList
	DocumentRoot  string
	FileInfoKnown bool
	PathInfo      string
	Query         url.Values
	RemoteAddr    string

	bodyConsumer  BodyConsumer
	expectPending bool

	Status         int
	ResponseHeader HeaderList
	outputChain    *stream.ChainFilter

	state   atomic.Int32
	aborted atomic.Bool

	abortHandler AbortHandler
	errorHandler ErrorHandler
	inErrorPath  bool

	finishCalled bool
}

// New returns a Request owned exclusively by owner.
func New(owner Owner) *Request {
	r := &Request{owner: owner, outputChain: stream.NewChainFilter()}
	return r
}

// State returns the current output state.
func (r *Request) State() OutputState { return OutputState(r.state.Load()) }

// Header looks up a request header case-insensitively.
func (r *Request) Header(name string) (string, bool) { return r.Headers.Get(name) }

// PushResponseHeader appends a response header. Valid only while state
// is Unhandled or Populating (spec.md §3 invariant i).
func (r *Request) PushResponseHeader(name, value string) {
	if !r.mutableHeadersAllowed("push_response_header") {
		return
	}
	r.ResponseHeader.Append(name, value)
}

// OverwriteResponseHeader replaces or appends a response header. Valid
// only while state is Unhandled or Populating.
func (r *Request) OverwriteResponseHeader(name, value string) {
	if !r.mutableHeadersAllowed("overwrite_response_header") {
		return
	}
	r.ResponseHeader.Overwrite(name, value)
}

func (r *Request) mutableHeadersAllowed(op string) bool {
	if r.State() == Finished {
		r.owner.LogProgrammingError(op, "response headers mutated after finish")
		return false
	}
	return true
}

// SetStatus sets the response status exactly once; a second call is a
// programming error and is a no-op (spec.md §3 invariant iii).
func (r *Request) SetStatus(code int) {
	if r.Status != 0 {
		r.owner.LogProgrammingError("set_status", "status set more than once")
		return
	}
	r.Status = code
}

// Write enqueues a body Source. The first call transitions
// Unhandled→Populating; calling after Finished is AlreadyFinished and a
// no-op other than being logged.
//
// A response's output filter chain (e.g. the auto-installed
// ChunkedEncoder) spans every Write on this Request, not just one: it is
// fed with eof=false on each pulled chunk, and only flushed with
// eof=true once, from Finish. Using stream.FilterSource directly here
// would be wrong, since it flushes its chain as soon as its own wrapped
// Source reaches EOF — fine for a single-source response, but it would
// terminate chunked framing after the first of several Writes.
func (r *Request) Write(src stream.Source) {
	switch r.State() {
	case Finished:
		r.owner.LogProgrammingError("write", "write called after finish (AlreadyFinished)")
		return
	case Unhandled:
		r.state.Store(int32(Populating))
		r.owner.RequestStarted(r)
	}

	if !r.outputChain.Empty() {
		src = &chainTapSource{chain: r.outputChain, src: src}
	}
	r.owner.EnqueueSource(src)
}

// chainTapSource pushes each pulled chunk through a shared ChainFilter
// with eof=false, leaving the terminating eof=true flush to the owning
// Request's Finish call.
type chainTapSource struct {
	chain *stream.ChainFilter
	src   stream.Source
}

func (s *chainTapSource) Pull() (iobuf.ByteSlice, error) {
	input, err := s.src.Pull()
	if err != nil {
		return iobuf.ByteSlice{}, err
	}
	out := s.chain.Process(input, false)
	if out.Len() == 0 {
		return iobuf.ByteSlice{}, stream.ErrWouldBlock
	}
	return out.All(), nil
}

func (s *chainTapSource) Restartable() bool { return false }
func (s *chainTapSource) Rewind() error     { return fmt.Errorf("chainTapSource: not restartable") }

// Close forwards to the wrapped Source when it owns a resource, so
// wrapping a Source in the output filter chain never hides its Closer
// contract from the draining Connection.
func (s *chainTapSource) Close() error {
	if c, ok := s.src.(stream.Closer); ok {
		return c.Close()
	}
	return nil
}

// PushFilter installs f at the end of the output filter chain. Must be
// called before any Write, since the chain only wraps Sources enqueued
// after installation (matching ChunkedEncoder being installed once,
// ahead of body writes, per spec.md §4.2).
func (r *Request) PushFilter(f stream.Filter) {
	r.outputChain.Push(f)
}

// SetBodyCallback registers cb to receive inbound request body chunks.
// If the request carries Expect: 100-continue and has not been
// finished, the server immediately sends the 100-continue interim
// response (spec.md §4.3).
func (r *Request) SetBodyCallback(cb BodyConsumer) {
	r.bodyConsumer = cb
	if r.expectPending && r.State() != Finished {
		r.expectPending = false
		r.owner.Send100Continue()
	}
}

// DeliverBodyChunk is called by the owning Connection as inbound body
// bytes arrive; it is a no-op if no callback was installed.
func (r *Request) DeliverBodyChunk(chunk []byte) {
	if r.bodyConsumer != nil {
		r.bodyConsumer(chunk)
	}
}

// NoteExpectContinue records that the request carries Expect:
// 100-continue, called by the Connection while building the Request
// from parsed headers.
func (r *Request) NoteExpectContinue() { r.expectPending = true }

// SetAbortHandler registers cb to run exactly once if the client
// connection fails while this Request is outstanding.
func (r *Request) SetAbortHandler(cb AbortHandler) { r.abortHandler = cb }

// SetErrorHandler installs a custom generator for the default error
// body produced when finish() runs against an Unhandled request.
func (r *Request) SetErrorHandler(cb ErrorHandler) { r.errorHandler = cb }

// Abort marks the request aborted and invokes the abort handler exactly
// once. Handlers must treat this as "do not touch the request further."
func (r *Request) Abort() {
	if r.aborted.Swap(true) {
		return
	}
	if r.abortHandler != nil {
		r.abortHandler()
	}
}

// Aborted reports whether Abort has already run.
func (r *Request) Aborted() bool { return r.aborted.Load() }

// Finish is idempotent-guarded: a second call is reported as a
// programming error and is a no-op, leaving state identical to a single
// call (spec.md's double-finish invariant).
func (r *Request) Finish() {
	if r.finishCalled {
		r.owner.LogProgrammingError("finish", "finish called more than once")
		return
	}
	r.finishCalled = true

	switch r.State() {
	case Unhandled:
		r.finishUnhandled()
	case Populating:
		r.finishPopulating()
	}

	r.state.Store(int32(Finished))
	r.owner.RequestFinished(r)
}

func (r *Request) finishUnhandled() {
	if r.Status == 0 {
		r.Status = 404
	}

	if r.errorHandler != nil && !r.inErrorPath {
		r.inErrorPath = true
		if r.errorHandler(r) {
			r.inErrorPath = false
			return
		}
		r.inErrorPath = false
	}

	reason := httpparse.StatusText(r.Status)
	if reason == "" {
		reason = "Error"
	}
	body := fmt.Sprintf(
		"<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>",
		r.Status, reason, r.Status, reason,
	)
	r.ResponseHeader.Overwrite("Content-Type", "text/html")
	r.ResponseHeader.Overwrite("Content-Length", fmt.Sprintf("%d", len(body)))
	r.owner.EnqueueSource(stream.NewBufferSourceBytes([]byte(body)))
}

func (r *Request) finishPopulating() {
	if !r.outputChain.Empty() {
		// Flush an EOF marker through the chain so stateful filters
		// (e.g. ChunkedEncoder) can emit trailing framing.
		out := r.outputChain.Process(iobuf.ByteSlice{}, true)
		if out.Len() > 0 {
			r.owner.EnqueueSource(stream.NewBufferSource(out))
		}
	}
}
