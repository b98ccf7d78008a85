package httpparse

import (
	"testing"

	"code.xhttpd.io/xhttpd/iobuf"
)

type recorder struct {
	method, target       string
	major, minor, code   int
	reason               string
	headers              [][2]string
	content               []byte
	messageBeginCalled    bool
	messageEndCalled      bool
	abortOnHeader         string
}

func (r *recorder) OnMessageBegin(method, target iobuf.ByteSlice, major, minor, code int, reason iobuf.ByteSlice) bool {
	r.messageBeginCalled = true
	r.method = method.String()
	r.target = target.String()
	r.major, r.minor, r.code = major, minor, code
	r.reason = reason.String()
	return true
}

func (r *recorder) OnHeader(name, value iobuf.ByteSlice) bool {
	if r.abortOnHeader != "" && name.String() == r.abortOnHeader {
		return false
	}
	r.headers = append(r.headers, [2]string{name.String(), value.String()})
	return true
}

func (r *recorder) OnContent(chunk iobuf.ByteSlice) bool {
	r.content = append(r.content, chunk.Bytes()...)
	return true
}

func (r *recorder) OnMessageEnd() bool {
	r.messageEndCalled = true
	return true
}

func feedAll(t *testing.T, p *Parser, raw []byte) {
	t.Helper()
	buf := iobuf.FromBytes(raw)
	total := 0
	for total < len(raw) && !p.Terminated() && !p.MessageComplete() {
		n, err := p.Process(buf.Slice(total, len(raw)-total))
		total += n
		if err != nil {
			if p.Terminated() {
				return
			}
			t.Fatalf("unexpected parse error: %v", err)
		}
		if n == 0 {
			break
		}
	}
}

func TestParserCallbackOrderAndContent(t *testing.T) {
	rec := &recorder{}
	p := New(ModeRequest, rec)
	feedAll(t, p, []byte("POST /upload HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"))

	if !rec.messageBeginCalled || !rec.messageEndCalled {
		t.Fatalf("expected begin and end callbacks to fire")
	}
	if rec.method != "POST" || rec.target != "/upload" {
		t.Fatalf("unexpected request line: %q %q", rec.method, rec.target)
	}
	if rec.major != 1 || rec.minor != 1 {
		t.Fatalf("unexpected version %d.%d", rec.major, rec.minor)
	}
	if len(rec.headers) != 2 {
		t.Fatalf("expected 2 headers, got %d: %v", len(rec.headers), rec.headers)
	}
	if string(rec.content) != "hello" {
		t.Fatalf("unexpected content %q", rec.content)
	}
	if !p.MessageComplete() {
		t.Fatalf("expected message complete")
	}
}

func TestParserChunkedBody(t *testing.T) {
	rec := &recorder{}
	p := New(ModeRequest, rec)
	feedAll(t, p, []byte("GET / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"))

	if string(rec.content) != "abc" {
		t.Fatalf("unexpected chunked content %q", rec.content)
	}
	if !rec.messageEndCalled {
		t.Fatalf("expected message end")
	}
}

func TestParserRejectsMalformedRequestLine(t *testing.T) {
	rec := &recorder{}
	p := New(ModeRequest, rec)
	buf := iobuf.FromBytes([]byte("GET\r\n"))
	_, err := p.Process(buf.All())
	if err == nil {
		t.Fatalf("expected a parse error")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Status != StatusBadRequest {
		t.Fatalf("expected 400, got %d", pe.Status)
	}
	if !p.Terminated() {
		t.Fatalf("expected parser to terminate on syntax error")
	}
}

func TestParserAbortsOnFalseCallback(t *testing.T) {
	rec := &recorder{abortOnHeader: "X-Drop"}
	p := New(ModeRequest, rec)
	buf := iobuf.FromBytes([]byte("GET / HTTP/1.1\r\nHost: x\r\nX-Drop: y\r\n\r\n"))
	_, err := p.Process(buf.All())
	if err == nil {
		t.Fatalf("expected abort error")
	}
	if !p.Terminated() {
		t.Fatalf("expected TERMINATED state after callback abort")
	}
}

func TestParserRejectsHeaderFolding(t *testing.T) {
	rec := &recorder{}
	p := New(ModeRequest, rec)
	buf := iobuf.FromBytes([]byte("GET / HTTP/1.1\r\nHost: x\r\n continuation\r\n\r\n"))
	_, err := p.Process(buf.All())
	if err == nil {
		t.Fatalf("expected a parse error for header folding")
	}
}

func TestParserResponseModeStatusLine(t *testing.T) {
	rec := &recorder{}
	p := New(ModeResponse, rec)
	feedAll(t, p, []byte("HTTP/1.1 204 No Content\r\n\r\n"))
	if rec.code != 204 || rec.reason != "No Content" {
		t.Fatalf("unexpected status line: %d %q", rec.code, rec.reason)
	}
}

func TestParserSplitAcrossMultipleProcessCalls(t *testing.T) {
	rec := &recorder{}
	p := New(ModeRequest, rec)
	raw := []byte("GET /path HTTP/1.1\r\nHost: example.com\r\nContent-Length: 3\r\n\r\nxyz")

	buf := iobuf.New(len(raw))
	total := 0
	for _, piece := range splitBytes(raw, 3) {
		buf.Grow(piece)
		for total < buf.Len() && !p.Terminated() && !p.MessageComplete() {
			n, err := p.Process(buf.Slice(total, buf.Len()-total))
			if err != nil && !p.Terminated() {
				t.Fatalf("unexpected error: %v", err)
			}
			total += n
			if n == 0 {
				break
			}
		}
	}

	if !p.MessageComplete() {
		t.Fatalf("expected message complete after split feed")
	}
	if rec.target != "/path" {
		t.Fatalf("unexpected target %q", rec.target)
	}
	if string(rec.content) != "xyz" {
		t.Fatalf("unexpected content %q", rec.content)
	}
}

func TestParserRejectsOverlongRequestTarget(t *testing.T) {
	rec := &recorder{}
	p := NewWithLimits(ModeRequest, rec, Limits{MaxRequestLine: 16, MaxHeaderBlock: 1024})
	buf := iobuf.FromBytes([]byte("GET /this-target-is-way-too-long-for-the-limit HTTP/1.1\r\n\r\n"))
	_, err := p.Process(buf.All())
	if err == nil {
		t.Fatalf("expected a parse error for an overlong request target")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Status != StatusBadRequest {
		t.Fatalf("expected 400 for request-line overflow, got %d", pe.Status)
	}
	if !p.Terminated() {
		t.Fatalf("expected parser to terminate on syntax error")
	}
	if rec.messageBeginCalled {
		t.Fatalf("expected OnMessageBegin never to fire once the limit is exceeded")
	}
}

func TestParserRejectsOverlongRequestLineDuringMethod(t *testing.T) {
	rec := &recorder{}
	p := NewWithLimits(ModeRequest, rec, Limits{MaxRequestLine: 4, MaxHeaderBlock: 1024})
	buf := iobuf.FromBytes([]byte("VERYLONGMETHOD /x HTTP/1.1\r\n\r\n"))
	_, err := p.Process(buf.All())
	if err == nil {
		t.Fatalf("expected a parse error for an overlong method token")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Status != StatusBadRequest {
		t.Fatalf("expected 400 for request-line overflow while scanning the method, got %d", pe.Status)
	}
}

func TestParserRejectsOverlongHeaderBlock(t *testing.T) {
	rec := &recorder{}
	p := NewWithLimits(ModeRequest, rec, Limits{MaxRequestLine: 1024, MaxHeaderBlock: 16})
	buf := iobuf.FromBytes([]byte("GET / HTTP/1.1\r\nX-Long-Header: this-value-is-too-long-for-the-header-block-limit\r\n\r\n"))
	_, err := p.Process(buf.All())
	if err == nil {
		t.Fatalf("expected a parse error for an overlong header block")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Status != StatusRequestHeaderFieldsTooLarge {
		t.Fatalf("expected 431 for header-block overflow, got %d", pe.Status)
	}
}

func splitBytes(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
