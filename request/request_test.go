package request

import (
	"io"
	"testing"

	"code.xhttpd.io/xhttpd/iobuf"
	"code.xhttpd.io/xhttpd/stream"
)

type fakeOwner struct {
	sources       []stream.Source
	finished      *Request
	sent100       bool
	programErrors []string
}

func (f *fakeOwner) RequestStarted(r *Request)       {}
func (f *fakeOwner) EnqueueSource(src stream.Source) { f.sources = append(f.sources, src) }
func (f *fakeOwner) RequestFinished(r *Request)      { f.finished = r }
func (f *fakeOwner) Send100Continue()                { f.sent100 = true }
func (f *fakeOwner) LogProgrammingError(op, detail string) {
	f.programErrors = append(f.programErrors, op+": "+detail)
}

func drain(t *testing.T, src stream.Source) []byte {
	t.Helper()
	var out []byte
	for {
		s, err := src.Pull()
		if err == io.EOF {
			return out
		}
		if err == stream.ErrWouldBlock {
			continue
		}
		if err != nil {
			t.Fatalf("unexpected pull error: %v", err)
		}
		out = append(out, s.Bytes()...)
	}
}

func TestRequestFinishUnhandledProducesDefaultBody(t *testing.T) {
	owner := &fakeOwner{}
	r := New(owner)

	r.Finish()

	if r.Status != 404 {
		t.Fatalf("expected default status 404, got %d", r.Status)
	}
	if r.State() != Finished {
		t.Fatalf("expected Finished state, got %v", r.State())
	}
	if len(owner.sources) != 1 {
		t.Fatalf("expected one enqueued default body source, got %d", len(owner.sources))
	}
	body := drain(t, owner.sources[0])
	if got, want := string(body), "<html><head><title>404 Not Found</title></head><body><h1>404 Not Found</h1></body></html>"; got != want {
		t.Fatalf("unexpected default body: %q", got)
	}
	if ct, _ := r.ResponseHeader.Get("Content-Type"); ct != "text/html" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if owner.finished != r {
		t.Fatalf("expected RequestFinished callback with this request")
	}
}

func TestRequestWriteTransitionsToPopulating(t *testing.T) {
	owner := &fakeOwner{}
	r := New(owner)

	r.Write(stream.NewBufferSourceBytes([]byte("hello")))
	if r.State() != Populating {
		t.Fatalf("expected Populating after first Write, got %v", r.State())
	}

	r.Finish()
	if r.State() != Finished {
		t.Fatalf("expected Finished, got %v", r.State())
	}
	if len(owner.sources) != 1 {
		t.Fatalf("expected exactly the one written source, got %d", len(owner.sources))
	}
	if string(drain(t, owner.sources[0])) != "hello" {
		t.Fatalf("unexpected body content")
	}
}

func TestRequestWriteAfterFinishIsRejected(t *testing.T) {
	owner := &fakeOwner{}
	r := New(owner)
	r.Finish()

	r.Write(stream.NewBufferSourceBytes([]byte("too late")))

	if len(owner.programErrors) == 0 {
		t.Fatalf("expected a logged programming error for write-after-finish")
	}
}

func TestRequestDoubleFinishIsRejected(t *testing.T) {
	owner := &fakeOwner{}
	r := New(owner)
	r.Finish()
	r.Finish()

	if len(owner.programErrors) != 1 {
		t.Fatalf("expected exactly one logged programming error, got %d", len(owner.programErrors))
	}
}

func TestRequestChunkedFilterSpansMultipleWrites(t *testing.T) {
	owner := &fakeOwner{}
	r := New(owner)
	r.PushFilter(&upperFilter{})

	r.Write(stream.NewBufferSourceBytes([]byte("ab")))
	r.Write(stream.NewBufferSourceBytes([]byte("cd")))
	r.Finish()

	if len(owner.sources) != 3 {
		t.Fatalf("expected 2 written sources plus 1 trailing flush, got %d", len(owner.sources))
	}

	var all []byte
	for _, s := range owner.sources {
		all = append(all, drain(t, s)...)
	}
	if string(all) != "AB|CD||" {
		t.Fatalf("unexpected filtered output %q", all)
	}
}

func TestRequestSetStatusTwiceIsRejected(t *testing.T) {
	owner := &fakeOwner{}
	r := New(owner)
	r.SetStatus(200)
	r.SetStatus(500)

	if r.Status != 200 {
		t.Fatalf("expected first SetStatus to win, got %d", r.Status)
	}
	if len(owner.programErrors) != 1 {
		t.Fatalf("expected one logged programming error, got %d", len(owner.programErrors))
	}
}

func TestRequestBodyCallbackTriggers100Continue(t *testing.T) {
	owner := &fakeOwner{}
	r := New(owner)
	r.NoteExpectContinue()

	var seen []byte
	r.SetBodyCallback(func(chunk []byte) { seen = append(seen, chunk...) })

	if !owner.sent100 {
		t.Fatalf("expected 100-continue to be sent once body callback installed")
	}

	r.DeliverBodyChunk([]byte("chunk"))
	if string(seen) != "chunk" {
		t.Fatalf("unexpected body chunk delivered: %q", seen)
	}
}

func TestRequestAbortRunsHandlerOnce(t *testing.T) {
	owner := &fakeOwner{}
	r := New(owner)
	calls := 0
	r.SetAbortHandler(func() { calls++ })

	r.Abort()
	r.Abort()

	if calls != 1 {
		t.Fatalf("expected abort handler to run exactly once, got %d", calls)
	}
	if !r.Aborted() {
		t.Fatalf("expected Aborted() to report true")
	}
}

// upperFilter uppercases ASCII letters and appends "|" after every
// chunk, used to exercise a filter chain spanning multiple Write calls.
type upperFilter struct{}

func (f *upperFilter) Process(input iobuf.ByteSlice, eof bool) *iobuf.Buffer {
	b := make([]byte, 0, input.Len+1)
	for _, c := range input.Bytes() {
		if c >= 'a' && c <= 'z' {
			c -= 32
		}
		b = append(b, c)
	}
	b = append(b, '|')
	return iobuf.FromBytes(b)
}
