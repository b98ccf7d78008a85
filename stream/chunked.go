package stream

import (
	"fmt"

	"code.xhttpd.io/xhttpd/iobuf"
)

// chunkTerminator is the HTTP/1.1 chunked-encoding terminator. No
// trailers are ever emitted, matching spec.md's wire-protocol contract.
const chunkTerminator = "0\r\n\r\n"

// ChunkedEncoder emits each non-empty input slice as a single chunk,
// "HEX(size)\r\ndata\r\n", and emits the terminator on eof. An empty
// input with eof=false yields empty output: a zero-length chunk would
// otherwise be mistaken for the terminator, so none is emitted.
type ChunkedEncoder struct{}

// NewChunkedEncoder returns a stateless ChunkedEncoder; a single
// instance may be shared across every in-flight response since it holds
// no per-response state.
func NewChunkedEncoder() *ChunkedEncoder { return &ChunkedEncoder{} }

func (c *ChunkedEncoder) Process(input iobuf.ByteSlice, eof bool) *iobuf.Buffer {
	out := iobuf.New(input.Len + 16)

	if input.Len > 0 {
		header := fmt.Sprintf("%x\r\n", input.Len)
		out.Grow([]byte(header))
		out.Grow(input.Bytes())
		out.Grow([]byte("\r\n"))
	}

	if eof {
		out.Grow([]byte(chunkTerminator))
	}

	return out
}
