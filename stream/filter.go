package stream

import (
	"io"

	"code.xhttpd.io/xhttpd/iobuf"
)

// Filter is a pure byte transformer: it never performs I/O, only turns
// one chunk of input into a Buffer of output. Grounded on
// original_source/src/x0/io/Filter.h's process(input, eof) contract.
type Filter interface {
	Process(input iobuf.ByteSlice, eof bool) *iobuf.Buffer
}

// ChainFilter composes filters left to right: each receives the prior
// stage's output. Grounded on original_source/src/x0/io/ChainFilter.cpp.
// Filters are held by reference (not copied) because the same Filter
// instance, e.g. a ChunkedEncoder, may be installed on more than one
// in-flight response; since every response lives on exactly one Worker
// goroutine, no locking is required inside a Filter.
type ChainFilter struct {
	filters []Filter
}

// NewChainFilter builds a chain from the given stages, applied in order.
func NewChainFilter(filters ...Filter) *ChainFilter {
	return &ChainFilter{filters: filters}
}

// Empty reports whether the chain has no stages.
func (c *ChainFilter) Empty() bool { return len(c.filters) == 0 }

// Push appends a stage to the end of the chain.
func (c *ChainFilter) Push(f Filter) { c.filters = append(c.filters, f) }

func (c *ChainFilter) Process(input iobuf.ByteSlice, eof bool) *iobuf.Buffer {
	if len(c.filters) == 0 {
		out := iobuf.New(input.Len)
		out.Grow(input.Bytes())
		return out
	}

	result := c.filters[0].Process(input, eof)
	for _, f := range c.filters[1:] {
		result = f.Process(result.All(), eof)
	}
	return result
}

// FilterSource wraps a Source, running every pulled chunk through a
// ChainFilter before handing it back. On EOF from the underlying Source,
// it runs one final Process call with eof=true to let filters (e.g. the
// ChunkedEncoder) emit trailing framing, then itself returns io.EOF once
// that final flush has been delivered.
type FilterSource struct {
	chain     *ChainFilter
	source    Source
	flushed   bool
	sourceEOF bool
}

// NewFilterSource builds a FilterSource over source using chain.
func NewFilterSource(chain *ChainFilter, source Source) *FilterSource {
	return &FilterSource{chain: chain, source: source}
}

func (s *FilterSource) Pull() (iobuf.ByteSlice, error) {
	if s.flushed {
		return iobuf.ByteSlice{}, io.EOF
	}

	if s.sourceEOF {
		out := s.chain.Process(iobuf.ByteSlice{}, true)
		s.flushed = true
		if out.Len() == 0 {
			return iobuf.ByteSlice{}, io.EOF
		}
		return out.All(), nil
	}

	input, err := s.source.Pull()
	switch {
	case err == nil:
		out := s.chain.Process(input, false)
		if out.Len() == 0 {
			// Empty transformed output with eof=false: no chunk to
			// deliver yet, but not an error either. Ask the caller to
			// retry; the caller's loop will call us again.
			return iobuf.ByteSlice{}, ErrWouldBlock
		}
		return out.All(), nil
	case err == io.EOF:
		s.sourceEOF = true
		return s.Pull()
	default:
		return iobuf.ByteSlice{}, err
	}
}

func (s *FilterSource) Restartable() bool {
	return s.source.Restartable()
}

func (s *FilterSource) Rewind() error {
	s.flushed = false
	s.sourceEOF = false
	return s.source.Rewind()
}
