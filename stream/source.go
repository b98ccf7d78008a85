// Package stream implements the pull-based byte producers (Source), the
// transforming stages applied to a response body (Filter), and the
// concrete Sources/Filters the core ships with: BufferSource, FileSource,
// FilterSource, ChunkedEncoder, GzipFilter.
package stream

import (
	"errors"
	"io"
	"os"

	"code.xhttpd.io/xhttpd/iobuf"
)

// ErrWouldBlock is returned by Pull when no data is currently available
// but the Source is not yet at EOF (e.g. a FileSource waiting on a
// pending read). It is distinct from io.EOF and from hard errors.
var ErrWouldBlock = errors.New("stream: would block")

// Source is a pull-based byte producer. Pull returns a ByteSlice and a
// nil error on success, a zero ByteSlice and io.EOF when exhausted,
// a zero ByteSlice and ErrWouldBlock when the caller should retry later,
// or a zero ByteSlice and any other error on failure.
type Source interface {
	// Pull returns the next chunk of the response body. Implementations
	// that are not restartable document so explicitly.
	Pull() (iobuf.ByteSlice, error)

	// Restartable reports whether Rewind is supported.
	Restartable() bool

	// Rewind resets the Source to its beginning. Only valid if
	// Restartable reports true.
	Rewind() error
}

// Closer is implemented by Sources that hold an OS resource (e.g.
// FileSource's open *os.File) and must release it once the caller is
// done draining them, whether that's a clean io.EOF or a hard error.
// Sources that own no resource (BufferSource) need not implement it.
type Closer interface {
	Close() error
}

// BufferSource serves the contents of a Buffer in fixed-size chunks,
// grounded on original_source's x0::buffer_source: pull() hands back
// successive sub-ranges until the buffer is exhausted.
type BufferSource struct {
	buf      *iobuf.Buffer
	pos      int
	chunkLen int
}

const defaultChunkSize = 32 * 1024

// NewBufferSource wraps an already-built Buffer.
func NewBufferSource(buf *iobuf.Buffer) *BufferSource {
	return &BufferSource{buf: buf, chunkLen: defaultChunkSize}
}

// NewBufferSourceBytes copies p into an owned Buffer and wraps it.
func NewBufferSourceBytes(p []byte) *BufferSource {
	return NewBufferSource(iobuf.FromBytes(p))
}

func (s *BufferSource) Pull() (iobuf.ByteSlice, error) {
	if s.pos >= s.buf.Len() {
		return iobuf.ByteSlice{}, io.EOF
	}
	n := s.chunkLen
	if remaining := s.buf.Len() - s.pos; n > remaining {
		n = remaining
	}
	slice := s.buf.Slice(s.pos, n)
	s.pos += n
	return slice, nil
}

func (s *BufferSource) Restartable() bool { return true }

func (s *BufferSource) Rewind() error {
	s.pos = 0
	return nil
}

// FileSource streams len bytes of an *os.File starting at offset,
// restartable by seeking back to offset on Rewind.
type FileSource struct {
	f        *os.File
	offset   int64
	len      int64
	read     int64
	chunkLen int
}

// NewFileSource opens no new descriptor; it reads from f starting at
// offset for exactly length bytes.
func NewFileSource(f *os.File, offset, length int64) *FileSource {
	return &FileSource{f: f, offset: offset, len: length, chunkLen: defaultChunkSize}
}

func (s *FileSource) Pull() (iobuf.ByteSlice, error) {
	if s.read >= s.len {
		return iobuf.ByteSlice{}, io.EOF
	}
	n := int64(s.chunkLen)
	if remaining := s.len - s.read; n > remaining {
		n = remaining
	}
	chunk := make([]byte, n)
	read, err := s.f.ReadAt(chunk, s.offset+s.read)
	if read > 0 {
		s.read += int64(read)
		buf := iobuf.FromBytes(chunk[:read])
		return buf.All(), nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return iobuf.ByteSlice{}, io.EOF
		}
		return iobuf.ByteSlice{}, err
	}
	return iobuf.ByteSlice{}, ErrWouldBlock
}

func (s *FileSource) Restartable() bool { return true }

func (s *FileSource) Rewind() error {
	s.read = 0
	return nil
}

// Close releases the underlying file descriptor. Safe to call once the
// Source has reached io.EOF or failed with a hard error; the caller owns
// calling it exactly once.
func (s *FileSource) Close() error {
	return s.f.Close()
}
