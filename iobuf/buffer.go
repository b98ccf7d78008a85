// Package iobuf implements the growable byte buffer and the non-owning
// byte-range view used throughout the request/response pipeline.
package iobuf

// Buffer is an owned, growable byte sequence. Its capacity doubles on
// Grow so that a ByteSlice's (offset, length) pair stays valid across
// repeated appends; callers never hold a raw []byte into a Buffer across
// a Grow, only a ByteSlice.
type Buffer struct {
	data []byte
}

// New returns an empty Buffer with room for at least size bytes.
func New(size int) *Buffer {
	if size < 64 {
		size = 64
	}
	return &Buffer{data: make([]byte, 0, size)}
}

// FromBytes returns a Buffer that owns a copy of b.
func FromBytes(b []byte) *Buffer {
	buf := &Buffer{data: make([]byte, len(b))}
	copy(buf.data, b)
	return buf
}

// Len returns the number of bytes currently stored.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Bytes returns the full backing slice. Callers must not retain it past
// the next mutating call; take a ByteSlice instead if the range must
// outlive this call.
func (b *Buffer) Bytes() []byte { return b.data }

// Grow appends p to the buffer, doubling capacity when the existing
// capacity would be exceeded, and returns the offset at which p begins.
func (b *Buffer) Grow(p []byte) (offset int) {
	offset = len(b.data)
	need := offset + len(p)
	if need > cap(b.data) {
		newCap := cap(b.data)
		if newCap == 0 {
			newCap = 64
		}
		for newCap < need {
			newCap *= 2
		}
		grown := make([]byte, len(b.data), newCap)
		copy(grown, b.data)
		b.data = grown
	}
	b.data = b.data[:need]
	copy(b.data[offset:], p)
	return offset
}

// Truncate resets the buffer to length n, keeping the backing array.
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > len(b.data) {
		return
	}
	b.data = b.data[:n]
}

// Reset empties the buffer without releasing capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Slice returns a ByteSlice view of b[off:off+length]. It panics if the
// range is out of bounds, matching the teacher's fail-fast posture for
// programming errors that never legitimately happen at runtime.
func (b *Buffer) Slice(off, length int) ByteSlice {
	if off < 0 || length < 0 || off+length > len(b.data) {
		panic("iobuf: slice out of range")
	}
	return ByteSlice{Buf: b, Off: off, Len: length}
}

// All returns a ByteSlice view of the entire current contents.
func (b *Buffer) All() ByteSlice {
	return ByteSlice{Buf: b, Off: 0, Len: len(b.data)}
}

// ByteSlice is a non-owning (offset, length) view into exactly one
// Buffer. It must never outlive that Buffer.
type ByteSlice struct {
	Buf *Buffer
	Off int
	Len int
}

// Empty reports whether the slice has zero length (it may still carry a
// nil Buf, e.g. the zero value).
func (s ByteSlice) Empty() bool { return s.Len == 0 }

// Bytes returns the viewed range. Valid only until the owning Buffer is
// mutated again.
func (s ByteSlice) Bytes() []byte {
	if s.Buf == nil {
		return nil
	}
	return s.Buf.Bytes()[s.Off : s.Off+s.Len]
}

// String is a convenience accessor for log lines and tests.
func (s ByteSlice) String() string { return string(s.Bytes()) }
