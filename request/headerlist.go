// Package request implements per-request state and the public surface
// handlers use to build a response (spec.md §3, §4.3).
package request

import "strings"

// Header is a single (name, value) pair. Values come from the wire as
// plain strings here rather than iobuf.ByteSlice: by the time a Request
// is handed to a handler, the parser's callback-duration-only slices
// have already been copied out (see conn.Connection), so HeaderList owns
// its own strings and is safe to read after the parse that produced it.
type Header struct {
	Name  string
	Value string
}

// HeaderList is an ordered sequence of Headers kept in insertion order:
// Append adds at the end and Overwrite replaces an existing entry in
// place. It never reorders entries, so a header the pipeline sets before
// others arrive (X-Director-Backend, set when the upstream status line
// is parsed) stays ahead of the headers added after it.
type HeaderList struct {
	items []Header
}

// Get returns the first value for name, case-insensitively.
func (h *HeaderList) Get(name string) (string, bool) {
	for _, it := range h.items {
		if strings.EqualFold(it.Name, name) {
			return it.Value, true
		}
	}
	return "", false
}

// Values returns every value for name, case-insensitively, in wire order.
func (h *HeaderList) Values(name string) []string {
	var out []string
	for _, it := range h.items {
		if strings.EqualFold(it.Name, name) {
			out = append(out, it.Value)
		}
	}
	return out
}

// Append adds a new header, even if name already exists.
func (h *HeaderList) Append(name, value string) {
	h.items = append(h.items, Header{Name: name, Value: value})
}

// Overwrite replaces the first existing occurrence of name (case
// insensitively) with value, or appends it if absent.
func (h *HeaderList) Overwrite(name, value string) {
	for i := range h.items {
		if strings.EqualFold(h.items[i].Name, name) {
			h.items[i].Value = value
			return
		}
	}
	h.Append(name, value)
}

// Remove deletes every occurrence of name, case-insensitively.
func (h *HeaderList) Remove(name string) {
	out := h.items[:0]
	for _, it := range h.items {
		if !strings.EqualFold(it.Name, name) {
			out = append(out, it)
		}
	}
	h.items = out
}

// Has reports whether name is present, case-insensitively.
func (h *HeaderList) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Each calls fn for every header in wire order.
func (h *HeaderList) Each(fn func(name, value string)) {
	for _, it := range h.items {
		fn(it.Name, it.Value)
	}
}

// Len returns the number of headers, including duplicates.
func (h *HeaderList) Len() int { return len(h.items) }
