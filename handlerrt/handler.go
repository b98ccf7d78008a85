// Package handlerrt declares the contract a compiled request pipeline
// must satisfy. The compiler that produces Handlers from a DSL source is
// external; this package only defines the seam and ships a small set of
// built-in Handlers standing in for "native callables registered by
// name" (spec.md §6).
package handlerrt

import (
	"errors"

	"code.xhttpd.io/xhttpd/request"
)

// Outcome tells the owning Connection whether a Handler finished the
// Request synchronously (Done) or will finish it later, asynchronously,
// through further callbacks (Pending) — e.g. a proxy Handler waiting on
// an upstream response.
type Outcome int

const (
	Pending Outcome = iota
	Done
)

func (o Outcome) String() string {
	if o == Done {
		return "done"
	}
	return "pending"
}

// Handler is one compiled request pipeline. Setup runs once, before the
// Handler is attached to any Request, to let it validate configuration
// and acquire long-lived resources (e.g. a Director). Main runs once per
// Request, on the Request's owning goroutine.
type Handler interface {
	Setup() error
	Main(req *request.Request) Outcome
}

// ErrNotImplemented is returned by Compile; no DSL compiler ships with
// this module (spec.md §1, compiler/optimizer are out of scope).
var ErrNotImplemented = errors.New("handlerrt: DSL compilation not implemented")

// Compile is the seam where an external DSL compiler would be wired in.
// level is the optimization level the compiler would have used; it is
// accepted here only to keep the intended call signature stable.
func Compile(source []byte, level int) (Handler, error) {
	return nil, ErrNotImplemented
}
