package handlerrt

import (
	"context"
	"net"
	"strings"

	"code.xhttpd.io/xhttpd/backend"
	"code.xhttpd.io/xhttpd/director"
	"code.xhttpd.io/xhttpd/logger"
	"code.xhttpd.io/xhttpd/request"
)

// stickyCookieName is the cookie RescheduleSticky's affinity key is read
// from, when present, ahead of falling back to the client's address.
const stickyCookieName = "xhttpd_sticky"

// ProxyHandler is a built-in Handler standing in for a compiled-DSL
// "proxy pass" directive (spec.md §6's "native callables... registered
// by name"): it forwards every request to director.Director, retrying
// across Backends on failure per spec.md §4.5.
type ProxyHandler struct {
	Director *director.Director
	Scheme   string
	Log      logger.Logger
}

func (h *ProxyHandler) Setup() error { return nil }

// Main starts (or retries) a backend.ProxyConnection for req and always
// returns Pending: the request finishes asynchronously, either when the
// upstream response completes or when the director exhausts every
// backend (spec.md §4.5 step 2).
func (h *ProxyHandler) Main(req *request.Request) Outcome {
	at := h.Director.NewAttempt()
	h.attempt(req, at, nil)
	return Pending
}

// attempt asks the Director for the next Backend to try (marking failed
// as tried first, if non-nil) and either starts a new ProxyConnection
// against it or finishes req with BadGateway/GatewayTimeout.
func (h *ProxyHandler) attempt(req *request.Request, at *director.Attempt, failed *backend.Backend) {
	b, err := h.Director.RescheduleSticky(at, failed, stickyID(req))
	if err != nil {
		req.SetStatus(director.StatusFor(err))
		req.Finish()
		return
	}

	backend.Start(context.Background(), b, req, req.RemoteAddr, h.Scheme, h.Director.CloakServer, h.Log,
		func(outcome backend.Outcome, _ error) {
			switch outcome {
			case backend.Success:
				h.Director.Release(b)
			case backend.FailMidBody:
				// bytes (or a best-effort finish) already reached the
				// client; the attempt is over either way, win or lose.
				h.Director.Release(b)
			default:
				h.attempt(req, at, b)
			}
		})
}

// stickyID returns the affinity key RescheduleSticky consults: the
// xhttpd_sticky cookie's value when the client sent one, otherwise the
// client's bare address (no port), so repeat connections from the same
// client still land on the same Backend even without a cookie. Ignored
// entirely unless Director.StickyEnabled is set.
func stickyID(req *request.Request) string {
	if cookie, ok := req.Header("Cookie"); ok {
		for _, part := range strings.Split(cookie, ";") {
			name, value, found := strings.Cut(strings.TrimSpace(part), "=")
			if found && name == stickyCookieName {
				return value
			}
		}
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}
