package backend

import (
	"context"
	"errors"
	"io"
	"net"
)

// FailureClassifier decides whether an error observed while talking to a
// Backend should trigger director.Reschedule (another backend may still
// succeed) versus a hard failure. Grounded on proxy/fails.Classifier /
// ClassifierFunc, reused in shape rather than imported: this package
// does not depend on proxy's net/http-based RoundTripper machinery, only
// on the same error-classification idiom.
type FailureClassifier func(err error) bool

// Classify reports whether err warrants a reschedule rather than a hard
// stop. With DefaultRetryOn, connect failures, upstream EOF and a
// connection reset on read are retryable; everything else (including a
// client-context cancellation) is not.
func (f FailureClassifier) Classify(err error) bool { return f(err) }

// DefaultRetryOn mirrors proxy/fails.DefaultRetryOnAny's member checks,
// trimmed to the subset meaningful for a plain TCP upstream leg (no TLS
// classifiers, since backend.Dialer here is a bare net.Dial — a TLS
// variant would add proxy/fails's TLS classifiers the same way).
var DefaultRetryOn FailureClassifier = func(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" || isResetOnRead(opErr)
	}
	return false
}

func isResetOnRead(opErr *net.OpError) bool {
	return opErr.Op == "read" && opErr.Err != nil &&
		opErr.Err.Error() == "read: connection reset by peer"
}
