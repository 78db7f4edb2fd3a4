package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/retry"
)

// ErrorKind classifies a failed upstream attempt.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server_error"
	KindClient      ErrorKind = "client_error"
)

// FetchError is the typed failure returned for a single upstream attempt.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: status %d from %s: %v", e.Kind, e.StatusCode, e.URL, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the FetchError in err's chain, or "" when there is none.
func KindOf(err error) ErrorKind {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}
	return ""
}

// Classify is the retry classifier for upstream calls. Client errors are fatal;
// rate limits use the cooldown; timeouts and server errors use the backoff curve.
func Classify(err error) retry.Class {
	switch KindOf(err) {
	case KindRateLimited:
		return retry.ClassRateLimited
	case KindTimeout, KindServer:
		return retry.ClassTransient
	default:
		return retry.ClassFatal
	}
}

func kindForStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode == http.StatusRequestTimeout:
		return KindTimeout
	case statusCode >= 400 && statusCode < 500:
		return KindClient
	default:
		return KindServer
	}
}

func transportError(requestURL string, err error) *FetchError {
	kind := KindServer
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &FetchError{Kind: kind, URL: requestURL, Err: err}
}
