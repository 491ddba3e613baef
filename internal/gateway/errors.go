package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidHistory reports a malformed history entry. It is never retried.
	ErrInvalidHistory = errors.New("invalid history")

	// ErrGatewayUnavailable is matched by every error returned after the
	// retry budget for transient backend failures is spent.
	ErrGatewayUnavailable = errors.New("model gateway unavailable")
)

// UnavailableError carries the last backend failure after retries ran out.
type UnavailableError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s failed after %d attempts: %v", ErrGatewayUnavailable, e.Backend, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrGatewayUnavailable, e.Err}
}

// BackendError lets a backend classify its own failures.
type BackendError struct {
	Backend    string
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status=%d, transient=%v)", e.Backend, e.Message, e.StatusCode, e.Transient)
	}
	return fmt.Sprintf("[%s] %s (transient=%v)", e.Backend, e.Message, e.Transient)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// transientMarkers are substrings of backend error text that indicate a
// network, rate-limit or server-side condition. Status codes are matched
// separately by statusCode.
var transientMarkers = []string{
	"rate limit", "too many requests",
	"internal server", "bad gateway", "service unavailable", "overloaded",
	"timeout", "timed out", "connection refused", "connection reset", "broken pipe",
	"no such host", "eof", "temporarily",
}

// IsTransient reports whether err is worth retrying. Unknown failures are
// fatal: bad credentials or an unsupported model will not fix themselves.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrInvalidHistory) {
		return false
	}

	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	if code := statusCode(err.Error()); code != 0 {
		return transientStatus(code)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// statusRe finds an HTTP status code where providers put one: at the start
// of the message ("503 Service Unavailable"), after "status" or "status
// code" ("API error: status code 500"), or after "HTTP".
var statusRe = regexp.MustCompile(`(?i)(?:^|\bstatus(?:[ _]?code)?\s*[:=]?\s*|\bhttp/?[\d.]*\s+)([1-5]\d\d)\b`)

// statusCode returns the status code named in msg, or 0.
func statusCode(msg string) int {
	m := statusRe.FindStringSubmatch(strings.TrimSpace(msg))
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

func transientStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
