package dlcore

import (
	"errors"
	"fmt"
)

// Sentinel error kinds surfaced at component boundaries. Callers distinguish
// them with errors.Is/errors.As rather than string matching.
var (
	// ErrNoResolver is returned when no registered resolver scored above zero
	// for a link input.
	ErrNoResolver = errors.New("no resolver can handle this input")

	// ErrNoDriver is returned when a resource's type has no matching
	// transfer or whole-file driver.
	ErrNoDriver = errors.New("no driver registered for this resource type")

	// ErrRangeNotSupported is returned when a range request was confirmed
	// unsupported by the server (416, or a 2xx other than 200 and 206; a
	// 200 is reported as RangeIgnoredFullError instead).
	ErrRangeNotSupported = errors.New("server does not support range requests")

	// ErrAssemblyInvariant is returned when the post-dispatch fragment
	// completeness check fails.
	ErrAssemblyInvariant = errors.New("not all fragments reached the done state")

	// ErrNotImplemented is returned by stub whole-file drivers for
	// protocols whose transfer logic is not part of this core.
	ErrNotImplemented = errors.New("not implemented")

	// ErrCrossDeviceMove is returned by Assembler.Promote when the rename of
	// the partial file fails and its copy+delete fallback fails as well.
	ErrCrossDeviceMove = errors.New("cross-device move not supported by rename, use copy+delete")
)

// RangeIgnoredFullError indicates the server answered a Range request with
// a plain 200 and the full body instead of a 206 partial response.
type RangeIgnoredFullError struct {
	Body []byte
}

func (e *RangeIgnoredFullError) Error() string {
	return fmt.Sprintf("server ignored range request, returned %d bytes of full body", len(e.Body))
}

// HTTPStatusError is a terminal, non-retryable HTTP response status.
type HTTPStatusError struct {
	Code int
	URL  string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.Code, e.URL)
}

// DownloadError wraps an underlying error with protocol/operation context
// and an explicit transient/permanent classification, following the
// adapter-era convention of tagging errors at the driver boundary.
type DownloadError struct {
	Protocol  string
	Op        string
	Cause     error
	transient bool
}

func (e *DownloadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s", e.Protocol, e.Op, e.Cause.Error())
	}
	return fmt.Sprintf("%s %s", e.Protocol, e.Op)
}

func (e *DownloadError) Unwrap() error { return e.Cause }

// IsTransient reports whether this error may be retried.
func (e *DownloadError) IsTransient() bool { return e.transient }

// NewTransientError creates a DownloadError that may be retried.
func NewTransientError(protocol, op string, cause error) *DownloadError {
	return &DownloadError{Protocol: protocol, Op: op, Cause: cause, transient: true}
}

// NewPermanentError creates a DownloadError that should not be retried.
func NewPermanentError(protocol, op string, cause error) *DownloadError {
	return &DownloadError{Protocol: protocol, Op: op, Cause: cause, transient: false}
}

// IsTransient reports whether err (or anything it wraps) is a transient
// DownloadError.
func IsTransient(err error) bool {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.IsTransient()
	}
	return false
}
