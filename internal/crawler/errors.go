package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies failures the engine reacts to differently.
type ErrorKind int

// Error kinds.
const (
	KindUnknown ErrorKind = iota
	KindExtractionFailed
	KindTimeout
	KindBackendCrashed
	KindNavigationFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindExtractionFailed:
		return "extraction_failed"
	case KindTimeout:
		return "timeout"
	case KindBackendCrashed:
		return "backend_crashed"
	case KindNavigationFailed:
		return "navigation_failed"
	default:
		return "unknown"
	}
}

// Error carries a kind and the URL being processed.
type Error struct {
	Kind ErrorKind
	URL  string
	Err  error
}

// NewError wraps err with a kind. A nil err yields nil.
func NewError(kind ErrorKind, url string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, URL: url, Err: err}
}

func (e *Error) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// StatusError reports an HTTP error status returned for a page.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// Permanent reports whether repeating the request cannot change the
// outcome. 408, 429 and 5xx responses are transient.
func (e *StatusError) Permanent() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return false
	case e.Code >= http.StatusBadRequest && e.Code < http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// IsPermanentStatus reports whether err carries a permanent HTTP status.
func IsPermanentStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

var crashMarkers = []string{"crashed", "disconnect", "closed", "killed", "terminated"}

// LooksCrashed reports whether an error message indicates the browser
// process or its connection is gone.
func LooksCrashed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range crashMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ClassifyNavigation wraps a raw navigation error with the matching kind.
// Errors that already carry a kind are returned unchanged.
func ClassifyNavigation(url string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, url, err)
	case LooksCrashed(err):
		return NewError(KindBackendCrashed, url, err)
	default:
		return NewError(KindNavigationFailed, url, err)
	}
}
