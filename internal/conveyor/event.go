package conveyor

import (
	"errors"
	"fmt"
	"net/url"
	"path"
)

var (
	// ErrTransferFailed marks a transfer whose client exited non-zero or
	// whose response code was outside 2xx. It is logged, never retried.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrStopped is returned by Push once Stop has been called.
	ErrStopped = errors.New("conveyor stopped")

	// ErrWorkerGone is returned by Stop when the worker ended before the
	// queue could be drained.
	ErrWorkerGone = errors.New("conveyor worker exited before stop")
)

// Method is the operation carried by an Event.
type Method int

const (
	MethodNone Method = iota
	MethodPut
	MethodDelete
	MethodGet
)

// String returns the HTTP style name of m.
func (m Method) String() string {
	switch m {
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	case MethodGet:
		return "GET"
	default:
		return "NONE"
	}
}

// Event is one queued transfer.
type Event struct {
	Method Method
	// Source is the local file uploaded by a PUT.
	Source string
	// URL is the destination. A PUT to a URL whose path ends in "/" stores
	// the file under the Source base name.
	URL *url.URL
	// Header holds extra request headers, "Name: value".
	Header []string
	// UserAgent overrides the conveyor's default agent for this event.
	UserAgent string
	// AllowEmptyReply treats a connection closed without a response as
	// success. Shoutcast admin endpoints do this.
	AllowEmptyReply bool
	// Done, when set, is called with the result on the worker goroutine.
	Done func(Result)

	id       uint64
	snapshot string
	last     bool
	cleanup  bool
}

// Target returns the fully resolved destination URL.
func (e Event) Target() *url.URL {
	if e.URL == nil {
		return nil
	}
	u := *e.URL
	if e.Method == MethodPut && (u.Path == "" || u.Path[len(u.Path)-1] == '/') && e.Source != "" {
		u.Path = path.Join(u.Path, path.Base(e.Source))
		if u.RawPath != "" {
			u.RawPath = ""
		}
	}
	return &u
}

// Result describes how an Event finished.
type Result struct {
	Event Event
	// Target is the resolved destination as a string.
	Target string
	// ExitCode is the transfer client's exit status, -1 when it did not run.
	ExitCode int
	// Status is the HTTP style response code.
	Status int
	// Args are the client arguments with credentials redacted.
	Args []string
	Err  error
}

// OK reports whether the transfer succeeded.
func (r Result) OK() bool {
	return r.Err == nil && r.Status >= 200 && r.Status <= 299
}

func transferError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransferFailed, fmt.Sprintf(format, args...))
}
