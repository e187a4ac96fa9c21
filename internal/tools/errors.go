package tools

import (
	"fmt"
	"time"
)

// ToolDeniedError is returned when a safety policy refuses a request.
type ToolDeniedError struct {
	Tool     string
	Category string
	Reason   string
}

func (e *ToolDeniedError) Error() string {
	return fmt.Sprintf("%s denied (%s): %s", e.Tool, e.Category, e.Reason)
}

// ToolTimeoutError reports a command killed at its deadline. The partial
// output is still returned alongside it.
type ToolTimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Tool, e.Timeout)
}

// ToolOutputTruncated reports output beyond the capture limit was dropped.
type ToolOutputTruncated struct {
	Limit   int
	Dropped int64
}

func (e *ToolOutputTruncated) Error() string {
	return fmt.Sprintf("output truncated at %d bytes (%d bytes dropped)", e.Limit, e.Dropped)
}

// FetchTooLargeError is returned when a download exceeds the byte ceiling,
// either by declared size or while streaming.
type FetchTooLargeError struct {
	Target   string
	Limit    int64
	Size     int64 // declared size, or bytes seen before the abort
	Declared bool
}

func (e *FetchTooLargeError) Error() string {
	if e.Declared {
		return fmt.Sprintf("%s declares %d bytes, over the %d byte limit", e.Target, e.Size, e.Limit)
	}
	return fmt.Sprintf("%s exceeded the %d byte limit", e.Target, e.Limit)
}

// FetchBlockedHostError is returned when a destination resolves to a
// private, loopback, link-local or otherwise internal address.
type FetchBlockedHostError struct {
	Host   string
	Reason string
}

func (e *FetchBlockedHostError) Error() string {
	return fmt.Sprintf("host %s is blocked: %s", e.Host, e.Reason)
}

// FetchTransportError wraps network failures during a fetch.
type FetchTransportError struct {
	Target string
	Err    error
}

func (e *FetchTransportError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Target, e.Err)
}

func (e *FetchTransportError) Unwrap() error { return e.Err }
