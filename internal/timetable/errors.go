package timetable

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrUpstream matches every *FetchError via errors.Is.
var ErrUpstream = errors.New("timetable upstream failure")

const (
	ReasonTransport = "transport"
	ReasonParse     = "parse"
)

func reasonHTTPStatus(code int) string { return "http_status:" + strconv.Itoa(code) }

// FetchError is a failed upstream call. Empty schedules are not errors.
type FetchError struct {
	Reason string
	Query  Query
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("timetable %s: %s", e.Query.Key(), e.Reason)
	}
	return fmt.Sprintf("timetable %s: %s: %v", e.Query.Key(), e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrUpstream }
