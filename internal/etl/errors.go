package etl

import (
	"errors"
	"fmt"
	"strings"
)

// ── Errors ─────────────────────────────────────────────────
// Failure taxonomy shared by sources, destinations and the engine.
// Everything except ErrMalformedResponse is recoverable.

var (
	// ErrUpstreamRejected means the log store answered with a non-success status
	// or could not be reached at all.
	ErrUpstreamRejected = errors.New("upstream rejected request")

	// ErrMalformedResponse means the log store answered with a body that is not
	// valid JSON. Fatal to the run.
	ErrMalformedResponse = errors.New("malformed upstream response")

	// ErrMissingField means an expected key was absent (or unusable) in a
	// response or in a record of a batch.
	ErrMissingField = errors.New("missing field")

	// ErrRowRejected means the relational store refused a row's values: a
	// malformed literal, a number out of range, a NULL in a NOT NULL column.
	// The rest of the batch can still be stored.
	ErrRowRejected = errors.New("row rejected by relational store")

	// ErrValueTooWide is the ErrRowRejected case of a value exceeding a
	// column's width.
	ErrValueTooWide = fmt.Errorf("value too wide for column: %w", ErrRowRejected)

	// ErrConnectionLost means the connection to a backend broke mid-operation.
	ErrConnectionLost = errors.New("connection lost")
)

// UpstreamError carries the HTTP status of a rejected log store request.
// StatusCode is 0 when the request never got a response.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamRejected }

// FieldError reports a field that a record or response lacked.
type FieldError struct {
	Field  string
	Reason string
	// Payload is the offending record or response, for the log.
	Payload string
}

func (e *FieldError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("missing field %q", e.Field)
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

func (e *FieldError) Is(target error) bool { return target == ErrMissingField }

// RejectedRow is a single row the destination refused to store.
type RejectedRow struct {
	UID     string
	Payload string
	Err     error
}

// RejectedRowsError is returned by a destination when some rows of a batch
// were refused. Rows not listed were stored. It matches ErrRowRejected and
// whatever the individual row errors match.
type RejectedRowsError struct {
	Table string
	Rows  []RejectedRow
}

func (e *RejectedRowsError) Error() string {
	uids := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		uids = append(uids, r.UID)
	}
	return fmt.Sprintf("%s: %d row(s) rejected: %s", e.Table, len(e.Rows), strings.Join(uids, ", "))
}

func (e *RejectedRowsError) Is(target error) bool { return target == ErrRowRejected }

func (e *RejectedRowsError) Unwrap() []error {
	errs := make([]error, 0, len(e.Rows))
	for _, r := range e.Rows {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}
