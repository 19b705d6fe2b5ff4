// Package fault defines the error taxonomy shared by the pipeline stages.
//
// Per-unit faults (content, transport, exhausted retries) never abort a run.
// A ConfigFault is fatal for the whole run and is raised before any backend call.
package fault

import (
	"errors"
	"fmt"
)

// ContentFault means the backend rejected the request or produced output that
// cannot be used for the unit. Recoverable by the fixer.
type ContentFault struct {
	Msg string
	Err error
}

func (e *ContentFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("content fault: %s: %v", e.Msg, e.Err)
	}
	return "content fault: " + e.Msg
}

func (e *ContentFault) Unwrap() error { return e.Err }

// TransportFault covers timeouts and connectivity failures. It shares the
// fixer's retry budget with ContentFault.
type TransportFault struct {
	Msg string
	Err error
}

func (e *TransportFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport fault: %s: %v", e.Msg, e.Err)
	}
	return "transport fault: " + e.Msg
}

func (e *TransportFault) Unwrap() error { return e.Err }

// ConfigFault is an invalid run configuration: unknown dialect, missing prompt
// template, unreadable input. Retrying cannot fix it.
type ConfigFault struct {
	Field string
	Msg   string
}

func (e *ConfigFault) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config fault: %s: %s", e.Field, e.Msg)
	}
	return "config fault: " + e.Msg
}

// ExhaustedRetryFault marks a unit that used its whole fix budget.
type ExhaustedRetryFault struct {
	UnitID    string
	Attempts  int
	LastError string
}

func (e *ExhaustedRetryFault) Error() string {
	return fmt.Sprintf("unit %s unresolved after %d fix attempts: %s", e.UnitID, e.Attempts, e.LastError)
}

// Content returns a new ContentFault.
func Content(format string, args ...any) error {
	return &ContentFault{Msg: fmt.Sprintf(format, args...)}
}

// Transport wraps err as a TransportFault.
func Transport(msg string, err error) error {
	return &TransportFault{Msg: msg, Err: err}
}

// Config returns a new ConfigFault for field.
func Config(field, format string, args ...any) error {
	return &ConfigFault{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsTransport reports whether err contains a TransportFault.
func IsTransport(err error) bool {
	var tf *TransportFault
	return errors.As(err, &tf)
}

// IsContent reports whether err contains a ContentFault.
func IsContent(err error) bool {
	var cf *ContentFault
	return errors.As(err, &cf)
}

// IsConfig reports whether err contains a ConfigFault.
func IsConfig(err error) bool {
	var cf *ConfigFault
	return errors.As(err, &cf)
}

// Retriable reports whether a failed call should be marked ERROR (transport)
// rather than FAILED. Unclassified errors are treated as content faults.
func Retriable(err error) bool {
	return IsTransport(err)
}
