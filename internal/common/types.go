package common

import (
	"errors"
	"fmt"
)

// Component names the side of the bridge an error or event belongs to.
type Component string

const (
	ComponentBus     Component = "threatbus"
	ComponentMatcher Component = "matcher"
	ComponentConfig  Component = "config"
)

// ConnectionError reports that a bus or matcher endpoint could not be reached
// at connect time. Callers retry with backoff.
type ConnectionError struct {
	Component Component
	Addr      string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect %s: %v", e.Component, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RetryableError reports a transient failure in the middle of an operation.
// The same logical operation may be issued again.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// MalformedIndicatorError reports an indicator that could not be decoded or
// whose pattern could not be parsed. Only that indicator is skipped.
type MalformedIndicatorError struct {
	ID     string
	Reason string
	Err    error
}

func (e *MalformedIndicatorError) Error() string {
	msg := "malformed indicator"
	if e.ID != "" {
		msg += " " + e.ID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedIndicatorError) Unwrap() error { return e.Err }

// ConfigurationError reports invalid startup configuration. It is the only
// error that terminates the process.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid config: %v", e.Err)
	}
	return fmt.Sprintf("invalid config: %s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsRetryable reports whether err carries a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsMalformed reports whether err carries a MalformedIndicatorError.
func IsMalformed(err error) bool {
	var me *MalformedIndicatorError
	return errors.As(err, &me)
}
