// Package protocol defines the envelopes exchanged with the tab extension and
// the plain CDP frames exchanged with automation clients.
//
// Payloads (command params, results, event params) are carried as raw JSON and
// never re-encoded, so the relay forwards them byte-for-byte.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the extension protocol version.
const Version = 1

// Extension envelope methods.
const (
	MethodAttachToTab       = "attachToTab"
	MethodForwardCDPCommand = "forwardCDPCommand"
	MethodForwardCDPEvent   = "forwardCDPEvent"
	MethodLog               = "log"
)

// LogLevel is the level carried by an extension log envelope.
type LogLevel string

const (
	LogLevelLog   LogLevel = "log"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ViolationError reports a frame that does not match any known envelope.
// Malformed is set when the frame was not a JSON object at all.
type ViolationError struct {
	Reason    string
	Err       error
	Malformed bool
}

func (e *ViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Err)
	}
	return "protocol violation: " + e.Reason
}

func (e *ViolationError) Unwrap() error {
	return e.Err
}

// IsViolation reports whether err is (or wraps) a ViolationError.
func IsViolation(err error) bool {
	var v *ViolationError
	return errors.As(err, &v)
}

// IsMalformed reports whether err is a violation for an undecodable frame.
func IsMalformed(err error) bool {
	var v *ViolationError
	return errors.As(err, &v) && v.Malformed
}

func violation(reason string, err error) error {
	return &ViolationError{Reason: reason, Err: err}
}

func malformed(reason string, err error) error {
	return &ViolationError{Reason: reason, Err: err, Malformed: true}
}

// present reports whether a raw field was sent with a non-null value.
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
