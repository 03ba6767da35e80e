package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Classification buckets adapter failures for last_error and operator triage.
type Classification string

const (
	ClassRateLimited     Classification = "rate_limited"
	ClassPermission      Classification = "permission"
	ClassTimeout         Classification = "timeout"
	ClassToolUnavailable Classification = "tool_unavailable"
	ClassNetwork         Classification = "network_error"
	ClassUnknown         Classification = "unknown"
)

// Error wraps an adapter failure with its classification.
type Error struct {
	Class Classification
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adapter error (%s): %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an adapter failure to a classification by pattern-matching
// on the exit code and the message.
func Classify(err error, exitCode int) *Error {
	if err == nil {
		err = fmt.Errorf("exit code %d", exitCode)
	}
	msg := strings.ToLower(err.Error())

	var class Classification
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		class = ClassTimeout
	case exitCode == 429 || strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		class = ClassRateLimited
	case exitCode == 403 || strings.Contains(msg, "403") || strings.Contains(msg, "permission denied") || strings.Contains(msg, "forbidden"):
		class = ClassPermission
	case exitCode == 127 || strings.Contains(msg, "executable file not found") || strings.Contains(msg, "command not found"):
		class = ClassToolUnavailable
	case isNetworkError(err) || strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		class = ClassNetwork
	default:
		class = ClassUnknown
	}
	return &Error{Class: class, Err: err}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
