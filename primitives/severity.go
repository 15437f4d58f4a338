// Package primitives holds the value types shared by every package in the
// ledger and credit-servicing kernel: money, account codes, ids, and the
// error-severity tagging used by observability.
package primitives

import (
	"errors"
	"fmt"
)

// Severity classifies an error the way the rest of the system logs it.
// Validation and idempotency outcomes are WARN; invariant breaches and
// collaborator failures are ERROR.
type Severity string

const (
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// SeverityError pairs a wrapped error with the severity observability should
// log it at, so callers can branch on severity without string matching.
type SeverityError struct {
	Err      error
	Severity Severity
}

func (e *SeverityError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Severity, e.Err)
}

func (e *SeverityError) Unwrap() error { return e.Err }

// Warn wraps err as a WARN-severity error.
func Warn(err error) error {
	if err == nil {
		return nil
	}
	return &SeverityError{Err: err, Severity: SeverityWarn}
}

// Fail wraps err as an ERROR-severity error.
func Fail(err error) error {
	if err == nil {
		return nil
	}
	return &SeverityError{Err: err, Severity: SeverityError}
}

// SeverityOf extracts the severity of err, defaulting to ERROR for errors
// that were never tagged (infrastructure/collaborator failures are assumed
// severe unless proven otherwise).
func SeverityOf(err error) Severity {
	var se *SeverityError
	if errors.As(err, &se) {
		return se.Severity
	}
	return SeverityError
}
