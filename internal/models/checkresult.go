package models

import (
	"bytes"
	"fmt"
)

// CheckResult is the outcome of a single validation check. It serializes to
// the literal true/false for pass/fail and to the string "skipped" for checks
// that were deliberately not run.
type CheckResult int

const (
	CheckFailed CheckResult = iota
	CheckPassed
	CheckSkipped
)

// Passed reports whether the check succeeded.
func (r CheckResult) Passed() bool { return r == CheckPassed }

func (r CheckResult) String() string {
	switch r {
	case CheckPassed:
		return "passed"
	case CheckSkipped:
		return "skipped"
	}
	return "failed"
}

// MarshalJSON encodes the result as true, false or "skipped".
func (r CheckResult) MarshalJSON() ([]byte, error) {
	switch r {
	case CheckPassed:
		return []byte("true"), nil
	case CheckSkipped:
		return []byte(`"skipped"`), nil
	}
	return []byte("false"), nil
}

// UnmarshalJSON decodes true, false or "skipped".
func (r *CheckResult) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, []byte("true")):
		*r = CheckPassed
	case bytes.Equal(data, []byte("false")):
		*r = CheckFailed
	case bytes.Equal(data, []byte(`"skipped"`)):
		*r = CheckSkipped
	default:
		return fmt.Errorf("invalid check result %s", data)
	}
	return nil
}
