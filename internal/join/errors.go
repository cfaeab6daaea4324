package join

import (
	"errors"
	"fmt"
)

// Reason is why a join attempt failed.
type Reason string

const (
	ReasonDeadlineExceeded       Reason = "deadline_exceeded"
	ReasonApprovalDenied         Reason = "approval_denied"
	ReasonUnrecognizedStateLimit Reason = "unrecognized_state_limit"
)

var (
	ErrDeadlineExceeded       = errors.New("join: deadline exceeded")
	ErrApprovalDenied         = errors.New("join: approval denied")
	ErrUnrecognizedStateLimit = errors.New("join: unrecognized state limit reached")
)

var reasonErrors = map[Reason]error{
	ReasonDeadlineExceeded:       ErrDeadlineExceeded,
	ReasonApprovalDenied:         ErrApprovalDenied,
	ReasonUnrecognizedStateLimit: ErrUnrecognizedStateLimit,
}

// FailedError is the terminal failure of a join attempt. It matches the
// sentinel for its Reason with errors.Is.
type FailedError struct {
	Reason    Reason
	LastState State
	Cycles    int
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("join failed: %s (last state %s after %d cycles)", e.Reason, e.LastState, e.Cycles)
}

func (e *FailedError) Is(target error) bool {
	return reasonErrors[e.Reason] == target
}
