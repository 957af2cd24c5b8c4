package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientCredits signals an exhausted persistent balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAccountNotFound signals a purchase grant for an unknown account.
	ErrAccountNotFound = errors.New("credit account not found")
	// ErrInvalidGrant signals a grant with a non-positive unit count.
	ErrInvalidGrant = errors.New("grant units must be positive")
	// ErrInvalidUser signals a zero user id.
	ErrInvalidUser = errors.New("invalid user id")
)

// DailyLimitError signals an exhausted rolling-window quota. It carries
// the reset instant so callers can render "resets at <time>".
type DailyLimitError struct {
	Limit    int64
	Used     int64
	ResetsAt time.Time
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("daily request limit %d reached, resets at %s",
		e.Limit, e.ResetsAt.UTC().Format(time.RFC3339))
}

// FollowUpRejectedError signals a follow-up message that the tool lock
// classified as an attempt to assess a different tool.
type FollowUpRejectedError struct {
	Reason string
}

func (e *FollowUpRejectedError) Error() string {
	return e.Reason
}
