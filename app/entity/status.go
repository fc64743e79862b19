package entity

import (
	"errors"
	"fmt"
)

var ErrUnknownStatus = errors.New("unknown message status")

// MessageStatus is the lifecycle classification of an outbound message.
type MessageStatus string

const (
	StatusQueued       MessageStatus = "QUEUED"
	StatusRetryPending MessageStatus = "RETRY_PENDING"
	StatusSent         MessageStatus = "SENT"
	StatusDelivered    MessageStatus = "DELIVERED"
	StatusBounced      MessageStatus = "BOUNCED"
	StatusFailed       MessageStatus = "FAILED"
	StatusCancelled    MessageStatus = "CANCELLED"
)

// allStatuses lists every status in declaration order.
var allStatuses = [...]MessageStatus{
	StatusQueued,
	StatusRetryPending,
	StatusSent,
	StatusDelivered,
	StatusBounced,
	StatusFailed,
	StatusCancelled,
}

// statusTransitions is the authored transition table. It must carry an entry
// for every status and is never written after package initialization.
var statusTransitions = map[MessageStatus][]MessageStatus{
	StatusQueued:       {StatusSent, StatusRetryPending, StatusFailed, StatusCancelled},
	StatusRetryPending: {StatusSent, StatusFailed, StatusCancelled},
	StatusSent:         {StatusDelivered, StatusBounced, StatusFailed},
	StatusDelivered:    {},
	StatusBounced:      {},
	StatusFailed:       {},
	StatusCancelled:    {},
}

// AllStatuses returns every known status.
func AllStatuses() []MessageStatus {
	out := make([]MessageStatus, len(allStatuses))
	copy(out, allStatuses[:])
	return out
}

// ParseStatus converts a stored or client supplied value into a MessageStatus.
func ParseStatus(value string) (MessageStatus, error) {
	status := MessageStatus(value)
	if !status.IsKnown() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, value)
	}
	return status, nil
}

// IsKnown reports whether the status is part of the enumeration.
func (s MessageStatus) IsKnown() bool {
	_, ok := statusTransitions[s]
	return ok
}

// IsTerminal reports whether no further status change is allowed.
func (s MessageStatus) IsTerminal() bool {
	allowed, ok := statusTransitions[s]
	return ok && len(allowed) == 0
}

// IsRetryable reports whether a new send attempt may still occur.
func (s MessageStatus) IsRetryable() bool {
	switch s {
	case StatusQueued, StatusRetryPending:
		return true
	default:
		return false
	}
}

func (s MessageStatus) String() string {
	return string(s)
}

// AllowedTransitions returns a copy of the statuses reachable from the given one.
func AllowedTransitions(from MessageStatus) []MessageStatus {
	allowed := statusTransitions[from]
	out := make([]MessageStatus, len(allowed))
	copy(out, allowed)
	return out
}

// IsValidTransition reports whether moving from one status to another is allowed.
func IsValidTransition(from, to MessageStatus) bool {
	for _, candidate := range statusTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
