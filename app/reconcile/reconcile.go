package reconcile

import (
	"errors"
	"fmt"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

const (
	ReasonTemporaryProviderFailure = "TEMPORARY_PROVIDER_FAILURE"
	ReasonPermanentProviderFailure = "PERMANENT_PROVIDER_FAILURE"
	ReasonProviderUpdate           = "PROVIDER_UPDATE"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// InvalidTransitionError reports a provider signal that would move a message
// along an edge the transition table does not allow.
type InvalidTransitionError struct {
	From   entity.MessageStatus
	To     entity.MessageStatus
	Signal ProviderSignal
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s for provider status %s", e.From, e.To, e.Signal)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Result is the best-effort characterization of a provider signal.
type Result struct {
	Status entity.MessageStatus
	Reason string
}

// MapProviderStatus resolves the status a message should take after the
// provider reported signal. Re-reporting the current status is accepted on
// every status, terminal ones included, so duplicate callbacks are harmless.
func MapProviderStatus(signal ProviderSignal, current entity.MessageStatus) (entity.MessageStatus, error) {
	next, ok := signalStatus[signal]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSignal, string(signal))
	}
	if next == current {
		return next, nil
	}
	if !entity.IsValidTransition(current, next) {
		return "", &InvalidTransitionError{From: current, To: next, Signal: signal}
	}
	return next, nil
}

// MapProviderError characterizes a signal for logging and persistence. It
// never consults the current status and never fails; an unknown signal is
// treated as a temporary failure.
func MapProviderError(signal ProviderSignal, errorCode string) Result {
	status, ok := signalStatus[signal]
	if !ok {
		status = entity.StatusRetryPending
	}

	reason := errorCode
	if reason == "" {
		switch status {
		case entity.StatusRetryPending:
			reason = ReasonTemporaryProviderFailure
		case entity.StatusFailed:
			reason = ReasonPermanentProviderFailure
		default:
			reason = ReasonProviderUpdate
		}
	}
	return Result{Status: status, Reason: reason}
}
