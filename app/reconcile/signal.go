package reconcile

import (
	"errors"
	"fmt"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

var ErrUnknownSignal = errors.New("unknown provider status")

// ProviderSignal is a status reported by the mail provider, either from a
// synchronous send result or an asynchronous callback.
type ProviderSignal string

const (
	SignalQueued           ProviderSignal = "queued"
	SignalAccepted         ProviderSignal = "accepted"
	SignalSent             ProviderSignal = "sent"
	SignalDelivered        ProviderSignal = "delivered"
	SignalBounced          ProviderSignal = "bounced"
	SignalPermanentFailure ProviderSignal = "permanent_failure"
	SignalTemporaryFailure ProviderSignal = "temporary_failure"
	SignalCancelled        ProviderSignal = "cancelled"
)

// signalStatus must stay total over every ProviderSignal.
var signalStatus = map[ProviderSignal]entity.MessageStatus{
	SignalQueued:           entity.StatusQueued,
	SignalAccepted:         entity.StatusSent,
	SignalSent:             entity.StatusSent,
	SignalDelivered:        entity.StatusDelivered,
	SignalBounced:          entity.StatusBounced,
	SignalPermanentFailure: entity.StatusFailed,
	SignalTemporaryFailure: entity.StatusRetryPending,
	SignalCancelled:        entity.StatusCancelled,
}

// ParseSignal validates an inbound provider status string.
func ParseSignal(value string) (ProviderSignal, error) {
	signal := ProviderSignal(value)
	if _, ok := signalStatus[signal]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSignal, value)
	}
	return signal, nil
}

// Status returns the message status a signal maps to.
func (s ProviderSignal) Status() (entity.MessageStatus, bool) {
	status, ok := signalStatus[s]
	return status, ok
}

func (s ProviderSignal) String() string {
	return string(s)
}
