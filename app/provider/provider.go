package provider

import (
	"context"
	"errors"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/preparer"
)

// ErrCredentialAcquisition means no send was attempted because the provider
// credentials could not be obtained. The message keeps its status.
var ErrCredentialAcquisition = errors.New("provider credential acquisition failed")

// SendOutcome is the classified result of one send attempt. Transport and
// HTTP failures are outcomes, not errors.
type SendOutcome struct {
	Status            entity.MessageStatus
	Reason            string
	ProviderMessageID string
	RetryAfterSeconds *int
	RawStatus         *int
}

type EmailProvider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Send performs one delivery attempt. Only failures that happen before a
	// request reaches the provider are returned as errors.
	Send(ctx context.Context, msg *preparer.OutboundMessage) (SendOutcome, error)
}
