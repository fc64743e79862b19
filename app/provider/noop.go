package provider

import (
	"context"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/preparer"
)

const ReasonNoopAccepted = "NOOP_ACCEPTED"

// NoopProvider is a stubbed provider that pretends to send emails.
type NoopProvider struct{}

// NewNoopProvider constructs a no-op email provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

func (p *NoopProvider) Name() string {
	return "noop"
}

// Send accepts every message without contacting anything.
func (p *NoopProvider) Send(_ context.Context, msg *preparer.OutboundMessage) (SendOutcome, error) {
	return SendOutcome{
		Status:            entity.StatusSent,
		Reason:            ReasonNoopAccepted,
		ProviderMessageID: "noop-" + msg.ID,
	}, nil
}
