package preparer

import (
	"context"
	"errors"
	"fmt"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

// ErrInvalidMessage marks a stored message that can never be sent as is.
var ErrInvalidMessage = errors.New("invalid message")

type EmailPreparer interface {
	Prepare(ctx context.Context, msg *entity.Message) (*OutboundMessage, error)
}

// OutboundMessage is the provider-facing form of a stored message.
type OutboundMessage struct {
	ID          string
	From        entity.Address
	To          []entity.Address
	Cc          []entity.Address
	Bcc         []entity.Address
	ReplyTo     []entity.Address
	Subject     string
	BodyType    string
	Body        string
	Attachments []entity.Attachment
	// Raw holds the rendered MIME document once MIMEStep has run.
	Raw []byte
}

// AllRecipients returns To, Cc and Bcc addresses in that order.
func (m *OutboundMessage) AllRecipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	for _, list := range [][]entity.Address{m.To, m.Cc, m.Bcc} {
		for _, addr := range list {
			out = append(out, addr.Address)
		}
	}
	return out
}

type Step interface {
	Prepare(ctx context.Context, msg *OutboundMessage) error
}

type Chain struct {
	steps []Step
}

// NewChain builds an email preparer chain from steps.
func NewChain(steps ...Step) *Chain {
	return &Chain{steps: steps}
}

// Prepare copies the stored message and runs every step over the copy.
func (c *Chain) Prepare(ctx context.Context, msg *entity.Message) (*OutboundMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is nil", ErrInvalidMessage)
	}

	out := &OutboundMessage{
		ID:          msg.ID,
		From:        entity.Address{Address: msg.Sender},
		To:          cloneAddresses(msg.Envelope.To),
		Cc:          cloneAddresses(msg.Envelope.Cc),
		Bcc:         cloneAddresses(msg.Envelope.Bcc),
		ReplyTo:     cloneAddresses(msg.Envelope.ReplyTo),
		Subject:     msg.Subject,
		BodyType:    msg.BodyType,
		Body:        msg.Body,
		Attachments: append([]entity.Attachment(nil), msg.Envelope.Attachments...),
	}

	for _, step := range c.steps {
		if err := step.Prepare(ctx, out); err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	return out, nil
}

func cloneAddresses(in []entity.Address) []entity.Address {
	if len(in) == 0 {
		return nil
	}
	return append([]entity.Address(nil), in...)
}
