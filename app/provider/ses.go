package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/preparer"
)

const (
	ReasonSESAccepted     = "SES_ACCEPTED"
	ReasonSESRateLimited  = "SES_RATE_LIMITED"
	ReasonSESProvider5xx  = "SES_PROVIDER_5XX"
	ReasonSESProvider4xx  = "SES_PROVIDER_4XX"
	ReasonSESTimeout      = "SES_TIMEOUT"
	ReasonSESNetworkError = "SES_NETWORK_ERROR"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider sends the prepared raw MIME document through AWS SES v2.
type SESProvider struct {
	client sesAPI
}

// NewSESProvider builds a provider that sends email via AWS SES.
func NewSESProvider(cfg aws.Config) *SESProvider {
	return &SESProvider{client: sesv2.NewFromConfig(cfg)}
}

func (p *SESProvider) Name() string {
	return "ses"
}

// Send requires a message rendered by the MIME step.
func (p *SESProvider) Send(ctx context.Context, msg *preparer.OutboundMessage) (SendOutcome, error) {
	if len(msg.Raw) == 0 {
		return SendOutcome{}, fmt.Errorf("ses send: message %s has no raw content", msg.ID)
	}

	out, err := p.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From.Address),
		Destination: &types.Destination{
			ToAddresses: msg.AllRecipients(),
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: msg.Raw},
		},
	})
	if err != nil {
		return classifySESError(err), nil
	}

	accepted := http.StatusOK
	return SendOutcome{
		Status:            entity.StatusSent,
		Reason:            ReasonSESAccepted,
		ProviderMessageID: aws.ToString(out.MessageId),
		RawStatus:         &accepted,
	}, nil
}

func classifySESError(err error) SendOutcome {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		reason := ReasonSESNetworkError
		if isTimeout(err) {
			reason = ReasonSESTimeout
		}
		return SendOutcome{Status: entity.StatusRetryPending, Reason: reason}
	}

	status := respErr.HTTPStatusCode()
	outcome := SendOutcome{ProviderMessageID: respErr.ServiceRequestID(), RawStatus: &status}
	switch {
	case status == http.StatusTooManyRequests:
		outcome.Status, outcome.Reason = entity.StatusRetryPending, ReasonSESRateLimited
	case status >= http.StatusInternalServerError:
		outcome.Status, outcome.Reason = entity.StatusRetryPending, ReasonSESProvider5xx
	default:
		outcome.Status, outcome.Reason = entity.StatusFailed, ReasonSESProvider4xx
	}
	return outcome
}
