package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/preparer"
)

const (
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultGraphScope   = "https://graph.microsoft.com/.default"
	DefaultGraphTimeout = 15 * time.Second
)

type GraphConfig struct {
	BaseURL         string
	Timeout         time.Duration
	SaveToSentItems bool
}

// GraphProvider sends mail through the Microsoft Graph sendMail action.
type GraphProvider struct {
	tokens TokenSource
	client *http.Client
	cfg    GraphConfig
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewGraphProvider(cfg GraphConfig, tokens TokenSource, client *http.Client, logger logrus.FieldLogger) *GraphProvider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGraphTimeout
	}
	if client == nil {
		client = NewHTTPClient()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GraphProvider{tokens: tokens, client: client, cfg: cfg, logger: logger, now: time.Now}
}

func (p *GraphProvider) Name() string {
	return "graph"
}

// Send posts the message as the sender mailbox and classifies the result.
// The token fetch and the sendMail call share one Timeout budget.
func (p *GraphProvider) Send(ctx context.Context, msg *preparer.OutboundMessage) (SendOutcome, error) {
	payload, err := json.Marshal(graphSendMailRequest{
		Message:         buildGraphMessage(msg),
		SaveToSentItems: p.cfg.SaveToSentItems,
	})
	if err != nil {
		return SendOutcome{}, fmt.Errorf("encode graph message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	token, err := p.tokens.Token(ctx)
	if err != nil {
		return SendOutcome{}, err
	}

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", p.cfg.BaseURL, url.PathEscape(msg.From.Address))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return SendOutcome{}, fmt.Errorf("build graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", `outlook.body-content-type="html"`)

	resp, err := p.client.Do(req)
	if err != nil {
		outcome := ClassifyGraphTransportError(err)
		p.logger.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.ID,
			"reason":     outcome.Reason,
		}).Warn("graph sendMail transport failure")
		return outcome, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return ClassifyGraphResponse(resp.StatusCode, resp.Header, p.now()), nil
}

type graphSendMailRequest struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

type graphMessage struct {
	Subject       string            `json:"subject"`
	Body          graphBody         `json:"body"`
	From          graphRecipient    `json:"from"`
	ToRecipients  []graphRecipient  `json:"toRecipients"`
	CcRecipients  []graphRecipient  `json:"ccRecipients"`
	BccRecipients []graphRecipient  `json:"bccRecipients"`
	ReplyTo       []graphRecipient  `json:"replyTo"`
	Attachments   []graphAttachment `json:"attachments,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

func buildGraphMessage(msg *preparer.OutboundMessage) graphMessage {
	out := graphMessage{
		Subject:       msg.Subject,
		Body:          graphBody{ContentType: graphContentType(msg.BodyType), Content: msg.Body},
		From:          toGraphRecipient(msg.From),
		ToRecipients:  toGraphRecipients(msg.To),
		CcRecipients:  toGraphRecipients(msg.Cc),
		BccRecipients: toGraphRecipients(msg.Bcc),
		ReplyTo:       toGraphRecipients(msg.ReplyTo),
	}
	for _, att := range msg.Attachments {
		out.Attachments = append(out.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Name,
			ContentType:  att.ContentType,
			ContentBytes: att.ContentBytes,
		})
	}
	return out
}

func graphContentType(bodyType string) string {
	if bodyType == entity.BodyTypeText {
		return entity.BodyTypeText
	}
	return entity.BodyTypeHTML
}

func toGraphRecipients(list []entity.Address) []graphRecipient {
	out := make([]graphRecipient, 0, len(list))
	for _, addr := range list {
		out = append(out, toGraphRecipient(addr))
	}
	return out
}

func toGraphRecipient(addr entity.Address) graphRecipient {
	return graphRecipient{EmailAddress: graphEmailAddress{Address: addr.Address, Name: addr.Name}}
}
