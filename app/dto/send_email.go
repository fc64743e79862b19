package dto

import (
	"encoding/base64"
	"errors"
	"net/mail"
	"strings"

	"github.com/labstack/echo/v4"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/service"
)

var (
	ErrMissingFields      = errors.New("to, subject, and body are required")
	ErrInvalidRecipient   = errors.New("recipients must be valid email addresses")
	ErrInvalidSender      = errors.New("from must be a valid email address")
	ErrInvalidBodyType    = errors.New("body_type must be HTML or Text")
	ErrInvalidAttachment  = errors.New("attachments need a name and base64 content_bytes")
	ErrInvalidHeaderValue = errors.New("subject and names must not contain line breaks")
)

type AddressRequest struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type AttachmentRequest struct {
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	ContentBytes string `json:"content_bytes"`
}

type SendEmailRequest struct {
	ID          string              `json:"id"`
	From        string              `json:"from"`
	To          []AddressRequest    `json:"to"`
	Cc          []AddressRequest    `json:"cc"`
	Bcc         []AddressRequest    `json:"bcc"`
	ReplyTo     []AddressRequest    `json:"reply_to"`
	Subject     string              `json:"subject"`
	BodyType    string              `json:"body_type"`
	Body        string              `json:"body"`
	Attachments []AttachmentRequest `json:"attachments"`
}

// SendEmailFromEchoContext binds and normalizes a request from Echo.
func SendEmailFromEchoContext(ctx echo.Context) (SendEmailRequest, error) {
	var req SendEmailRequest
	if err := ctx.Bind(&req); err != nil {
		return SendEmailRequest{}, err
	}
	req.normalize()
	return req, nil
}

// SendEmailFromStruct converts and normalizes a gRPC request payload.
func SendEmailFromStruct(s *structpb.Struct) (SendEmailRequest, error) {
	var req SendEmailRequest
	if err := decodeStruct(s, &req); err != nil {
		return SendEmailRequest{}, err
	}
	req.normalize()
	return req, nil
}

// Validate checks required fields and format constraints.
func (r *SendEmailRequest) Validate() error {
	if len(r.To) == 0 || r.Subject == "" || r.Body == "" {
		return ErrMissingFields
	}
	if r.From != "" {
		if _, err := mail.ParseAddress(r.From); err != nil {
			return ErrInvalidSender
		}
	}
	if strings.ContainsAny(r.Subject, "\r\n") {
		return ErrInvalidHeaderValue
	}
	switch r.BodyType {
	case "", entity.BodyTypeHTML, entity.BodyTypeText:
	default:
		return ErrInvalidBodyType
	}
	for _, list := range [][]AddressRequest{r.To, r.Cc, r.Bcc, r.ReplyTo} {
		for _, addr := range list {
			if _, err := mail.ParseAddress(addr.Address); err != nil {
				return ErrInvalidRecipient
			}
			if strings.ContainsAny(addr.Name, "\r\n") {
				return ErrInvalidHeaderValue
			}
		}
	}
	for _, att := range r.Attachments {
		if att.Name == "" || att.ContentBytes == "" {
			return ErrInvalidAttachment
		}
		if _, err := base64.StdEncoding.DecodeString(att.ContentBytes); err != nil {
			return ErrInvalidAttachment
		}
	}
	return nil
}

// ToInput converts the request into service input.
func (r *SendEmailRequest) ToInput() service.CreateMessageInput {
	attachments := make([]entity.Attachment, 0, len(r.Attachments))
	for _, att := range r.Attachments {
		attachments = append(attachments, entity.Attachment{
			Name:         att.Name,
			ContentType:  att.ContentType,
			ContentBytes: att.ContentBytes,
		})
	}
	if len(attachments) == 0 {
		attachments = nil
	}
	return service.CreateMessageInput{
		ID:     r.ID,
		Sender: r.From,
		Envelope: entity.Envelope{
			To:          toAddresses(r.To),
			Cc:          toAddresses(r.Cc),
			Bcc:         toAddresses(r.Bcc),
			ReplyTo:     toAddresses(r.ReplyTo),
			Attachments: attachments,
		},
		Subject:  r.Subject,
		BodyType: r.BodyType,
		Body:     r.Body,
	}
}

// normalize trims whitespace for header fields. The body is kept as sent.
func (r *SendEmailRequest) normalize() {
	r.ID = strings.TrimSpace(r.ID)
	r.From = strings.TrimSpace(r.From)
	r.Subject = strings.TrimSpace(r.Subject)
	r.BodyType = strings.TrimSpace(r.BodyType)
	for _, list := range [][]AddressRequest{r.To, r.Cc, r.Bcc, r.ReplyTo} {
		for i := range list {
			list[i].Address = strings.TrimSpace(list[i].Address)
			list[i].Name = strings.TrimSpace(list[i].Name)
		}
	}
	for i := range r.Attachments {
		r.Attachments[i].Name = strings.TrimSpace(r.Attachments[i].Name)
		r.Attachments[i].ContentBytes = strings.TrimSpace(r.Attachments[i].ContentBytes)
	}
}

func toAddresses(in []AddressRequest) []entity.Address {
	if len(in) == 0 {
		return nil
	}
	out := make([]entity.Address, 0, len(in))
	for _, addr := range in {
		out = append(out, entity.Address{Address: addr.Address, Name: addr.Name})
	}
	return out
}
