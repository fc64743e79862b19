package dto

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vibast-solutions/ms-go-mailer/app/reconcile"
	"github.com/vibast-solutions/ms-go-mailer/app/service"
)

var (
	ErrMissingMessageRef = errors.New("message_id or provider_message_id is required")
	ErrUnknownStatus     = errors.New("status is not a known provider status")
)

// ProviderStatusRequest is a provider callback about one message.
type ProviderStatusRequest struct {
	MessageID         string `json:"message_id"`
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	ErrorCode         string `json:"error_code"`
}

func ProviderStatusFromEchoContext(ctx echo.Context) (ProviderStatusRequest, error) {
	var req ProviderStatusRequest
	if err := ctx.Bind(&req); err != nil {
		return ProviderStatusRequest{}, err
	}
	req.normalize()
	return req, nil
}

func ProviderStatusFromStruct(s *structpb.Struct) (ProviderStatusRequest, error) {
	var req ProviderStatusRequest
	if err := decodeStruct(s, &req); err != nil {
		return ProviderStatusRequest{}, err
	}
	req.normalize()
	return req, nil
}

// Validate checks the reference and returns the parsed signal.
func (r *ProviderStatusRequest) Validate() (reconcile.ProviderSignal, error) {
	if r.MessageID == "" && r.ProviderMessageID == "" {
		return "", ErrMissingMessageRef
	}
	signal, err := reconcile.ParseSignal(r.Status)
	if err != nil {
		return "", ErrUnknownStatus
	}
	return signal, nil
}

func (r *ProviderStatusRequest) Ref() service.MessageRef {
	return service.MessageRef{MessageID: r.MessageID, ProviderMessageID: r.ProviderMessageID}
}

func (r *ProviderStatusRequest) normalize() {
	r.MessageID = strings.TrimSpace(r.MessageID)
	r.ProviderMessageID = strings.TrimSpace(r.ProviderMessageID)
	r.Status = strings.ToLower(strings.TrimSpace(r.Status))
	r.ErrorCode = strings.TrimSpace(r.ErrorCode)
}
