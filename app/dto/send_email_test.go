package dto

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vibast-solutions/ms-go-mailer/app/reconcile"
)

func validRequest() SendEmailRequest {
	return SendEmailRequest{
		From:    "sender@example.com",
		To:      []AddressRequest{{Address: "a@b.com"}},
		Subject: "subj",
		Body:    "<p>content</p>",
	}
}

func TestSendEmailRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(r *SendEmailRequest)
		err    error
	}{
		{name: "missing fields", mutate: func(r *SendEmailRequest) { *r = SendEmailRequest{} }, err: ErrMissingFields},
		{name: "invalid recipient", mutate: func(r *SendEmailRequest) { r.Cc = []AddressRequest{{Address: "bad"}} }, err: ErrInvalidRecipient},
		{name: "invalid sender", mutate: func(r *SendEmailRequest) { r.From = "nope" }, err: ErrInvalidSender},
		{name: "subject line break", mutate: func(r *SendEmailRequest) { r.Subject = "a\nb" }, err: ErrInvalidHeaderValue},
		{name: "body type", mutate: func(r *SendEmailRequest) { r.BodyType = "markdown" }, err: ErrInvalidBodyType},
		{name: "attachment", mutate: func(r *SendEmailRequest) {
			r.Attachments = []AttachmentRequest{{Name: "a.txt", ContentBytes: "%%%"}}
		}, err: ErrInvalidAttachment},
		{name: "valid", mutate: func(*SendEmailRequest) {}, err: nil},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := validRequest()
			tc.mutate(&req)
			if err := req.Validate(); err != tc.err {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestSendEmailFromEchoContextNormalizes(t *testing.T) {
	t.Parallel()

	e := echo.New()
	body := `{"id":" m-1 ","from":" s@example.com ","to":[{"address":" a@b.com ","name":" A "}],"subject":" subj ","body":" <p>x</p> "}`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := e.NewContext(req, httptest.NewRecorder())

	dto, err := SendEmailFromEchoContext(ctx)
	if err != nil {
		t.Fatalf("SendEmailFromEchoContext returned error: %v", err)
	}
	if dto.ID != "m-1" || dto.From != "s@example.com" || dto.To[0].Address != "a@b.com" || dto.To[0].Name != "A" || dto.Subject != "subj" {
		t.Fatalf("unexpected normalization: %+v", dto)
	}
	if dto.Body != " <p>x</p> " {
		t.Fatalf("body must be kept as sent, got %q", dto.Body)
	}

	input := dto.ToInput()
	if input.Sender != "s@example.com" || len(input.Envelope.To) != 1 || input.Envelope.Cc != nil {
		t.Fatalf("unexpected input %+v", input)
	}
}

func TestSendEmailFromStruct(t *testing.T) {
	t.Parallel()

	s, err := structpb.NewStruct(map[string]any{
		"to":      []any{map[string]any{"address": "a@b.com"}},
		"subject": " subj ",
		"body":    "content",
	})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}

	dto, err := SendEmailFromStruct(s)
	if err != nil {
		t.Fatalf("SendEmailFromStruct: %v", err)
	}
	if dto.Subject != "subj" || len(dto.To) != 1 || dto.To[0].Address != "a@b.com" {
		t.Fatalf("unexpected dto: %+v", dto)
	}
	if err := dto.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestProviderStatusRequestValidate(t *testing.T) {
	t.Parallel()

	req := ProviderStatusRequest{ProviderMessageID: "req-1", Status: "delivered"}
	signal, err := req.Validate()
	if err != nil || signal != reconcile.SignalDelivered {
		t.Fatalf("unexpected result %v, %v", signal, err)
	}

	req = ProviderStatusRequest{Status: "delivered"}
	if _, err := req.Validate(); err != ErrMissingMessageRef {
		t.Fatalf("expected ErrMissingMessageRef, got %v", err)
	}

	req = ProviderStatusRequest{MessageID: "m-1", Status: "opened"}
	if _, err := req.Validate(); err != ErrUnknownStatus {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestProviderStatusFromStructNormalizes(t *testing.T) {
	t.Parallel()

	s, _ := structpb.NewStruct(map[string]any{"message_id": " m-1 ", "status": " PERMANENT_FAILURE "})
	req, err := ProviderStatusFromStruct(s)
	if err != nil {
		t.Fatalf("ProviderStatusFromStruct: %v", err)
	}
	if req.MessageID != "m-1" || req.Status != "permanent_failure" {
		t.Fatalf("unexpected normalization: %+v", req)
	}
}
