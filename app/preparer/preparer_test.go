package preparer

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

func testMessage() *entity.Message {
	return &entity.Message{
		ID:     "msg-1",
		Sender: " ",
		Envelope: entity.Envelope{
			To:  []entity.Address{{Address: " user@example.com ", Name: "User"}, {Address: ""}},
			Bcc: []entity.Address{{Address: "hidden@example.com"}},
		},
		Subject: " Hello ",
		Body:    "<p>Hi</p>",
	}
}

func TestChainNormalizesCopy(t *testing.T) {
	t.Parallel()

	stored := testMessage()
	chain := NewChain(NewNormalizeStep("noreply@example.com"))

	out, err := chain.Prepare(context.Background(), stored)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if out.From.Address != "noreply@example.com" {
		t.Fatalf("expected default sender, got %q", out.From.Address)
	}
	if out.Subject != "Hello" {
		t.Fatalf("expected trimmed subject, got %q", out.Subject)
	}
	if out.BodyType != entity.BodyTypeHTML {
		t.Fatalf("expected HTML body type, got %q", out.BodyType)
	}
	if len(out.To) != 1 || out.To[0].Address != "user@example.com" {
		t.Fatalf("unexpected recipients: %+v", out.To)
	}
	if stored.Envelope.To[0].Address != " user@example.com " {
		t.Fatalf("stored message was modified: %+v", stored.Envelope.To)
	}
	if got := out.AllRecipients(); len(got) != 2 || got[1] != "hidden@example.com" {
		t.Fatalf("unexpected AllRecipients: %v", got)
	}
}

func TestNormalizeStepRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(msg *entity.Message)
	}{
		{"subject line break", func(msg *entity.Message) { msg.Subject = "Hi\r\nBcc: x@example.com" }},
		{"no recipients", func(msg *entity.Message) { msg.Envelope = entity.Envelope{} }},
		{"body type", func(msg *entity.Message) { msg.BodyType = "Markdown" }},
		{"address header injection", func(msg *entity.Message) {
			msg.Envelope.Cc = []entity.Address{{Address: "a@example.com\nX: y"}}
		}},
		{"attachment without name", func(msg *entity.Message) {
			msg.Envelope.Attachments = []entity.Attachment{{ContentBytes: "aGk="}}
		}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg := testMessage()
			tc.mutate(msg)
			_, err := NewChain(NewNormalizeStep("noreply@example.com")).Prepare(context.Background(), msg)
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestNormalizeStepRequiresSender(t *testing.T) {
	t.Parallel()

	_, err := NewChain(NewNormalizeStep("")).Prepare(context.Background(), testMessage())
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestMIMEStepSinglePart(t *testing.T) {
	t.Parallel()

	out, err := NewChain(NewNormalizeStep("noreply@example.com"), NewMIMEStep()).Prepare(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	raw := string(out.Raw)
	for _, want := range []string{
		"From: <noreply@example.com>\r\n",
		"To: \"User\" <user@example.com>\r\n",
		"Subject: Hello\r\n",
		"Content-Type: text/html; charset=UTF-8\r\n",
		base64.StdEncoding.EncodeToString([]byte("<p>Hi</p>")),
	} {
		if !strings.Contains(raw, want) {
			t.Fatalf("raw message missing %q:\n%s", want, raw)
		}
	}
	if strings.Contains(raw, "hidden@example.com") {
		t.Fatalf("bcc leaked into headers:\n%s", raw)
	}
}

func TestMIMEStepAttachments(t *testing.T) {
	t.Parallel()

	msg := testMessage()
	msg.BodyType = entity.BodyTypeText
	msg.Envelope.Attachments = []entity.Attachment{{
		Name:         "report.txt",
		ContentType:  "text/plain",
		ContentBytes: base64.StdEncoding.EncodeToString([]byte("report")),
	}}

	step := &MIMEStep{boundary: "mailer-boundary"}
	out, err := NewChain(NewNormalizeStep("noreply@example.com"), step).Prepare(context.Background(), msg)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	raw := string(out.Raw)
	for _, want := range []string{
		"Content-Type: multipart/mixed; boundary=mailer-boundary\r\n",
		"--mailer-boundary\r\n",
		"text/plain; charset=UTF-8",
		"Content-Disposition: attachment; filename=report.txt",
		"--mailer-boundary--",
	} {
		if !strings.Contains(raw, want) {
			t.Fatalf("raw message missing %q:\n%s", want, raw)
		}
	}
}

func TestMIMEStepRejectsBadAttachment(t *testing.T) {
	t.Parallel()

	msg := testMessage()
	msg.Envelope.Attachments = []entity.Attachment{{Name: "a.bin", ContentBytes: "***"}}

	_, err := NewChain(NewNormalizeStep("noreply@example.com"), NewMIMEStep()).Prepare(context.Background(), msg)
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}
