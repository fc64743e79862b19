package preparer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

// MIMEStep renders the message as a raw RFC 5322 document. Bcc recipients
// are left out of the headers.
type MIMEStep struct {
	// boundary overrides the random multipart boundary in tests.
	boundary string
}

func NewMIMEStep() *MIMEStep {
	return &MIMEStep{}
}

func (s *MIMEStep) Prepare(_ context.Context, msg *OutboundMessage) error {
	var buf bytes.Buffer
	writeHeader(&buf, "From", formatAddress(msg.From))
	if len(msg.To) > 0 {
		writeHeader(&buf, "To", formatAddressList(msg.To))
	}
	if len(msg.Cc) > 0 {
		writeHeader(&buf, "Cc", formatAddressList(msg.Cc))
	}
	if len(msg.ReplyTo) > 0 {
		writeHeader(&buf, "Reply-To", formatAddressList(msg.ReplyTo))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "MIME-Version", "1.0")

	if len(msg.Attachments) == 0 {
		writeHeader(&buf, "Content-Type", bodyContentType(msg.BodyType))
		writeHeader(&buf, "Content-Transfer-Encoding", "base64")
		buf.WriteString("\r\n")
		writeBase64(&buf, []byte(msg.Body))
		msg.Raw = buf.Bytes()
		return nil
	}

	mw := multipart.NewWriter(&buf)
	if s.boundary != "" {
		if err := mw.SetBoundary(s.boundary); err != nil {
			return fmt.Errorf("set boundary: %w", err)
		}
	}
	writeHeader(&buf, "Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {bodyContentType(msg.BodyType)},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return fmt.Errorf("create body part: %w", err)
	}
	writeBase64(body, []byte(msg.Body))

	for i, att := range msg.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.ContentBytes)
		if err != nil {
			return fmt.Errorf("%w: attachment %d is not valid base64", ErrInvalidMessage, i)
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {att.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": att.Name})},
		})
		if err != nil {
			return fmt.Errorf("create attachment part: %w", err)
		}
		writeBase64(part, content)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	msg.Raw = buf.Bytes()
	return nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// writeBase64 wraps encoded content at 76 columns.
func writeBase64(w io.Writer, content []byte) {
	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > 76 {
		_, _ = w.Write([]byte(encoded[:76] + "\r\n"))
		encoded = encoded[76:]
	}
	_, _ = w.Write([]byte(encoded + "\r\n"))
}

func bodyContentType(bodyType string) string {
	if bodyType == entity.BodyTypeText {
		return "text/plain; charset=UTF-8"
	}
	return "text/html; charset=UTF-8"
}

func formatAddress(addr entity.Address) string {
	return (&mail.Address{Name: addr.Name, Address: addr.Address}).String()
}

func formatAddressList(list []entity.Address) string {
	parts := make([]string, 0, len(list))
	for _, addr := range list {
		parts = append(parts, formatAddress(addr))
	}
	return strings.Join(parts, ", ")
}
