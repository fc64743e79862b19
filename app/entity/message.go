package entity

import "time"

const (
	BodyTypeHTML = "HTML"
	BodyTypeText = "Text"
)

type Address struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Attachment is passed through to the provider untouched. ContentBytes is base64.
type Attachment struct {
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	ContentBytes string `json:"content_bytes"`
}

// Envelope groups the recipient lists and attachments stored alongside a message.
type Envelope struct {
	To          []Address    `json:"to"`
	Cc          []Address    `json:"cc,omitempty"`
	Bcc         []Address    `json:"bcc,omitempty"`
	ReplyTo     []Address    `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Message struct {
	ID                string
	Seq               int64
	Sender            string
	Envelope          Envelope
	Subject           string
	BodyType          string
	Body              string
	Status            MessageStatus
	StatusReason      string
	ProviderMessageID string
	Attempts          int
	SentAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Recipients returns the To addresses as plain strings.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.Envelope.To))
	for _, addr := range m.Envelope.To {
		out = append(out, addr.Address)
	}
	return out
}
