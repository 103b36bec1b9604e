package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/mail"
	"time"
)

// EmailMessage is a raw inbound email plus the meta headers the
// pipeline attaches to it.
type EmailMessage struct {
	Raw     []byte
	Time    time.Time
	Subject string
}

// ReadEmail consumes a raw RFC 5322 message (normally from stdin, the
// way the MTA hands it over) and extracts mail_time and mail_subject.
func ReadEmail(r io.Reader) (*EmailMessage, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("email: read: %w", err)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("email: parse: %w", err)
	}

	out := &EmailMessage{Raw: raw, Subject: msg.Header.Get("Subject")}
	if t, err := msg.Header.Date(); err == nil {
		out.Time = t.UTC()
	}
	return out, nil
}

// EmailCollector publishes one raw inbound email per run, the way the
// MTA pipes it into the process.
type EmailCollector struct {
	SourceID    string
	ContentType string
	In          io.Reader
}

func (c *EmailCollector) Source() string { return c.SourceID }

func (c *EmailCollector) Fetch(ctx context.Context) ([]Message, error) {
	m, err := ReadEmail(c.In)
	if err != nil {
		return nil, err
	}
	return []Message{m.Message(c.ContentType)}, nil
}

// Message converts the email into a raw bus message with meta headers.
func (m *EmailMessage) Message(contentType string) Message {
	meta := map[string]any{
		"mail_subject": m.Subject,
	}
	if !m.Time.IsZero() {
		meta["mail_time"] = m.Time.Format("2006-01-02 15:04:05")
	}
	return Message{
		Body:        m.Raw,
		Type:        TypeFile,
		ContentType: contentType,
		Meta:        meta,
	}
}
