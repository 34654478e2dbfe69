// Package email wraps the parsed message the relay works on: an ordered,
// case-preserving header plus an opaque body. The relay rewrites headers and
// forwards the body verbatim, so MIME structure is never parsed.
package email

import (
	"bytes"
	"fmt"
	"net/mail"

	"github.com/zostay/go-email/v2/message"
	"github.com/zostay/go-email/v2/message/header"
)

// Message is one inbound mail message. The body reader is consumed by
// Bytes(), which may therefore be called only once per message.
type Message struct {
	msg message.Generic
}

// Parse parses raw RFC 5322 bytes into a Message. The body is kept opaque:
// multipart boundaries and transfer encodings pass through untouched.
func Parse(raw []byte) (*Message, error) {
	msg, err := message.Parse(bytes.NewReader(raw), message.WithoutMultipart())
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &Message{msg: msg}, nil
}

// Header returns the message header for in-place rewriting. Field names
// match case-insensitively but keep their original case, and field order is
// preserved.
func (m *Message) Header() *header.Header {
	return m.msg.GetHeader()
}

// SenderAddress extracts the bare addr-spec from the From field. The display
// name is discarded; only the address takes part in authorization and rate
// limiting.
func (m *Message) SenderAddress() (string, error) {
	from, err := m.msg.GetHeader().Get(header.From)
	if err != nil {
		return "", fmt.Errorf("message has no From header: %w", err)
	}

	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "", fmt.Errorf("failed to parse From address %q: %w", from, err)
	}
	return addr.Address, nil
}

// Bytes renders the message, header and body, into wire form. It consumes
// the body reader and must only be called once, after all header rewriting
// is done.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.msg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}
	return buf.Bytes(), nil
}
