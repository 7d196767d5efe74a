// Package mail delivers messages through an ordered list of providers,
// falling back to the next provider when one fails.
package mail

import (
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/example/relaykit/internal/htmltext"
	emailprovider "github.com/example/relaykit/internal/providers/email"
)

// ErrInvalidMessage is returned when a message cannot be delivered by any
// provider because it is malformed.
var ErrInvalidMessage = errors.New("mail: invalid message")

// Address is a mailbox with an optional display name.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// ParseAddress accepts either a bare address or the "Name <addr>" form.
func ParseAddress(value string) (Address, error) {
	parsed, err := netmail.ParseAddress(strings.TrimSpace(value))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidMessage, value, err)
	}
	return Address{Name: parsed.Name, Email: parsed.Address}, nil
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return (&netmail.Address{Name: a.Name, Address: a.Email}).String()
}

// Message is one outbound mail. It is consumed once by Coordinator.Deliver.
type Message struct {
	ID      string            `json:"id"`
	From    Address           `json:"from"`
	To      []Address         `json:"to"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	IsHTML  bool              `json:"is_html,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Validate checks the sender and recipients.
func (m Message) Validate() error {
	if strings.TrimSpace(m.From.Email) == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if _, err := netmail.ParseAddress(m.From.Email); err != nil {
		return fmt.Errorf("%w: sender %q: %v", ErrInvalidMessage, m.From.Email, err)
	}
	if len(m.To) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidMessage)
	}
	for _, to := range m.To {
		if _, err := netmail.ParseAddress(to.Email); err != nil {
			return fmt.Errorf("%w: recipient %q: %v", ErrInvalidMessage, to.Email, err)
		}
	}
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidMessage)
	}
	return nil
}

// Recipients returns the plain recipient addresses.
func (m Message) Recipients() []string {
	out := make([]string, 0, len(m.To))
	for _, to := range m.To {
		out = append(out, to.Email)
	}
	return out
}

// withID returns a copy of m carrying an id, generating one when empty.
func (m Message) withID() Message {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	return m
}

// payload converts the message for providers. HTML bodies get a plain text
// alternative.
func (m Message) payload() *emailprovider.Payload {
	p := &emailprovider.Payload{
		MessageID: m.ID,
		From:      m.From.Email,
		FromName:  m.From.Name,
		To:        m.Recipients(),
		Subject:   m.Subject,
		Headers:   make(map[string]string, len(m.Headers)),
	}
	for k, v := range m.Headers {
		p.Headers[k] = v
	}
	if m.IsHTML {
		p.HTMLBody = m.Body
		p.TextBody = htmltext.FromHTML(m.Body, true)
	} else {
		p.TextBody = m.Body
	}
	return p
}
