// Package email implements the outbound notification subsystem: message
// value types, the provider port, and the console, SMTP, and SES
// implementations.
package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Priority of an outbound message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Validation errors.
var (
	ErrNoRecipients = errors.New("email: message has no recipients")
	ErrNoSubject    = errors.New("email: message has no subject")
	ErrNoBody       = errors.New("email: message has neither html nor text body")
)

// Attachment is a file carried with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
}

// Message is one outbound email. At least one recipient, a subject, and one
// of HTMLBody/TextBody are required; Validate enforces this and case-folds
// all addresses.
type Message struct {
	To          []string          `json:"to"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	HTMLBody    string            `json:"html_body,omitempty"`
	TextBody    string            `json:"text_body,omitempty"`
	FromEmail   string            `json:"from_email,omitempty"`
	FromName    string            `json:"from_name,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Priority    Priority          `json:"priority,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the message invariants and normalizes it in place:
// addresses case-folded and trimmed, empty entries dropped, default priority
// applied.
func (m *Message) Validate() error {
	m.To = foldAddresses(m.To)
	m.Cc = foldAddresses(m.Cc)
	m.Bcc = foldAddresses(m.Bcc)
	m.FromEmail = foldAddress(m.FromEmail)
	m.ReplyTo = foldAddress(m.ReplyTo)

	if len(m.To)+len(m.Cc)+len(m.Bcc) == 0 {
		return ErrNoRecipients
	}
	for _, addr := range m.Recipients() {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("email: invalid address %q: %w", addr, err)
		}
	}
	if strings.TrimSpace(m.Subject) == "" {
		return ErrNoSubject
	}
	if m.HTMLBody == "" && m.TextBody == "" {
		return ErrNoBody
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	return nil
}

// Recipients returns every unique recipient across To, Cc, and Bcc.
func (m *Message) Recipients() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, addr := range list {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// From renders the sender for message headers.
func (m *Message) From() string {
	if m.FromName != "" {
		return fmt.Sprintf("%s <%s>", m.FromName, m.FromEmail)
	}
	return m.FromEmail
}

func foldAddresses(addrs []string) []string {
	var out []string
	for _, addr := range addrs {
		if folded := foldAddress(addr); folded != "" {
			out = append(out, folded)
		}
	}
	return out
}

func foldAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Result is the outcome of one send attempt. Providers never return errors
// to the caller; failures are carried here.
type Result struct {
	Success    bool              `json:"success"`
	MessageID  string            `json:"message_id,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Provider   string            `json:"provider"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RetryAfter *time.Duration    `json:"retry_after,omitempty"`
}

func successResult(provider, messageID string) *Result {
	return &Result{
		Success:   true,
		MessageID: messageID,
		Provider:  provider,
		Timestamp: time.Now().UTC(),
	}
}

func failureResult(provider, code, errMsg string) *Result {
	return &Result{
		Success:   false,
		Error:     errMsg,
		ErrorCode: code,
		Provider:  provider,
		Timestamp: time.Now().UTC(),
	}
}
