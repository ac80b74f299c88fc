// Package mail defines the MailSender port used by internal/otp and the
// notification paths to dispatch one-time codes and notification emails,
// and adapts the SMTP client in internal/email to satisfy it.
package mail

import "context"

// Sender dispatches a plain-text email. Both internal/otp.MailSender and
// internal/authstate depend on this narrow interface rather than a concrete
// SMTP client, so they can be tested without a live mail server.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPClient is the subset of internal/email.Client this adapter needs.
type SMTPClient interface {
	Send(to, subject, body string) error
}

// SMTPSender adapts an internal/email.Client to the Sender interface.
type SMTPSender struct {
	client SMTPClient
}

// NewSMTPSender wraps an SMTP client as a Sender.
func NewSMTPSender(client SMTPClient) *SMTPSender {
	return &SMTPSender{client: client}
}

// Send ignores ctx: the SMTP client dials synchronously per call and
// exposes no context-aware variant.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	return s.client.Send(to, subject, body)
}
