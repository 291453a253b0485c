package delivery

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSender sends outbound email replies. No example repo in the pack
// retains a concrete SMTP client implementation (only a reference to one
// behind an unexported pool type), so this is built directly on
// net/smtp; see DESIGN.md for the justification.
type SMTPSender struct {
	host        string
	from        string
	auth        smtp.Auth
}

func NewSMTPSender(host, username, password, from string) *SMTPSender {
	hostname := host
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		hostname = host[:idx]
	}
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, hostname)
	}
	return &SMTPSender{host: host, from: from, auth: auth}
}

// SendReply implements delivery.EmailSender, threading the reply via
// In-Reply-To/References headers when prior message headers are known.
func (s *SMTPSender) SendReply(ctx context.Context, to, subject, body, inReplyTo, references string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", inReplyTo)
	}
	if references != "" {
		fmt.Fprintf(&b, "References: %s\r\n", references)
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.host, s.auth, s.from, []string{to}, []byte(b.String()))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email reply: %w", err)
		}
		return nil
	}
}
