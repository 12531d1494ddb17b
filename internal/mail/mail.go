// Package mail delivers account verification mail.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xtrntr/agriloop/internal/config"
)

// Mailer sends the verification link to a freshly signed up user
type Mailer interface {
	SendVerification(ctx context.Context, to, fullName, link string) error
}

const verifySubject = "Verify your email - AgriLoop"

var verifyTmpl = template.Must(template.New("verify").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2>Welcome to AgriLoop, {{.FullName}}!</h2>
  <p>Thank you for signing up. Please verify your email address to complete your registration.</p>
  <p><a href="{{.Link}}" style="background-color: #4CAF50; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; display: inline-block;">Verify Email Address</a></p>
  <p>If the button doesn't work, you can also click this link:</p>
  <p><a href="{{.Link}}">{{.Link}}</a></p>
  <p>If you didn't create this account, please ignore this email.</p>
</div>
`))

// VerificationBody renders the HTML body of the verification mail
func VerificationBody(fullName, link string) (string, error) {
	var buf bytes.Buffer
	if err := verifyTmpl.Execute(&buf, struct{ FullName, Link string }{fullName, link}); err != nil {
		return "", fmt.Errorf("render verification mail: %w", err)
	}
	return buf.String(), nil
}

// SMTPMailer sends through an authenticated SMTP relay
type SMTPMailer struct {
	addr string
	auth smtp.Auth
	from string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPMailer{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		auth: auth,
		from: from,
		send: smtp.SendMail,
	}
}

func (m *SMTPMailer) SendVerification(ctx context.Context, to, fullName, link string) error {
	body, err := VerificationBody(fullName, link)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.send(m.addr, m.auth, m.from, []string{to}, buildMessage(m.from, to, verifySubject, body)); err != nil {
		return fmt.Errorf("failed to send verification mail: %w", err)
	}
	return nil
}

func buildMessage(from, to, subject, htmlBody string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return []byte(b.String())
}

// LogMailer only logs the link. Used when no SMTP host is configured.
type LogMailer struct {
	log *zap.Logger
}

func NewLogMailer(log *zap.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) SendVerification(ctx context.Context, to, fullName, link string) error {
	m.log.Info("Verification mail not sent, no SMTP host configured",
		zap.String("to", to),
		zap.String("link", link))
	return nil
}
