// Package notification renders and sends the service's outbound email.
// Only the guest sign-in code is sent today.
package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const TemplateGuestOTP = "guest-otp"

// EmailSender delivers one message.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Template is a subject and body with {{key}} placeholders.
type Template struct {
	ID      string
	Subject string
	Body    string
}

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.Register(Template{
		ID:      TemplateGuestOTP,
		Subject: "Your e-Triage sign-in code",
		Body:    "Your sign-in code is {{code}}. It expires in {{minutes}} minutes. If you did not request it, ignore this message.",
	})
	return e
}

func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render fills every {{key}} in the template from data. Unknown keys are
// left as written.
func (e *TemplateEngine) Render(id string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", id)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// LogSender writes messages to the log instead of sending them. It is the
// default when no SMTP relay is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "mail").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Str("body", body).Msg("email not sent: no relay configured")
	return nil
}

// SMTPSender relays through a plain SMTP server, with PLAIN auth when a
// username is set.
type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(addr, from, username, password string) *SMTPSender {
	s := &SMTPSender{addr: addr, from: from, send: smtp.SendMail}
	if username != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i > 0 {
			host = addr[:i]
		}
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := strings.Join([]string{
		"From: " + s.from,
		"To: " + to,
		"Subject: " + subject,
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
	if err := s.send(s.addr, s.auth, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// Mailer renders templates and sends them, retrying transient failures.
type Mailer struct {
	sender    EmailSender
	templates *TemplateEngine
	attempts  int
	backoff   time.Duration
}

type MailerOption func(*Mailer)

func WithRetry(attempts int, backoff time.Duration) MailerOption {
	return func(m *Mailer) {
		if attempts > 0 {
			m.attempts = attempts
		}
		m.backoff = backoff
	}
}

func NewMailer(sender EmailSender, tpl *TemplateEngine, opts ...MailerOption) *Mailer {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	m := &Mailer{sender: sender, templates: tpl, attempts: 3, backoff: 500 * time.Millisecond}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Mailer) SendTemplate(ctx context.Context, id, to string, data map[string]string) error {
	subject, body, err := m.templates.Render(id, data)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err = m.sender.SendEmail(ctx, to, subject, body)
		if err == nil || attempt >= m.attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff * time.Duration(attempt)):
		}
	}
}
