package delivery

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/coreybb/kindledrop/models"
)

// Message is one outbound email carrying an ebook attachment.
type Message struct {
	To             string
	Subject        string
	Body           string
	AttachmentPath string
	AttachmentName string
}

// MailSender is the adapter interface for outbound email. Each send
// carries the owning user's SMTP configuration, so one sender instance
// serves all users.
type MailSender interface {
	Send(ctx context.Context, cfg models.SMTPConfig, msg Message) error
	// Verify dials and authenticates without sending. Used by the
	// settings test-email endpoint.
	Verify(ctx context.Context, cfg models.SMTPConfig) error
}

// SMTPSender delivers mail directly over SMTP using per-user server
// credentials.
type SMTPSender struct {
	dialTimeout time.Duration
}

func NewSMTPSender() *SMTPSender {
	return &SMTPSender{dialTimeout: 30 * time.Second}
}

func (s *SMTPSender) Send(ctx context.Context, cfg models.SMTPConfig, msg Message) error {
	client, err := s.newClient(cfg)
	if err != nil {
		return err
	}

	m := mail.NewMsg()
	if err := m.From(cfg.FromEmail); err != nil {
		return &models.SendError{Kind: models.SendErrorRejected, Detail: fmt.Sprintf("invalid from address %q: %v", cfg.FromEmail, err)}
	}
	if err := m.To(msg.To); err != nil {
		return &models.SendError{Kind: models.SendErrorRejected, Detail: fmt.Sprintf("invalid recipient address %q: %v", msg.To, err)}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	if msg.AttachmentPath != "" {
		m.AttachFile(msg.AttachmentPath, mail.WithFileName(msg.AttachmentName))
	}

	log.Printf("INFO (SMTPSender): Sending '%s' to %s via %s:%d", msg.Subject, msg.To, cfg.Host, cfg.Port)

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return classifySendError(err)
	}
	return nil
}

func (s *SMTPSender) Verify(ctx context.Context, cfg models.SMTPConfig) error {
	client, err := s.newClient(cfg)
	if err != nil {
		return err
	}

	if err := client.DialWithContext(ctx); err != nil {
		return classifySendError(err)
	}
	return client.Close()
}

func (s *SMTPSender) newClient(cfg models.SMTPConfig) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(s.dialTimeout),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.UseTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, &models.SendError{Kind: models.SendErrorConnection, Detail: fmt.Sprintf("failed to create SMTP client for %s: %v", cfg.Host, err)}
	}
	return client, nil
}

// classifySendError maps raw SMTP failures onto the delivery error
// taxonomy so callers can report a stable category per failure mode.
func classifySendError(err error) *models.SendError {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return &models.SendError{Kind: models.SendErrorTimeout, Detail: err.Error()}
	case strings.Contains(msg, "535"),
		strings.Contains(msg, "auth"),
		strings.Contains(msg, "username"),
		strings.Contains(msg, "password"):
		return &models.SendError{Kind: models.SendErrorAuth, Detail: err.Error()}
	case strings.Contains(msg, "550"),
		strings.Contains(msg, "552"),
		strings.Contains(msg, "553"),
		strings.Contains(msg, "rejected"),
		strings.Contains(msg, "recipient"):
		return &models.SendError{Kind: models.SendErrorRejected, Detail: err.Error()}
	default:
		return &models.SendError{Kind: models.SendErrorConnection, Detail: err.Error()}
	}
}
