package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"parcel/internal/config"
	"parcel/internal/logging"
)

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPClient delivers messages through a mail relay.
type SMTPClient struct {
	from   string
	to     string
	sender sender
	now    func() time.Time
	logger *slog.Logger
}

// NewSMTPClient constructs a relay client from configuration.
func NewSMTPClient(cfg config.SMTP, logger *slog.Logger) (*SMTPClient, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	var opts []mail.Option
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.TimeoutSeconds > 0 {
		opts = append(opts, mail.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	switch cfg.TLSPolicy {
	case "ssl":
		opts = append(opts, mail.WithSSL())
	case "opportunistic":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	switch cfg.Auth {
	case "login":
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthLogin), mail.WithUsername(cfg.Username), mail.WithPassword(cfg.Password))
	case "plain":
		if cfg.Username != "" {
			opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain), mail.WithUsername(cfg.Username), mail.WithPassword(cfg.Password))
		}
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return newSMTPClient(cfg.From, cfg.To, client, logger), nil
}

func newSMTPClient(from, to string, s sender, logger *slog.Logger) *SMTPClient {
	return &SMTPClient{
		from:   from,
		to:     to,
		sender: s,
		now:    time.Now,
		logger: logging.NewComponentLogger(logger, "dispatch"),
	}
}

// Send implements Client.
func (c *SMTPClient) Send(ctx context.Context, attachments []Attachment, subject string) (Receipt, error) {
	msg, messageID, err := c.compose(attachments, subject)
	if err != nil {
		return Receipt{}, &DispatchError{Subject: subject, Attachments: attachmentNames(attachments), Err: err}
	}
	if err := c.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return Receipt{}, &DispatchError{Subject: subject, Attachments: attachmentNames(attachments), Err: err}
	}
	receipt := Receipt{MessageID: messageID, SentAt: c.now()}
	logging.WithContext(ctx, c.logger).Debug("message accepted",
		logging.String("subject", subject),
		logging.String("message_id", messageID),
		logging.Int("attachments", len(attachments)),
	)
	return receipt, nil
}

func (c *SMTPClient) compose(attachments []Attachment, subject string) (*mail.Msg, string, error) {
	msg := mail.NewMsg()
	if err := msg.From(c.from); err != nil {
		return nil, "", fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(c.to); err != nil {
		return nil, "", fmt.Errorf("to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetDate()
	messageID := uuid.NewString() + "@parcel"
	msg.SetMessageIDWithValue(messageID)

	body, err := Body(attachments)
	if err != nil {
		return nil, "", err
	}
	msg.SetBodyString(mail.TypeTextPlain, body)
	for _, a := range attachments {
		opts := []mail.FileOption{mail.WithFileName(a.Filename)}
		if a.MIMEKind != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(a.MIMEKind)))
		}
		msg.AttachFile(a.Path, opts...)
	}
	return msg, messageID, nil
}

// Body renders the plain text body listing each attachment and its size.
func Body(attachments []Attachment) (string, error) {
	var b strings.Builder
	b.WriteString("Attached:\n")
	for _, a := range attachments {
		info, err := os.Stat(a.Path)
		if err != nil {
			return "", fmt.Errorf("attachment %s: %w", a.Filename, err)
		}
		name := a.Filename
		if name == "" {
			name = filepath.Base(a.Path)
		}
		fmt.Fprintf(&b, "  %s (%s)\n", name, humanize.IBytes(uint64(info.Size())))
	}
	return b.String(), nil
}

// NewClient returns the Noop client in dry-run mode and an SMTPClient
// otherwise.
func NewClient(cfg *config.Config, logger *slog.Logger) (Client, error) {
	if cfg.Delivery.DryRun {
		return NewNoop(logger), nil
	}
	if err := cfg.ValidateDispatch(); err != nil {
		return nil, err
	}
	return NewSMTPClient(cfg.SMTP, logger)
}
