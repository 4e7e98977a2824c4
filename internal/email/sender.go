package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/config"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type smtpSender struct {
	cfg    config.SMTP
	logger *zap.Logger
	tracer trace.Tracer
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg config.SMTP, logger *zap.Logger) Sender {
	return &smtpSender{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("email"),
		send:   smtp.SendMail,
	}
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-version: 1.0;\r\nContent-Type: text/plain; charset=\"UTF-8\";\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func (s *smtpSender) Send(ctx context.Context, to, subject, body string) error {
	ctx, span := s.tracer.Start(ctx, "smtp.Send")
	defer span.End()

	span.SetAttributes(
		attribute.String("to.email", to),
		attribute.String("subject", subject),
	)

	if to == "" {
		return fmt.Errorf("no recipient for %q", subject)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}

	logger.Info(ctx, s.logger, "Sending email", zap.String("to", to), zap.String("subject", subject))

	if err := s.send(addr, auth, s.cfg.From, []string{to}, buildMessage(s.cfg.From, to, subject, body)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to send mail: %w", err)
	}

	logger.Info(ctx, s.logger, "Email sent", zap.String("to", to))
	return nil
}
