package notify

import (
	"fmt"
	"log/slog"
	"strings"

	"nacospoll/internal/config"

	"gopkg.in/gomail.v2"
)

// Mailer 邮件投递接口，otp 包通过它发送验证码。
type Mailer interface {
	Send(to string, subject string, body string) error
}

// EmailNotifier 基于 SMTP 的邮件投递实现。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// Send 发送一封纯文本邮件。
//
// 配置不完整或收件人为空视为错误返回，调用方据此中止所在流程，
// 避免留下一条永远送不到的验证码。
func (n *EmailNotifier) Send(to string, subject string, body string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		return fmt.Errorf("email config missing")
	}
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("empty recipient")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email sent", slog.String("to", to), slog.String("subject", subject))
	return nil
}
