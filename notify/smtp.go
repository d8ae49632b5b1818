/*
smtp.go - SMTP delivery of payout notices

PURPOSE:
  Production Sender plugging email delivery into the notification queue.
  Message content stays deliberately plain: subject plus a small set of
  key/value lines from the structured notice. Rich templating is a
  presentation concern that lives with whatever mail system consumes
  these, not here.

CONFIGURATION:
  Host, port, credentials and the From address come from the process
  config (SMTP_* variables), injected at construction.
*/
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/warp/investment-engine/invest"
)

// SMTPConfig carries the mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	AppName  string
}

// SMTPSender delivers notices over SMTP with PLAIN auth.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(_ context.Context, recipient, subject string, notice invest.PayoutNotice) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)

	var body strings.Builder
	fmt.Fprintf(&body, "From: %q <%s>\r\n", s.cfg.AppName, s.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", recipient)
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")

	fmt.Fprintf(&body, "Hi %s,\r\n\r\n", notice.UserFirstName)
	fmt.Fprintf(&body, "Event: %s\r\n", notice.Event)
	fmt.Fprintf(&body, "Plan: %s\r\n", notice.PlanName)
	fmt.Fprintf(&body, "Amount Credited: %s %s\r\n", notice.Profit.StringFixed(2), notice.AssetSymbol)
	if notice.CapitalReturned.IsPositive() {
		fmt.Fprintf(&body, "Capital Returned: %s %s\r\n", notice.CapitalReturned.StringFixed(2), notice.AssetSymbol)
		fmt.Fprintf(&body, "Total Profit Earned: %s %s\r\n", notice.TotalPaid.StringFixed(2), notice.AssetSymbol)
	}
	fmt.Fprintf(&body, "Date: %s\r\n", notice.At.Format("2006-01-02 15:04:05 MST"))

	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{recipient}, []byte(body.String())); err != nil {
		return fmt.Errorf("smtp send to %s failed: %w", recipient, err)
	}
	return nil
}
