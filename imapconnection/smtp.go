// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/CrawX/go-mail-warden/domain"
	mailutil "github.com/CrawX/go-mail-warden/mail"

	"github.com/sirupsen/logrus"
)

const smtpTimeout = 30 * time.Second

// Send delivers the message through the account's SMTP endpoint. Port 465
// speaks TLS from the first byte, everything else negotiates STARTTLS.
func (ic *ImapConnection) Send(ctx context.Context, message *domain.OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return &domain.ConnectionError{Op: "send", Err: err}
	}

	password, err := ic.vault.Get(ic.account.AccountId, domain.CredentialAppPassword)
	if err != nil {
		return err
	}

	raw, err := mailutil.BuildOutgoing(ic.account.EmailAddress, message)
	if err != nil {
		return fmt.Errorf("could not build outgoing mail: %w", err)
	}

	host := ic.account.Transport.SmtpHost
	addr := fmt.Sprintf("%s:%d", host, ic.account.Transport.SmtpPort)

	var smtpClient *smtp.Client
	if ic.account.Transport.SmtpPort == 465 {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: smtpTimeout}, "tcp", addr, &tls.Config{ServerName: host})
		if err != nil {
			return &domain.ConnectionError{Op: "dial smtp", Err: err}
		}
		smtpClient, err = smtp.NewClient(conn, host)
		if err != nil {
			_ = conn.Close()
			return &domain.ConnectionError{Op: "smtp handshake", Err: err}
		}
	} else {
		conn, err := net.DialTimeout("tcp", addr, smtpTimeout)
		if err != nil {
			return &domain.ConnectionError{Op: "dial smtp", Err: err}
		}
		smtpClient, err = smtp.NewClient(conn, host)
		if err != nil {
			_ = conn.Close()
			return &domain.ConnectionError{Op: "smtp handshake", Err: err}
		}
		if err = smtpClient.StartTLS(&tls.Config{ServerName: host}); err != nil {
			_ = smtpClient.Close()
			return &domain.ConnectionError{Op: "smtp starttls", Err: err}
		}
	}
	defer smtpClient.Close()

	auth := smtp.PlainAuth("", ic.account.EmailAddress, password, host)
	if err = smtpClient.Auth(auth); err != nil {
		return &domain.AuthenticationError{AccountId: ic.account.AccountId, Reason: err.Error()}
	}

	if err = smtpClient.Mail(ic.account.EmailAddress); err != nil {
		return &domain.ConnectionError{Op: "smtp mail from", Err: err}
	}
	for _, to := range message.To {
		if err = smtpClient.Rcpt(to); err != nil {
			return &domain.ConnectionError{Op: "smtp rcpt to", Err: err}
		}
	}

	writer, err := smtpClient.Data()
	if err != nil {
		return &domain.ConnectionError{Op: "smtp data", Err: err}
	}
	if _, err = writer.Write(raw); err != nil {
		return &domain.ConnectionError{Op: "smtp write", Err: err}
	}
	if err = writer.Close(); err != nil {
		return &domain.ConnectionError{Op: "smtp close", Err: err}
	}

	ic.l.WithFields(logrus.Fields{"account": ic.account.AccountId, "recipients": len(message.To)}).Info("Sent mail")
	return smtpClient.Quit()
}
