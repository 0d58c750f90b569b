// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/CrawX/go-mail-warden/domain"

	"github.com/emersion/go-message/mail"
)

// BuildOutgoing assembles the full MIME message for an outgoing mail.
func BuildOutgoing(from string, message *domain.OutgoingMessage) ([]byte, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("could not parse sender address: %w", err)
	}

	toAddrs := []*mail.Address{}
	for _, to := range message.To {
		addr, err := mail.ParseAddress(to)
		if err != nil {
			return nil, fmt.Errorf("could not parse recipient address: %w", err)
		}
		toAddrs = append(toAddrs, addr)
	}

	header := mail.Header{}
	header.SetDate(time.Now())
	header.SetAddressList("From", []*mail.Address{fromAddr})
	header.SetAddressList("To", toAddrs)
	header.SetSubject(message.Subject)

	buffer := &bytes.Buffer{}
	mailWriter, err := mail.CreateWriter(buffer, header)
	if err != nil {
		return nil, fmt.Errorf("could not create mail writer: %w", err)
	}

	textPart, err := mailWriter.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("could not create mail text part: %w", err)
	}
	inlineHeader := mail.InlineHeader{}
	if message.Html {
		inlineHeader.Set("Content-Type", "text/html; charset=utf-8")
	} else {
		inlineHeader.Set("Content-Type", "text/plain; charset=utf-8")
	}
	textPartWriter, err := textPart.CreatePart(inlineHeader)
	if err != nil {
		return nil, fmt.Errorf("could not create text part: %w", err)
	}
	_, err = io.WriteString(textPartWriter, message.Body)
	if err != nil {
		return nil, fmt.Errorf("could not write text part: %w", err)
	}
	err = textPartWriter.Close()
	if err != nil {
		return nil, fmt.Errorf("could not close text part writer: %w", err)
	}
	err = textPart.Close()
	if err != nil {
		return nil, fmt.Errorf("could not close text part: %w", err)
	}

	for _, attachment := range message.Attachments {
		attachmentHeader := mail.AttachmentHeader{}
		contentType := attachment.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		attachmentHeader.Set("Content-Type", contentType)
		attachmentHeader.SetFilename(attachment.Filename)
		attachmentWriter, err := mailWriter.CreateAttachment(attachmentHeader)
		if err != nil {
			return nil, fmt.Errorf("could not create attachment part: %w", err)
		}
		_, err = attachmentWriter.Write(attachment.Data)
		if err != nil {
			return nil, fmt.Errorf("could not write attachment: %w", err)
		}
		err = attachmentWriter.Close()
		if err != nil {
			return nil, fmt.Errorf("could not close attachment writer: %w", err)
		}
	}

	err = mailWriter.Close()
	if err != nil {
		return nil, fmt.Errorf("could not close mail writer: %w", err)
	}

	return buffer.Bytes(), nil
}
