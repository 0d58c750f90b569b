// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"bytes"
	"fmt"
	"mime"
	stdmail "net/mail"
	"strings"

	"github.com/emersion/go-message/charset"
)

// SpamHeaderNames are the classification-relevant headers connectors fetch
// alongside each summary.
var SpamHeaderNames = []string{
	"X-Spam-Score",
	"X-Spam-Status",
	"X-Spam-Flag",
	"List-Unsubscribe",
	"Precedence",
}

func DecodeHeader(header string) string {
	if header == "" {
		return ""
	}

	dec := &mime.WordDecoder{
		CharsetReader: charset.Reader,
	}
	decoded, err := dec.DecodeHeader(header)
	if err != nil {
		// Undecodable words are worth more as-is than as an error
		return header
	}

	return decoded
}

// SpamHeaders extracts the classification-relevant headers from a raw header
// block. Headers that are absent stay absent from the map.
func SpamHeaders(rawHeader []byte) (map[string]string, error) {
	msg, err := stdmail.ReadMessage(bytes.NewReader(append(rawHeader, '\n')))
	if err != nil {
		return nil, fmt.Errorf("could not parse mail header: %w", err)
	}

	headers := map[string]string{}
	for _, name := range SpamHeaderNames {
		value := msg.Header.Get(name)
		if value != "" {
			headers[name] = value
		}
	}

	return headers, nil
}

func FormatAddress(addr *stdmail.Address) string {
	if addr.Name == "" {
		return addr.Address
	}
	return fmt.Sprintf("%s <%s>", DecodeHeader(addr.Name), addr.Address)
}

func ShortSubject(subject string) string {
	if (len(subject)) > 30 {
		subject = subject[:30] + "..."
	}
	return subject
}

// PlainTextBody pulls the text out of a raw message for classification. It is
// deliberately tolerant: on any parse problem the raw payload is returned so
// classification never fails on malformed mail.
func PlainTextBody(rawMail []byte) string {
	msg, err := stdmail.ReadMessage(bytes.NewReader(rawMail))
	if err != nil {
		return string(rawMail)
	}

	buf := &bytes.Buffer{}
	_, err = buf.ReadFrom(msg.Body)
	if err != nil {
		return string(rawMail)
	}

	return strings.TrimSpace(buf.String())
}
