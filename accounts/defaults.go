// SPDX-License-Identifier: GPL-3.0-or-later
package accounts

import "github.com/CrawX/go-mail-warden/domain"

// providerTransports are the known endpoints of the password providers,
// applied when the caller configures no transport of their own.
var providerTransports = map[domain.Provider]domain.Transport{
	domain.ProviderYahoo: {
		ImapHost: "imap.mail.yahoo.com",
		ImapPort: 993,
		SmtpHost: "smtp.mail.yahoo.com",
		SmtpPort: 465,
		UseSsl:   true,
	},
	domain.ProviderComcast: {
		ImapHost: "imap.comcast.net",
		ImapPort: 993,
		SmtpHost: "smtp.comcast.net",
		SmtpPort: 587,
		UseSsl:   true,
	},
	domain.ProviderApple: {
		ImapHost: "imap.mail.me.com",
		ImapPort: 993,
		SmtpHost: "smtp.mail.me.com",
		SmtpPort: 587,
		UseSsl:   true,
	},
}

func defaultTransport(provider domain.Provider) (domain.Transport, bool) {
	transport, found := providerTransports[provider]
	return transport, found
}
