// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import (
	"fmt"
	"time"
)

type Provider string

const (
	ProviderYahoo       = Provider("yahoo")
	ProviderGmail       = Provider("gmail")
	ProviderHotmail     = Provider("hotmail")
	ProviderComcast     = Provider("comcast")
	ProviderApple       = Provider("apple")
	ProviderGenericImap = Provider("generic-imap")
)

type AuthType string

const (
	AuthPassword = AuthType("password")
	AuthOAuth2   = AuthType("oauth2")
)

// AuthTypeFor maps a provider to its authentication scheme. The scheme is
// fixed per provider, never user-chosen.
func AuthTypeFor(provider Provider) (AuthType, error) {
	switch provider {
	case ProviderYahoo, ProviderComcast, ProviderApple, ProviderGenericImap:
		return AuthPassword, nil
	case ProviderGmail, ProviderHotmail:
		return AuthOAuth2, nil
	}

	return "", fmt.Errorf("unknown provider %q", provider)
}

// Transport holds the IMAP/SMTP endpoints for password-type providers.
type Transport struct {
	ImapHost string
	ImapPort int
	SmtpHost string
	SmtpPort int
	UseSsl   bool
}

type Account struct {
	AccountId    string
	Provider     Provider
	AuthType     AuthType
	EmailAddress string

	// Transport is only meaningful for password-type providers.
	Transport Transport

	// OAuth client settings for oauth2-type providers. The client secret is
	// vault material and never lives here.
	OAuthClientId string
	OAuthScopes   []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccountStore persists account metadata. Secrets are vault material and
// must never pass through this interface.
type AccountStore interface {
	Save(account *Account) error
	Get(accountId string) (*Account, error)
	All() ([]*Account, error)
	Delete(accountId string) error
}

// MailboxStats is the result of a connectivity probe against one folder.
type MailboxStats struct {
	TotalMessages  uint32
	UnseenMessages uint32
}
