// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"testing"

	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"

	"github.com/stretchr/testify/assert"
)

func newTestPersistence(t *testing.T) *Persistence {
	log.InitLogging("error")
	p, err := NewPersistence(":memory:")
	assert.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func yahooAccount(id string) *domain.Account {
	return &domain.Account{
		AccountId:    id,
		Provider:     domain.ProviderYahoo,
		AuthType:     domain.AuthPassword,
		EmailAddress: id + "@yahoo.com",
		Transport: domain.Transport{
			ImapHost: "imap.mail.yahoo.com",
			ImapPort: 993,
			SmtpHost: "smtp.mail.yahoo.com",
			SmtpPort: 465,
			UseSsl:   true,
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	p := newTestPersistence(t)

	assert.NoError(t, p.Save(yahooAccount("acct1")))

	got, err := p.Get("acct1")
	assert.NoError(t, err)
	assert.Equal(t, domain.ProviderYahoo, got.Provider)
	assert.Equal(t, domain.AuthPassword, got.AuthType)
	assert.Equal(t, "imap.mail.yahoo.com", got.Transport.ImapHost)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetUnknownAccount(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.Get("ghost")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestAllIsSorted(t *testing.T) {
	p := newTestPersistence(t)

	assert.NoError(t, p.Save(yahooAccount("beta")))
	assert.NoError(t, p.Save(yahooAccount("alpha")))

	accounts, err := p.All()
	assert.NoError(t, err)
	assert.Len(t, accounts, 2)
	assert.Equal(t, "alpha", accounts[0].AccountId)
	assert.Equal(t, "beta", accounts[1].AccountId)
}

func TestDelete(t *testing.T) {
	p := newTestPersistence(t)

	assert.NoError(t, p.Save(yahooAccount("acct1")))
	assert.NoError(t, p.Delete("acct1"))

	_, err := p.Get("acct1")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	assert.ErrorIs(t, p.Delete("acct1"), domain.ErrAccountNotFound)
}

func TestOAuthScopesRoundTrip(t *testing.T) {
	p := newTestPersistence(t)

	acct := &domain.Account{
		AccountId:     "gm",
		Provider:      domain.ProviderGmail,
		AuthType:      domain.AuthOAuth2,
		EmailAddress:  "gm@gmail.com",
		OAuthClientId: "client-id",
		OAuthScopes:   []string{"https://mail.google.com/", "openid"},
	}
	assert.NoError(t, p.Save(acct))

	got, err := p.Get("gm")
	assert.NoError(t, err)
	assert.Equal(t, acct.OAuthScopes, got.OAuthScopes)
}

func TestSaveCleanupRun(t *testing.T) {
	p := newTestPersistence(t)

	err := p.SaveCleanupRun("acct1", "INBOX", "delete", &domain.CleanupReport{
		Scanned: 10, Matched: 4, MovedOrDeleted: 4,
	})
	assert.NoError(t, err)
}
