// SPDX-License-Identifier: GPL-3.0-or-later
package domain

type CredentialType string

const (
	CredentialAppPassword       = CredentialType("app_password")
	CredentialOAuthClientSecret = CredentialType("oauth_client_secret")
	CredentialOAuthAccessToken  = CredentialType("oauth_access_token")
	CredentialOAuthRefreshToken = CredentialType("oauth_refresh_token")
)

// Vault is the secure at-rest store for secrets. Get returns
// ErrCredentialNotFound for entries that were never stored, including on a
// vault that was never initialized. Writes are durable before Store returns.
type Vault interface {
	Store(accountId string, credentialType CredentialType, value string) error
	Get(accountId string, credentialType CredentialType) (string, error)
	Delete(accountId string) error
}
