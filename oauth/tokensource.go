// SPDX-License-Identifier: GPL-3.0-or-later
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"
)

// RefreshMargin is how close to expiry a token may get before it is
// refreshed proactively instead of being handed out.
const RefreshMargin = 60 * time.Second

// VaultTokenSource serves access tokens for one account out of the vault,
// refreshing proactively within RefreshMargin of expiry. A refresh answer
// without a new refresh token keeps the previous one. Refresh failure means
// the account needs a full re-authorization.
type VaultTokenSource struct {
	account  *domain.Account
	vault    domain.Vault
	endpoint oauth2.Endpoint

	mu sync.Mutex
	l  *logrus.Logger
}

func NewTokenSource(account *domain.Account, vault domain.Vault) (*VaultTokenSource, error) {
	endpoint, err := endpointFor(account.Provider)
	if err != nil {
		return nil, err
	}

	return &VaultTokenSource{
		account:  account,
		vault:    vault,
		endpoint: endpoint,
		l:        log.Logger(log.LOG_OAUTH),
	}, nil
}

func (s *VaultTokenSource) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.load()
	if err != nil && !errors.Is(err, domain.ErrCredentialNotFound) {
		return "", err
	}

	if token != nil && token.AccessToken != "" && !token.ExpiresWithin(RefreshMargin) {
		return token.AccessToken, nil
	}

	return s.refresh(ctx, token)
}

func (s *VaultTokenSource) ForceRefresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.load()
	if err != nil && !errors.Is(err, domain.ErrCredentialNotFound) {
		return "", err
	}

	return s.refresh(ctx, token)
}

func (s *VaultTokenSource) load() (*domain.OAuth2Token, error) {
	blob, err := s.vault.Get(s.account.AccountId, domain.CredentialOAuthAccessToken)
	if err != nil {
		return nil, err
	}

	token := domain.OAuth2Token{}
	err = json.Unmarshal([]byte(blob), &token)
	if err != nil {
		return nil, fmt.Errorf("could not decode stored token: %w", err)
	}

	return &token, nil
}

func (s *VaultTokenSource) refresh(ctx context.Context, prior *domain.OAuth2Token) (string, error) {
	refreshToken := ""
	if prior != nil {
		refreshToken = prior.RefreshToken
	}
	if refreshToken == "" {
		stored, err := s.vault.Get(s.account.AccountId, domain.CredentialOAuthRefreshToken)
		if err != nil {
			if errors.Is(err, domain.ErrCredentialNotFound) {
				return "", &domain.TokenExpiredError{AccountId: s.account.AccountId}
			}
			return "", fmt.Errorf("could not load refresh token: %w", err)
		}
		refreshToken = stored
	}

	secret, err := s.vault.Get(s.account.AccountId, domain.CredentialOAuthClientSecret)
	if err != nil {
		return "", fmt.Errorf("could not load client secret: %w", err)
	}

	conf := &oauth2.Config{
		ClientID:     s.account.OAuthClientId,
		ClientSecret: secret,
		Endpoint:     s.endpoint,
		Scopes:       s.account.OAuthScopes,
	}

	s.l.WithFields(logrus.Fields{"account": s.account.AccountId}).Debug("Refreshing access token")
	refreshed, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", &domain.TokenExpiredError{AccountId: s.account.AccountId}
	}

	// Providers that do not rotate refresh tokens answer without one
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = refreshToken
	}

	err = saveToken(s.vault, s.account.AccountId, refreshed)
	if err != nil {
		return "", err
	}

	return refreshed.AccessToken, nil
}
