// SPDX-License-Identifier: GPL-3.0-or-later
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"
	"github.com/CrawX/go-mail-warden/vault"
)

func init() {
	log.InitLogging("error")
}

func oauthTestAccount() *domain.Account {
	return &domain.Account{
		AccountId:     "gmail-test",
		Provider:      domain.ProviderGmail,
		AuthType:      domain.AuthOAuth2,
		EmailAddress:  "someone@gmail.com",
		OAuthClientId: "client-id",
	}
}

func newTestVault(t *testing.T) *vault.Vault {
	v := vault.NewVaultWithKeyring(keyring.NewArrayKeyring(nil))
	require.NoError(t, v.Store("gmail-test", domain.CredentialOAuthClientSecret, "client-secret"))
	return v
}

// tokenServer answers the oauth token endpoint with a fixed token pair.
func tokenServer(t *testing.T, accessToken, refreshToken string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		answer := map[string]interface{}{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if refreshToken != "" {
			answer["refresh_token"] = refreshToken
		}
		_ = json.NewEncoder(w).Encode(answer)
	}))
}

func TestHandler_StartBindsLocalRedirect(t *testing.T) {
	handler := NewHandler(newTestVault(t))

	flow, err := handler.Start(oauthTestAccount())
	require.NoError(t, err)
	defer handler.teardown(flow)

	assert.Equal(t, StatusAwaitingUserAuthorization, flow.Status)
	assert.Contains(t, flow.AuthorizationUrl, "state="+flow.state)
	assert.Contains(t, flow.AuthorizationUrl, "access_type=offline")
	assert.Contains(t, flow.conf.RedirectURL, "http://127.0.0.1:")
}

func TestHandler_StartRequiresClientSecret(t *testing.T) {
	handler := NewHandler(vault.NewVaultWithKeyring(keyring.NewArrayKeyring(nil)))

	_, err := handler.Start(oauthTestAccount())
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestHandler_StartRejectsPasswordAccounts(t *testing.T) {
	handler := NewHandler(newTestVault(t))

	_, err := handler.Start(&domain.Account{AccountId: "y", Provider: domain.ProviderYahoo, AuthType: domain.AuthPassword})
	assert.True(t, domain.IsUnsupportedOperation(err))
}

func TestHandler_ExpiryFailsAndPrunesAwaitingFlow(t *testing.T) {
	handler := NewHandler(newTestVault(t))

	flow, err := handler.Start(oauthTestAccount())
	require.NoError(t, err)

	handler.expire(flow.Id)

	_, err = handler.Flow(flow.Id)
	assert.ErrorContains(t, err, "unknown authorization flow")
	assert.Equal(t, StatusFailed, flow.Status)
	assert.Equal(t, "authorization timed out", flow.FailureReason)
}

func TestHandler_ExpiryPrunesFinishedFlow(t *testing.T) {
	server := tokenServer(t, "access-token", "refresh-token")
	defer server.Close()

	handler := NewHandler(newTestVault(t))
	flow, err := handler.Start(oauthTestAccount())
	require.NoError(t, err)
	flow.conf.Endpoint = oauth2.Endpoint{TokenURL: server.URL}

	require.NoError(t, handler.Complete(flow.Id, flow.state, "auth-code"))

	handler.expire(flow.Id)

	_, err = handler.Flow(flow.Id)
	assert.ErrorContains(t, err, "unknown authorization flow")
	assert.Equal(t, StatusAuthorized, flow.Status, "a finished flow is dropped, not failed")
}

func TestHandler_CompleteRejectsStateMismatch(t *testing.T) {
	handler := NewHandler(newTestVault(t))

	flow, err := handler.Start(oauthTestAccount())
	require.NoError(t, err)

	err = handler.Complete(flow.Id, "forged-state", "some-code")
	assert.True(t, domain.IsAuthentication(err), "expected AuthenticationError, got %v", err)

	snapshot, err := handler.Flow(flow.Id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snapshot.Status)
	assert.Equal(t, "state mismatch", snapshot.FailureReason)
}

func TestHandler_CompletePersistsTokens(t *testing.T) {
	server := tokenServer(t, "fresh-access", "fresh-refresh")
	defer server.Close()

	v := newTestVault(t)
	handler := NewHandler(v)

	flow, err := handler.Start(oauthTestAccount())
	require.NoError(t, err)
	flow.conf.Endpoint = oauth2.Endpoint{TokenURL: server.URL}

	err = handler.Complete(flow.Id, flow.state, "auth-code")
	require.NoError(t, err)

	snapshot, err := handler.Flow(flow.Id)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, snapshot.Status)

	blob, err := v.Get("gmail-test", domain.CredentialOAuthAccessToken)
	require.NoError(t, err)
	stored := domain.OAuth2Token{}
	require.NoError(t, json.Unmarshal([]byte(blob), &stored))
	assert.Equal(t, "fresh-access", stored.AccessToken)

	refresh, err := v.Get("gmail-test", domain.CredentialOAuthRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "fresh-refresh", refresh)
}

func TestHandler_CallbackListenerDrivesComplete(t *testing.T) {
	server := tokenServer(t, "fresh-access", "fresh-refresh")
	defer server.Close()

	handler := NewHandler(newTestVault(t))

	flow, err := handler.Start(oauthTestAccount())
	require.NoError(t, err)
	flow.conf.Endpoint = oauth2.Endpoint{TokenURL: server.URL}

	callback := fmt.Sprintf("%s?state=%s&code=auth-code", flow.conf.RedirectURL, flow.state)
	resp, err := http.Get(callback)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snapshot, err := handler.Flow(flow.Id)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, snapshot.Status)
}

func TestTokenSource_ServesUnexpiredTokenWithoutRefresh(t *testing.T) {
	v := newTestVault(t)
	blob, _ := json.Marshal(&domain.OAuth2Token{
		AccessToken:  "valid-access",
		RefreshToken: "some-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, v.Store("gmail-test", domain.CredentialOAuthAccessToken, string(blob)))

	source, err := NewTokenSource(oauthTestAccount(), v)
	require.NoError(t, err)

	token, err := source.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "valid-access", token)
}

func TestTokenSource_RefreshesNearExpiry(t *testing.T) {
	server := tokenServer(t, "refreshed-access", "")
	defer server.Close()

	v := newTestVault(t)
	blob, _ := json.Marshal(&domain.OAuth2Token{
		AccessToken:  "stale-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(10 * time.Second),
	})
	require.NoError(t, v.Store("gmail-test", domain.CredentialOAuthAccessToken, string(blob)))

	source, err := NewTokenSource(oauthTestAccount(), v)
	require.NoError(t, err)
	source.endpoint = oauth2.Endpoint{TokenURL: server.URL}

	token, err := source.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", token)

	// Provider rotated no refresh token, the previous one is carried forward
	stored, err := v.Get("gmail-test", domain.CredentialOAuthAccessToken)
	require.NoError(t, err)
	carried := domain.OAuth2Token{}
	require.NoError(t, json.Unmarshal([]byte(stored), &carried))
	assert.Equal(t, "old-refresh", carried.RefreshToken)
}

func TestTokenSource_RefreshFailureIsTokenExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	v := newTestVault(t)
	require.NoError(t, v.Store("gmail-test", domain.CredentialOAuthRefreshToken, "revoked-refresh"))

	source, err := NewTokenSource(oauthTestAccount(), v)
	require.NoError(t, err)
	source.endpoint = oauth2.Endpoint{TokenURL: server.URL}

	_, err = source.AccessToken(context.Background())
	assert.True(t, domain.IsTokenExpired(err), "expected TokenExpiredError, got %v", err)
}

func TestTokenSource_NoCredentialsIsTokenExpired(t *testing.T) {
	source, err := NewTokenSource(oauthTestAccount(), newTestVault(t))
	require.NoError(t, err)

	_, err = source.AccessToken(context.Background())
	assert.True(t, domain.IsTokenExpired(err))
}

func TestRandomStateIsUnique(t *testing.T) {
	first, err := randomState()
	require.NoError(t, err)
	second, err := randomState()
	require.NoError(t, err)

	assert.Len(t, first, 64)
	assert.NotEqual(t, first, second)
	assert.False(t, strings.Contains(first, "="))
}
