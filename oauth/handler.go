// SPDX-License-Identifier: GPL-3.0-or-later
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"
)

const (
	// ExchangeTimeout bounds the code-for-token exchange call.
	ExchangeTimeout = 30 * time.Second

	// FlowTimeout is how long a flow is retained. An authorization still
	// unanswered when it fires is failed and its redirect listener torn
	// down; finished flows are dropped so they do not pile up.
	FlowTimeout = 10 * time.Minute
)

type FlowStatus string

const (
	StatusAwaitingUserAuthorization = FlowStatus("awaiting-user-authorization")
	StatusExchangingCode            = FlowStatus("exchanging-code")
	StatusAuthorized                = FlowStatus("authorized")
	StatusFailed                    = FlowStatus("failed")
)

// Flow is one in-flight authorization. The user visits AuthorizationUrl in a
// browser; the provider redirects back to the flow's local listener which
// feeds the code into Complete.
type Flow struct {
	Id               string
	AccountId        string
	AuthorizationUrl string
	Status           FlowStatus
	FailureReason    string

	account  *domain.Account
	state    string
	conf     *oauth2.Config
	server   *http.Server
	listener net.Listener
}

// Handler runs the two-step authorization flows and owns token persistence.
// One handler serves all accounts; flows are independent of each other.
type Handler struct {
	vault domain.Vault

	mu    sync.Mutex
	flows map[string]*Flow

	l *logrus.Logger
}

func NewHandler(vault domain.Vault) *Handler {
	return &Handler{
		vault: vault,
		flows: map[string]*Flow{},
		l:     log.Logger(log.LOG_OAUTH),
	}
}

// Start begins an authorization flow for an oauth2-type account. The client
// secret must already be in the vault. A listener is bound on an ephemeral
// localhost port and its address baked into the authorization url.
func (h *Handler) Start(account *domain.Account) (*Flow, error) {
	if account.AuthType != domain.AuthOAuth2 {
		return nil, &domain.UnsupportedOperationError{Provider: account.Provider, Operation: "oauth authorization"}
	}

	secret, err := h.vault.Get(account.AccountId, domain.CredentialOAuthClientSecret)
	if err != nil {
		return nil, fmt.Errorf("could not load client secret: %w", err)
	}

	endpoint, err := endpointFor(account.Provider)
	if err != nil {
		return nil, err
	}

	state, err := randomState()
	if err != nil {
		return nil, fmt.Errorf("could not generate state: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("could not bind redirect listener: %w", err)
	}

	scopes := account.OAuthScopes
	if len(scopes) == 0 {
		scopes = DefaultScopes(account.Provider)
	}

	conf := &oauth2.Config{
		ClientID:     account.OAuthClientId,
		ClientSecret: secret,
		Endpoint:     endpoint,
		RedirectURL:  fmt.Sprintf("http://%s/callback", listener.Addr().String()),
		Scopes:       scopes,
	}

	authOptions := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if account.Provider == domain.ProviderGmail {
		// Google only hands out a refresh token when consent is re-prompted
		authOptions = append(authOptions, oauth2.SetAuthURLParam("prompt", "consent"))
	}

	flow := &Flow{
		Id:               uuid.New().String(),
		AccountId:        account.AccountId,
		AuthorizationUrl: conf.AuthCodeURL(state, authOptions...),
		Status:           StatusAwaitingUserAuthorization,
		account:          account,
		state:            state,
		conf:             conf,
		listener:         listener,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		err := h.Complete(flow.Id, r.URL.Query().Get("state"), r.URL.Query().Get("code"))
		if err != nil {
			http.Error(w, "Authorization failed, check the application log.", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("Authorization complete, you can close this window."))
	})
	flow.server = &http.Server{Handler: mux}

	go func() {
		serveErr := flow.server.Serve(listener)
		if serveErr != nil && serveErr != http.ErrServerClosed {
			h.l.WithFields(logrus.Fields{"flow": flow.Id}).WithError(serveErr).Warn("Redirect listener failed")
		}
	}()

	time.AfterFunc(FlowTimeout, func() {
		h.expire(flow.Id)
	})

	h.mu.Lock()
	h.flows[flow.Id] = flow
	h.mu.Unlock()

	h.l.WithFields(logrus.Fields{"flow": flow.Id, "account": account.AccountId}).Info("Started authorization flow")
	return flow, nil
}

// Complete exchanges the authorization code and persists the resulting
// tokens. It is driven by the redirect listener but can also be called
// directly when the user pastes the redirect manually.
func (h *Handler) Complete(flowId, state, code string) error {
	h.mu.Lock()
	flow, found := h.flows[flowId]
	if !found {
		h.mu.Unlock()
		return fmt.Errorf("unknown authorization flow %q", flowId)
	}

	if flow.Status != StatusAwaitingUserAuthorization {
		h.mu.Unlock()
		return fmt.Errorf("flow %s is not awaiting authorization (status %s)", flowId, flow.Status)
	}

	if subtle.ConstantTimeCompare([]byte(state), []byte(flow.state)) != 1 {
		flow.Status = StatusFailed
		flow.FailureReason = "state mismatch"
		h.mu.Unlock()
		h.teardown(flow)
		return &domain.AuthenticationError{AccountId: flow.AccountId, Reason: "authorization state mismatch"}
	}

	flow.Status = StatusExchangingCode
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ExchangeTimeout)
	defer cancel()
	token, err := flow.conf.Exchange(ctx, code)
	if err != nil {
		h.fail(flow, "code exchange failed")
		return fmt.Errorf("could not exchange authorization code: %w", err)
	}

	err = saveToken(h.vault, flow.AccountId, token)
	if err != nil {
		h.fail(flow, "token persistence failed")
		return fmt.Errorf("could not persist tokens: %w", err)
	}

	h.mu.Lock()
	flow.Status = StatusAuthorized
	h.mu.Unlock()
	h.teardown(flow)

	h.l.WithFields(logrus.Fields{"flow": flow.Id, "account": flow.AccountId}).Info("Authorization complete")
	return nil
}

// Flow returns a snapshot of one flow for status polling.
func (h *Handler) Flow(flowId string) (*Flow, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	flow, found := h.flows[flowId]
	if !found {
		return nil, fmt.Errorf("unknown authorization flow %q", flowId)
	}

	snapshot := *flow
	return &snapshot, nil
}

func (h *Handler) fail(flow *Flow, reason string) {
	h.mu.Lock()
	flow.Status = StatusFailed
	flow.FailureReason = reason
	h.mu.Unlock()
	h.teardown(flow)
}

func (h *Handler) expire(flowId string) {
	h.mu.Lock()
	flow, found := h.flows[flowId]
	if !found {
		h.mu.Unlock()
		return
	}
	delete(h.flows, flowId)
	timedOut := flow.Status == StatusAwaitingUserAuthorization
	if timedOut {
		flow.Status = StatusFailed
		flow.FailureReason = "authorization timed out"
	}
	h.mu.Unlock()

	h.teardown(flow)
	if timedOut {
		h.l.WithFields(logrus.Fields{"flow": flowId}).Warn("Authorization flow timed out")
	}
}

func (h *Handler) teardown(flow *Flow) {
	if flow.server == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = flow.server.Shutdown(ctx)
	}()
}

// saveToken writes the normalized token to the vault. The refresh token is
// kept in its own entry so a refresh answer without one keeps the previous.
func saveToken(vault domain.Vault, accountId string, token *oauth2.Token) error {
	blob := domain.OAuth2Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	encoded, err := json.Marshal(&blob)
	if err != nil {
		return fmt.Errorf("could not encode token: %w", err)
	}

	err = vault.Store(accountId, domain.CredentialOAuthAccessToken, string(encoded))
	if err != nil {
		return fmt.Errorf("could not store access token: %w", err)
	}

	if token.RefreshToken != "" {
		err = vault.Store(accountId, domain.CredentialOAuthRefreshToken, token.RefreshToken)
		if err != nil {
			return fmt.Errorf("could not store refresh token: %w", err)
		}
	}

	return nil
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
