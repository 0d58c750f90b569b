// SPDX-License-Identifier: GPL-3.0-or-later
package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/imapconnection"
	"github.com/CrawX/go-mail-warden/log"
	"github.com/CrawX/go-mail-warden/oauth"
	"github.com/CrawX/go-mail-warden/restconnection"
)

// ProbeFolder is the folder used to verify a connector actually works.
const ProbeFolder = "INBOX"

// ConnectorFactory builds the connector variant matching an account.
type ConnectorFactory func(account *domain.Account) (domain.Connector, error)

// DefaultConnectorFactory wires the real connector variants: IMAP/SMTP for
// password providers, the provider REST APIs for oauth providers.
func DefaultConnectorFactory(credentialVault domain.Vault) ConnectorFactory {
	return func(account *domain.Account) (domain.Connector, error) {
		switch account.Provider {
		case domain.ProviderGmail:
			tokens, err := oauth.NewTokenSource(account, credentialVault)
			if err != nil {
				return nil, err
			}
			return restconnection.NewGmailConnection(account, tokens), nil
		case domain.ProviderHotmail:
			tokens, err := oauth.NewTokenSource(account, credentialVault)
			if err != nil {
				return nil, err
			}
			return restconnection.NewGraphConnection(account, tokens), nil
		case domain.ProviderYahoo, domain.ProviderComcast, domain.ProviderApple, domain.ProviderGenericImap:
			return imapconnection.NewImapConnection(account, credentialVault), nil
		}

		return nil, fmt.Errorf("unknown provider %q", account.Provider)
	}
}

// Manager owns the account registry. Metadata lives in the store, secrets in
// the vault, and the two are never mixed. Connectors are cached per account
// and handed out serialized, one caller at a time.
type Manager struct {
	store   domain.AccountStore
	vault   domain.Vault
	oauth   *oauth.Handler
	factory ConnectorFactory

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	connectors map[string]domain.Connector
	pending    map[string]*domain.Account

	l *logrus.Logger
}

func NewManager(store domain.AccountStore, credentialVault domain.Vault, oauthHandler *oauth.Handler, factory ConnectorFactory) *Manager {
	return &Manager{
		store:      store,
		vault:      credentialVault,
		oauth:      oauthHandler,
		factory:    factory,
		locks:      map[string]*sync.Mutex{},
		connectors: map[string]domain.Connector{},
		pending:    map[string]*domain.Account{},
		l:          log.Logger(log.LOG_ACCOUNTS),
	}
}

// AddPasswordAccount registers a password-type account. The password goes to
// the vault first, then the account is probed live; only a working account is
// persisted. A failed probe purges the vault entry again.
func (m *Manager) AddPasswordAccount(ctx context.Context, account *domain.Account, password string) (*domain.Account, error) {
	authType, err := domain.AuthTypeFor(account.Provider)
	if err != nil {
		return nil, err
	}
	if authType != domain.AuthPassword {
		return nil, fmt.Errorf("provider %q uses oauth authorization, not a password", account.Provider)
	}
	account.AuthType = authType

	err = m.checkUnique(account.AccountId)
	if err != nil {
		return nil, err
	}

	if account.Transport.ImapHost == "" {
		transport, found := defaultTransport(account.Provider)
		if !found {
			return nil, fmt.Errorf("provider %q needs an explicit imap/smtp transport", account.Provider)
		}
		account.Transport = transport
	}

	err = m.vault.Store(account.AccountId, domain.CredentialAppPassword, password)
	if err != nil {
		return nil, fmt.Errorf("could not store password: %w", err)
	}

	err = m.persistProbed(ctx, account)
	if err != nil {
		return nil, err
	}

	m.l.WithFields(logrus.Fields{"account": account.AccountId, "provider": account.Provider}).Info("Added account")
	return account, nil
}

// StartOAuthAccount stores the client secret and begins the authorization
// flow for a new oauth-type account. The account is held pending until
// FinalizeOAuthAccount is called for an authorized flow.
func (m *Manager) StartOAuthAccount(account *domain.Account, clientSecret string) (*oauth.Flow, error) {
	authType, err := domain.AuthTypeFor(account.Provider)
	if err != nil {
		return nil, err
	}
	if authType != domain.AuthOAuth2 {
		return nil, fmt.Errorf("provider %q uses a password, not oauth authorization", account.Provider)
	}
	account.AuthType = authType

	err = m.checkUnique(account.AccountId)
	if err != nil {
		return nil, err
	}

	err = m.vault.Store(account.AccountId, domain.CredentialOAuthClientSecret, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("could not store client secret: %w", err)
	}

	flow, err := m.oauth.Start(account)
	if err != nil {
		_ = m.vault.Delete(account.AccountId)
		return nil, fmt.Errorf("could not start authorization: %w", err)
	}

	m.mu.Lock()
	m.pending[flow.Id] = account
	m.mu.Unlock()

	return flow, nil
}

// OAuthFlow returns a snapshot of one authorization flow.
func (m *Manager) OAuthFlow(flowId string) (*oauth.Flow, error) {
	return m.oauth.Flow(flowId)
}

// CompleteOAuthFlow feeds a manually delivered redirect into the flow.
func (m *Manager) CompleteOAuthFlow(flowId, state, code string) error {
	return m.oauth.Complete(flowId, state, code)
}

// FinalizeOAuthAccount probes and persists the account behind an authorized
// flow. A failed probe purges all vault material again.
func (m *Manager) FinalizeOAuthAccount(ctx context.Context, flowId string) (*domain.Account, error) {
	flow, err := m.oauth.Flow(flowId)
	if err != nil {
		return nil, err
	}
	if flow.Status != oauth.StatusAuthorized {
		return nil, fmt.Errorf("flow %s is not authorized (status %s)", flowId, flow.Status)
	}

	m.mu.Lock()
	account, found := m.pending[flowId]
	m.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("no pending account for flow %s", flowId)
	}

	err = m.persistProbed(ctx, account)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.pending, flowId)
	m.mu.Unlock()

	m.l.WithFields(logrus.Fields{"account": account.AccountId, "provider": account.Provider}).Info("Added account")
	return account, nil
}

func (m *Manager) persistProbed(ctx context.Context, account *domain.Account) error {
	err := m.probe(ctx, account)
	if err != nil {
		_ = m.vault.Delete(account.AccountId)
		return fmt.Errorf("account probe failed: %w", err)
	}

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now
	err = m.store.Save(account)
	if err != nil {
		_ = m.vault.Delete(account.AccountId)
		return fmt.Errorf("could not persist account: %w", err)
	}

	return nil
}

func (m *Manager) probe(ctx context.Context, account *domain.Account) error {
	connector, err := m.factory(account)
	if err != nil {
		return err
	}
	defer func() {
		_ = connector.Close()
	}()

	err = connector.Authenticate(ctx)
	if err != nil {
		return err
	}

	_, err = connector.MailboxStats(ctx, ProbeFolder)
	return err
}

func (m *Manager) checkUnique(accountId string) error {
	if accountId == "" {
		return fmt.Errorf("account id must not be empty")
	}

	_, err := m.store.Get(accountId)
	if err == nil {
		return fmt.Errorf("account %q already exists", accountId)
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return fmt.Errorf("could not check for existing account: %w", err)
	}

	return nil
}

// ListAccounts returns all account metadata. Secrets never pass through the
// store, so nothing has to be redacted here.
func (m *Manager) ListAccounts() ([]*domain.Account, error) {
	return m.store.All()
}

func (m *Manager) GetAccount(accountId string) (*domain.Account, error) {
	return m.store.Get(accountId)
}

// RemoveAccount drops the account and purges every vault entry it owned.
func (m *Manager) RemoveAccount(accountId string) error {
	err := m.store.Delete(accountId)
	if err != nil {
		return err
	}

	m.mu.Lock()
	connector, found := m.connectors[accountId]
	delete(m.connectors, accountId)
	m.mu.Unlock()
	if found {
		_ = connector.Close()
	}

	err = m.vault.Delete(accountId)
	if err != nil {
		return fmt.Errorf("could not purge credentials: %w", err)
	}

	m.l.WithFields(logrus.Fields{"account": accountId}).Info("Removed account")
	return nil
}

// TestAccount probes connectivity and returns the folder's stats.
func (m *Manager) TestAccount(ctx context.Context, accountId, folder string) (*domain.MailboxStats, error) {
	if folder == "" {
		folder = ProbeFolder
	}

	connector, release, err := m.Resolve(accountId)
	if err != nil {
		return nil, err
	}
	defer release()

	err = connector.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	return connector.MailboxStats(ctx, folder)
}

// Resolve hands out the account's connector, serialized per account: the
// returned release func must be called before anyone else can use the same
// account. Different accounts resolve in parallel.
func (m *Manager) Resolve(accountId string) (domain.Connector, func(), error) {
	account, err := m.store.Get(accountId)
	if err != nil {
		return nil, nil, err
	}

	lock := m.lockFor(accountId)
	lock.Lock()

	m.mu.Lock()
	connector, found := m.connectors[accountId]
	m.mu.Unlock()

	if !found {
		connector, err = m.factory(account)
		if err != nil {
			lock.Unlock()
			return nil, nil, err
		}
		m.mu.Lock()
		m.connectors[accountId] = connector
		m.mu.Unlock()
	}

	return connector, func() { lock.Unlock() }, nil
}

func (m *Manager) lockFor(accountId string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, found := m.locks[accountId]
	if !found {
		lock = &sync.Mutex{}
		m.locks[accountId] = lock
	}
	return lock
}

// Close shuts down all cached connectors.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for accountId, connector := range m.connectors {
		_ = connector.Close()
		delete(m.connectors, accountId)
	}
}
