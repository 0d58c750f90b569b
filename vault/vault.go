// SPDX-License-Identifier: GPL-3.0-or-later
package vault

import (
	"errors"
	"fmt"
	"sync"

	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"

	"github.com/99designs/keyring"
	"github.com/sirupsen/logrus"
)

// Vault stores secrets in the platform credential store, falling back to an
// encrypted file store with owner-only permissions when no platform store is
// available. Writes go straight to the backend, so they are durable once
// Store returns. Access is serialized per account key.
type Vault struct {
	ring keyring.Keyring

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	l *logrus.Logger
}

func NewVault(serviceName, fileDir string) (*Vault, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open keyring: %w", err)
	}

	return NewVaultWithKeyring(ring), nil
}

// NewVaultWithKeyring wires an already-open keyring, which lets tests
// substitute an in-memory one.
func NewVaultWithKeyring(ring keyring.Keyring) *Vault {
	return &Vault{
		ring:  ring,
		locks: map[string]*sync.Mutex{},
		l:     log.Logger(log.LOG_VAULT),
	}
}

func vaultKey(accountId string, credentialType domain.CredentialType) string {
	return accountId + "/" + string(credentialType)
}

func (v *Vault) lockFor(accountId string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()

	lock, ok := v.locks[accountId]
	if !ok {
		lock = &sync.Mutex{}
		v.locks[accountId] = lock
	}
	return lock
}

func (v *Vault) Store(accountId string, credentialType domain.CredentialType, value string) error {
	lock := v.lockFor(accountId)
	lock.Lock()
	defer lock.Unlock()

	err := v.ring.Set(keyring.Item{
		Key:  vaultKey(accountId, credentialType),
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("could not store %s for %s: %w", credentialType, accountId, err)
	}

	v.l.WithFields(logrus.Fields{"account": accountId, "type": credentialType}).Debug("Stored credential")
	return nil
}

func (v *Vault) Get(accountId string, credentialType domain.CredentialType) (string, error) {
	lock := v.lockFor(accountId)
	lock.Lock()
	defer lock.Unlock()

	item, err := v.ring.Get(vaultKey(accountId, credentialType))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", domain.ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("could not read %s for %s: %w", credentialType, accountId, err)
	}

	return string(item.Data), nil
}

// Delete removes every credential type stored for the account. Types that
// were never stored are skipped silently.
func (v *Vault) Delete(accountId string) error {
	lock := v.lockFor(accountId)
	lock.Lock()
	defer lock.Unlock()

	for _, credentialType := range []domain.CredentialType{
		domain.CredentialAppPassword,
		domain.CredentialOAuthClientSecret,
		domain.CredentialOAuthAccessToken,
		domain.CredentialOAuthRefreshToken,
	} {
		err := v.ring.Remove(vaultKey(accountId, credentialType))
		if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("could not delete %s for %s: %w", credentialType, accountId, err)
		}
	}

	v.l.WithField("account", accountId).Info("Deleted credentials")
	return nil
}
