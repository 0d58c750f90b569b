// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
)

var migrationSource = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "1-accounts",
			Up: []string{`
				CREATE TABLE accounts (
					account_id TEXT PRIMARY KEY,
					provider TEXT NOT NULL,
					auth_type TEXT NOT NULL,
					email_address TEXT NOT NULL,
					imap_host TEXT NOT NULL DEFAULT '',
					imap_port INTEGER NOT NULL DEFAULT 0,
					smtp_host TEXT NOT NULL DEFAULT '',
					smtp_port INTEGER NOT NULL DEFAULT 0,
					use_ssl INTEGER NOT NULL DEFAULT 1,
					oauth_client_id TEXT NOT NULL DEFAULT '',
					oauth_scopes TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
			},
			Down: []string{`DROP TABLE accounts`},
		},
		{
			Id: "2-cleanup-runs",
			Up: []string{`
				CREATE TABLE cleanup_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					account_id TEXT NOT NULL,
					folder TEXT NOT NULL,
					operation TEXT NOT NULL,
					scanned INTEGER NOT NULL,
					matched INTEGER NOT NULL,
					affected INTEGER NOT NULL,
					dry_run INTEGER NOT NULL,
					batch_errors INTEGER NOT NULL,
					finished_at DATETIME NOT NULL
				)`,
			},
			Down: []string{`DROP TABLE cleanup_runs`},
		},
	},
}

type Persistence struct {
	db *sqlx.DB
	l  *logrus.Logger
}

func NewPersistence(datasource string) (*Persistence, error) {
	db, err := sqlx.Connect("sqlite3", datasource)
	if err != nil {
		return nil, fmt.Errorf("could not open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := log.Logger(log.LOG_PERSISTENCE)
	l.WithField("file", datasource).Info("Connected")

	_, err = db.Exec(`PRAGMA journal_mode=WAL`)
	if err != nil {
		return nil, fmt.Errorf("could not set journal mode: %w", err)
	}
	_, err = db.Exec(`PRAGMA synchronous=normal`)
	if err != nil {
		return nil, fmt.Errorf("could not set synchronous mode: %w", err)
	}

	appliedMigrations, err := migrate.Exec(db.DB, "sqlite3", migrationSource, migrate.Up)
	if err != nil {
		return nil, fmt.Errorf("could not migrate to newest version: %w", err)
	}

	l.WithField("migrations", appliedMigrations).Debug("Executed migrations")

	return &Persistence{
		db: db,
		l:  l,
	}, nil
}

func (p *Persistence) Close() error {
	err := p.db.Close()
	if err != nil {
		return fmt.Errorf("could not close db: %w", err)
	}
	p.l.Info("Disconnected")
	return nil
}

type dbAccount struct {
	AccountId     string    `db:"account_id"`
	Provider      string    `db:"provider"`
	AuthType      string    `db:"auth_type"`
	EmailAddress  string    `db:"email_address"`
	ImapHost      string    `db:"imap_host"`
	ImapPort      int       `db:"imap_port"`
	SmtpHost      string    `db:"smtp_host"`
	SmtpPort      int       `db:"smtp_port"`
	UseSsl        bool      `db:"use_ssl"`
	OAuthClientId string    `db:"oauth_client_id"`
	OAuthScopes   string    `db:"oauth_scopes"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (a *dbAccount) toDomain() *domain.Account {
	scopes := []string{}
	if a.OAuthScopes != "" {
		scopes = strings.Split(a.OAuthScopes, " ")
	}

	return &domain.Account{
		AccountId:    a.AccountId,
		Provider:     domain.Provider(a.Provider),
		AuthType:     domain.AuthType(a.AuthType),
		EmailAddress: a.EmailAddress,
		Transport: domain.Transport{
			ImapHost: a.ImapHost,
			ImapPort: a.ImapPort,
			SmtpHost: a.SmtpHost,
			SmtpPort: a.SmtpPort,
			UseSsl:   a.UseSsl,
		},
		OAuthClientId: a.OAuthClientId,
		OAuthScopes:   scopes,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (p *Persistence) Save(account *domain.Account) error {
	now := time.Now().UTC()
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := p.db.Exec(
		`INSERT OR REPLACE INTO accounts
		 (account_id, provider, auth_type, email_address, imap_host, imap_port, smtp_host, smtp_port, use_ssl, oauth_client_id, oauth_scopes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.AccountId,
		string(account.Provider),
		string(account.AuthType),
		account.EmailAddress,
		account.Transport.ImapHost,
		account.Transport.ImapPort,
		account.Transport.SmtpHost,
		account.Transport.SmtpPort,
		account.Transport.UseSsl,
		account.OAuthClientId,
		strings.Join(account.OAuthScopes, " "),
		createdAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("could not save account: %w", err)
	}

	p.l.WithFields(logrus.Fields{"account": account.AccountId, "provider": account.Provider}).Info("Persisted account")
	return nil
}

func (p *Persistence) Get(accountId string) (*domain.Account, error) {
	acct := dbAccount{}
	err := p.db.Get(
		&acct,
		`SELECT account_id, provider, auth_type, email_address, imap_host, imap_port, smtp_host, smtp_port, use_ssl, oauth_client_id, oauth_scopes, created_at, updated_at
		 FROM accounts WHERE account_id = ?`,
		accountId,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return acct.toDomain(), nil
}

func (p *Persistence) All() ([]*domain.Account, error) {
	dbAccounts := []dbAccount{}
	err := p.db.Select(
		&dbAccounts,
		`SELECT account_id, provider, auth_type, email_address, imap_host, imap_port, smtp_host, smtp_port, use_ssl, oauth_client_id, oauth_scopes, created_at, updated_at
		 FROM accounts ORDER BY account_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	accounts := []*domain.Account{}
	for i := range dbAccounts {
		accounts = append(accounts, dbAccounts[i].toDomain())
	}

	return accounts, nil
}

func (p *Persistence) Delete(accountId string) error {
	result, err := p.db.Exec(`DELETE FROM accounts WHERE account_id = ?`, accountId)
	if err != nil {
		return fmt.Errorf("could not delete account: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get num of affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrAccountNotFound
	}

	p.l.WithField("account", accountId).Info("Deleted account")
	return nil
}

// SaveCleanupRun appends an audit row for a finished bulk run.
func (p *Persistence) SaveCleanupRun(accountId, folder, operation string, report *domain.CleanupReport) error {
	_, err := p.db.Exec(
		`INSERT INTO cleanup_runs (account_id, folder, operation, scanned, matched, affected, dry_run, batch_errors, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		accountId,
		folder,
		operation,
		report.Scanned,
		report.Matched,
		report.MovedOrDeleted,
		report.DryRun,
		len(report.BatchErrors),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("could not save cleanup run: %w", err)
	}

	return nil
}
