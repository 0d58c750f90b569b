// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import (
	"context"
	"time"
)

// MessageSummary describes one message without its body. SpamHeaders carries
// the raw classification-relevant headers as found on the wire; missing
// headers are simply absent from the map.
type MessageSummary struct {
	Uid     string
	From    string
	Subject string
	Date    time.Time
	Size    int64

	SpamHeaders map[string]string
}

type MessageBody struct {
	Uid  string
	Text string
}

type OutgoingAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type OutgoingMessage struct {
	To          []string
	Subject     string
	Body        string
	Html        bool
	Attachments []OutgoingAttachment
}

// Connector implements the uniform mailbox operations for one account.
//
// Authenticate is idempotent and safe to call before every operation.
// ForEachMessage drives a finite, non-restartable iteration over the folder's
// summaries. Move and Delete are batch operations that are safe to retry:
// a uid that is already gone from the source folder is skipped, not an error.
// All errors are normalized to the shared taxonomy before they surface.
type Connector interface {
	Authenticate(ctx context.Context) error
	ForEachMessage(ctx context.Context, folder string, fn func(summary *MessageSummary) error) error
	FetchBody(ctx context.Context, folder string, uid string) (*MessageBody, error)
	Move(ctx context.Context, uids []string, fromFolder, toFolder string) error
	Delete(ctx context.Context, uids []string, folder string) error
	EnsureFolder(ctx context.Context, name string) error
	Send(ctx context.Context, message *OutgoingMessage) error
	MailboxStats(ctx context.Context, folder string) (*MailboxStats, error)

	Close() error
}

// ConnectorResolver hands out the connector for an account together with a
// release function. Operations on the same account are serialized through the
// resolver; the release function must be called when the operation is done.
type ConnectorResolver interface {
	Resolve(accountId string) (Connector, func(), error)
}

// TokenSource supplies bearer tokens for REST connectors. ForceRefresh is the
// one retry a connector is allowed after a 401.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}
