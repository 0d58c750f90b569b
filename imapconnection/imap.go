// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"context"
	"fmt"
	"io/ioutil"
	stdmail "net/mail"
	"sort"
	"strconv"
	"time"

	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"
	mailutil "github.com/CrawX/go-mail-warden/mail"

	"github.com/emersion/go-imap"
	move "github.com/emersion/go-imap-move"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

const (
	SessionTimeout = 30 * time.Second
	FetchBatchSize = 250
)

// ImapConnection implements the connector contract for password-type
// providers over a single IMAP session. The session is established lazily by
// Authenticate and re-established transparently when it drops; callers are
// serialized by the account manager, never by this type.
type ImapConnection struct {
	account *domain.Account
	vault   domain.Vault

	connection    *client.Client
	uidplusClient *uidplus.Client
	mailDeleter   deleter
	mailMover     mover

	selectedFolder string

	l *logrus.Logger
}

func NewImapConnection(account *domain.Account, credentialVault domain.Vault) *ImapConnection {
	return &ImapConnection{
		account: account,
		vault:   credentialVault,
		l:       log.Logger(log.LOG_IMAP),
	}
}

func (ic *ImapConnection) Authenticate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &domain.ConnectionError{Op: "authenticate", Err: err}
	}

	if ic.connection != nil {
		if err := ic.connection.Noop(); err == nil {
			return nil
		}
		// Session is gone, dial a fresh one
		_ = ic.connection.Logout()
		ic.connection = nil
		ic.selectedFolder = ""
	}

	password, err := ic.vault.Get(ic.account.AccountId, domain.CredentialAppPassword)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", ic.account.Transport.ImapHost, ic.account.Transport.ImapPort)
	var imapClient *client.Client
	if ic.account.Transport.UseSsl {
		imapClient, err = client.DialTLS(addr, nil)
	} else {
		imapClient, err = client.Dial(addr)
	}
	if err != nil {
		return &domain.ConnectionError{Op: "dial imap", Err: err}
	}
	imapClient.Timeout = SessionTimeout

	err = imapClient.Login(ic.account.EmailAddress, password)
	if err != nil {
		_ = imapClient.Logout()
		return &domain.AuthenticationError{AccountId: ic.account.AccountId, Reason: err.Error()}
	}

	uidPlusClient := uidplus.NewClient(imapClient)
	uidPlusSupported, err := uidPlusClient.SupportUidPlus()
	if err != nil {
		return &domain.ConnectionError{Op: "check UIDPLUS support", Err: err}
	}

	moveClient := move.NewClient(imapClient)
	moveSupported, err := moveClient.SupportMove()
	if err != nil {
		return &domain.ConnectionError{Op: "check MOVE support", Err: err}
	}

	ic.connection = imapClient
	ic.uidplusClient = uidPlusClient

	baseLogger := ic.l.WithFields(logrus.Fields{"account": ic.account.AccountId, "server": addr})
	baseLogger.Debug("Logged in to server")

	if uidPlusSupported {
		baseLogger.Debug("UIDPLUS supported on server, using UID delete")
		ic.mailDeleter = &uidPlusDeleter{
			imapConn: ic,
		}
	} else {
		baseLogger.Info("UIDPLUS not supported on server, falling back to flag&expunge")
		ic.mailDeleter = &compatibilityDeleter{
			imapConn: ic,
		}
	}

	if moveSupported {
		baseLogger.Debug("MOVE supported on server")
		ic.mailMover = &moveMover{
			moveClient: moveClient,
		}
	} else {
		baseLogger.Info("MOVE not supported on server, falling back to copy&delete")
		ic.mailMover = &compatibilityMover{
			imapConn: ic,
		}
	}

	return nil
}

// withRetry runs op and retries exactly once after re-authenticating when the
// failure was transient.
func (ic *ImapConnection) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !domain.IsConnection(err) {
		return err
	}

	ic.l.WithFields(logrus.Fields{"account": ic.account.AccountId, "error": err}).Warn("Transient failure, retrying once")
	if ic.connection != nil {
		_ = ic.connection.Logout()
		ic.connection = nil
		ic.selectedFolder = ""
	}

	authErr := ic.Authenticate(ctx)
	if authErr != nil {
		return authErr
	}

	return op()
}

func (ic *ImapConnection) selectFolder(folder string) error {
	if ic.selectedFolder == folder {
		return nil
	}

	_, err := ic.connection.Select(folder, false)
	if err != nil {
		return &domain.ConnectionError{Op: "select " + folder, Err: err}
	}

	ic.selectedFolder = folder
	return nil
}

func (ic *ImapConnection) listUids() ([]uint32, error) {
	// Get all UIDs in folder (empty search criteria)
	criteria := imap.NewSearchCriteria()
	uids, err := ic.connection.UidSearch(criteria)
	if err != nil {
		return nil, &domain.ConnectionError{Op: "list uids", Err: err}
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (ic *ImapConnection) ForEachMessage(ctx context.Context, folder string, fn func(summary *domain.MessageSummary) error) error {
	err := ic.Authenticate(ctx)
	if err != nil {
		return err
	}

	var uids []uint32
	err = ic.withRetry(ctx, func() error {
		if err := ic.selectFolder(folder); err != nil {
			return err
		}

		uids, err = ic.listUids()
		return err
	})
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	for _, batch := range partitionUids(uids, FetchBatchSize) {
		if err := ctx.Err(); err != nil {
			return &domain.ConnectionError{Op: "list messages", Err: err}
		}

		// A batch whose summaries were not delivered yet is safe to retry
		var summaries []*domain.MessageSummary
		batchUids := batch
		err = ic.withRetry(ctx, func() error {
			if err := ic.selectFolder(folder); err != nil {
				return err
			}
			summaries, err = ic.fetchSummaries(batchUids)
			return err
		})
		if err != nil {
			return err
		}

		for _, summary := range summaries {
			if err := fn(summary); err != nil {
				return err
			}
		}
	}

	return nil
}

func (ic *ImapConnection) fetchSummaries(uids []uint32) ([]*domain.MessageSummary, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)

	headerSection := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    mailutil.SpamHeaderNames,
		},
		Peek: true,
	}
	fetchItems := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchEnvelope,
		imap.FetchRFC822Size,
		headerSection.FetchItem(),
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.UidFetch(seqset, fetchItems, messages)
	}()

	summaries := []*domain.MessageSummary{}
	for msg := range messages {
		summary := &domain.MessageSummary{
			Uid:         strconv.FormatUint(uint64(msg.Uid), 10),
			Size:        int64(msg.Size),
			SpamHeaders: map[string]string{},
		}

		if msg.Envelope != nil {
			summary.Subject = mailutil.DecodeHeader(msg.Envelope.Subject)
			summary.Date = msg.Envelope.Date
			if len(msg.Envelope.From) > 0 {
				from := msg.Envelope.From[0]
				summary.From = mailutil.FormatAddress(&stdmail.Address{Name: from.PersonalName, Address: from.Address()})
			}
		}

		if r := msg.GetBody(headerSection); r != nil {
			rawHeader, err := ioutil.ReadAll(r)
			if err != nil {
				return nil, fmt.Errorf("could not read mail header: %w", err)
			}
			headers, err := mailutil.SpamHeaders(rawHeader)
			if err == nil {
				summary.SpamHeaders = headers
			}
		}

		summaries = append(summaries, summary)
	}

	err := <-done
	if err != nil {
		return nil, &domain.ConnectionError{Op: "fetch summaries", Err: err}
	}

	return summaries, nil
}

func (ic *ImapConnection) FetchBody(ctx context.Context, folder string, uid string) (*domain.MessageBody, error) {
	err := ic.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	numericUid, err := parseUid(uid)
	if err != nil {
		return nil, err
	}

	var body *domain.MessageBody
	err = ic.withRetry(ctx, func() error {
		if err := ic.selectFolder(folder); err != nil {
			return err
		}

		seqset := &imap.SeqSet{}
		seqset.AddNum(numericUid)
		fullBodySection := &imap.BodySectionName{Peek: true}

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- ic.connection.UidFetch(seqset, []imap.FetchItem{fullBodySection.FetchItem()}, messages)
		}()

		for msg := range messages {
			r := msg.GetBody(fullBodySection)
			if r == nil {
				continue
			}
			rawMail, err := ioutil.ReadAll(r)
			if err != nil {
				return fmt.Errorf("could not read mail body: %w", err)
			}
			body = &domain.MessageBody{
				Uid:  uid,
				Text: mailutil.PlainTextBody(rawMail),
			}
		}

		fetchErr := <-done
		if fetchErr != nil {
			return &domain.ConnectionError{Op: "fetch body", Err: fetchErr}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if body == nil {
		return nil, fmt.Errorf("message %s not found in %s", uid, folder)
	}

	return body, nil
}

func (ic *ImapConnection) Move(ctx context.Context, uids []string, fromFolder, toFolder string) error {
	err := ic.Authenticate(ctx)
	if err != nil {
		return err
	}

	numericUids, err := parseUids(uids)
	if err != nil {
		return err
	}

	return ic.withRetry(ctx, func() error {
		if err := ic.selectFolder(fromFolder); err != nil {
			return err
		}

		// Retry safety: only touch uids still present in the source folder
		present, err := ic.presentUids(numericUids)
		if err != nil {
			return err
		}
		if len(present) == 0 {
			return nil
		}

		err = ic.mailMover.move(present, toFolder)
		if err != nil {
			return &domain.ConnectionError{Op: "move", Err: err}
		}
		return nil
	})
}

func (ic *ImapConnection) Delete(ctx context.Context, uids []string, folder string) error {
	err := ic.Authenticate(ctx)
	if err != nil {
		return err
	}

	numericUids, err := parseUids(uids)
	if err != nil {
		return err
	}

	return ic.withRetry(ctx, func() error {
		if err := ic.selectFolder(folder); err != nil {
			return err
		}

		present, err := ic.presentUids(numericUids)
		if err != nil {
			return err
		}
		if len(present) == 0 {
			return nil
		}

		err = ic.mailDeleter.delete(present)
		if err != nil {
			return &domain.ConnectionError{Op: "delete", Err: err}
		}
		return nil
	})
}

func (ic *ImapConnection) presentUids(uids []uint32) ([]uint32, error) {
	all, err := ic.listUids()
	if err != nil {
		return nil, err
	}

	inFolder := map[uint32]bool{}
	for _, uid := range all {
		inFolder[uid] = true
	}

	present := []uint32{}
	for _, uid := range uids {
		if inFolder[uid] {
			present = append(present, uid)
		}
	}
	return present, nil
}

func (ic *ImapConnection) EnsureFolder(ctx context.Context, name string) error {
	err := ic.Authenticate(ctx)
	if err != nil {
		return err
	}

	return ic.withRetry(ctx, func() error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- ic.connection.List("", "*", mailboxes)
		}()

		exists := false
		for m := range mailboxes {
			if m.Name == name {
				exists = true
			}
		}
		if err := <-done; err != nil {
			return &domain.ConnectionError{Op: "list folders", Err: err}
		}

		if exists {
			return nil
		}

		err := ic.connection.Create(name)
		if err != nil {
			return &domain.ConnectionError{Op: "create folder", Err: err}
		}

		ic.l.WithFields(logrus.Fields{"account": ic.account.AccountId, "folder": name}).Info("Created folder")
		return nil
	})
}

func (ic *ImapConnection) MailboxStats(ctx context.Context, folder string) (*domain.MailboxStats, error) {
	err := ic.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	stats := &domain.MailboxStats{}
	err = ic.withRetry(ctx, func() error {
		mbox, err := ic.connection.Select(folder, true)
		if err != nil {
			return &domain.ConnectionError{Op: "select " + folder, Err: err}
		}
		ic.selectedFolder = ""

		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.SeenFlag}
		unseen, err := ic.connection.UidSearch(criteria)
		if err != nil {
			return &domain.ConnectionError{Op: "count unseen", Err: err}
		}

		stats.TotalMessages = mbox.Messages
		stats.UnseenMessages = uint32(len(unseen))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (ic *ImapConnection) Close() error {
	if ic.connection == nil {
		return nil
	}

	err := ic.connection.Logout()
	ic.connection = nil
	ic.selectedFolder = ""
	return err
}

func (ic *ImapConnection) flagDeleted(uids []uint32) (*imap.SeqSet, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)
	err := ic.connection.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil)
	if err != nil {
		return nil, fmt.Errorf("could set delete flag: %w", err)
	}

	return seqset, nil
}

func (ic *ImapConnection) delete(uids []uint32) error {
	return ic.mailDeleter.delete(uids)
}

func (ic *ImapConnection) deleteReady() (error, error) {
	return ic.mailDeleter.deleteReady()
}

func (ic *ImapConnection) UidExpunge(seqSet *imap.SeqSet, ch chan uint32) error {
	return ic.uidplusClient.UidExpunge(seqSet, ch)
}

func (ic *ImapConnection) Expunge(ch chan uint32) error {
	return ic.connection.Expunge(ch)
}

func (ic *ImapConnection) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	return ic.connection.UidSearch(criteria)
}

func (ic *ImapConnection) UidCopy(seqset *imap.SeqSet, dest string) error {
	return ic.connection.UidCopy(seqset, dest)
}

func parseUid(uid string) (uint32, error) {
	parsed, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid imap uid %q: %w", uid, err)
	}
	return uint32(parsed), nil
}

func parseUids(uids []string) ([]uint32, error) {
	parsed := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		numeric, err := parseUid(uid)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, numeric)
	}
	return parsed, nil
}

// taken from https://github.com/golang/go/wiki/SliceTricks
func partitionUids(uids []uint32, partitionSize int) [][]uint32 {
	batches := make([][]uint32, 0, (len(uids)+partitionSize-1)/partitionSize)

	for partitionSize < len(uids) {
		uids, batches = uids[partitionSize:], append(batches, uids[0:partitionSize:partitionSize])
	}
	batches = append(batches, uids)

	return batches
}
