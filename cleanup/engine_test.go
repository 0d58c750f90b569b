// SPDX-License-Identifier: GPL-3.0-or-later
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrawX/go-mail-warden/classify"
	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"
)

func init() {
	log.InitLogging("error")
}

type fakeCleanupConnector struct {
	messages []*domain.MessageSummary

	moved       [][]string
	moveTargets []string
	deleted     [][]string
	ensured     []string

	failMoveBatch   int
	failAllMoves    bool
	moveCalls       int
	onMove          func()
	authenticateErr error
}

func (f *fakeCleanupConnector) Authenticate(ctx context.Context) error { return f.authenticateErr }

func (f *fakeCleanupConnector) ForEachMessage(ctx context.Context, folder string, fn func(summary *domain.MessageSummary) error) error {
	for _, summary := range f.messages {
		err := fn(summary)
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeCleanupConnector) FetchBody(ctx context.Context, folder string, uid string) (*domain.MessageBody, error) {
	return &domain.MessageBody{Uid: uid}, nil
}

func (f *fakeCleanupConnector) Move(ctx context.Context, uids []string, fromFolder, toFolder string) error {
	f.moveCalls++
	if f.onMove != nil {
		f.onMove()
	}
	if f.failAllMoves || (f.failMoveBatch > 0 && f.moveCalls == f.failMoveBatch) {
		return fmt.Errorf("simulated move failure")
	}
	f.moved = append(f.moved, uids)
	f.moveTargets = append(f.moveTargets, toFolder)
	return nil
}

func (f *fakeCleanupConnector) Delete(ctx context.Context, uids []string, folder string) error {
	f.deleted = append(f.deleted, uids)
	return nil
}

func (f *fakeCleanupConnector) EnsureFolder(ctx context.Context, name string) error {
	f.ensured = append(f.ensured, name)
	return nil
}

func (f *fakeCleanupConnector) Send(ctx context.Context, message *domain.OutgoingMessage) error {
	return nil
}

func (f *fakeCleanupConnector) MailboxStats(ctx context.Context, folder string) (*domain.MailboxStats, error) {
	return &domain.MailboxStats{}, nil
}

func (f *fakeCleanupConnector) Close() error { return nil }

type fakeResolver struct {
	connector *fakeCleanupConnector
	releases  int
}

func (f *fakeResolver) Resolve(accountId string) (domain.Connector, func(), error) {
	return f.connector, func() { f.releases++ }, nil
}

type fakeAuditor struct {
	operations []string
	reports    []*domain.CleanupReport
}

func (f *fakeAuditor) SaveCleanupRun(accountId, folder, operation string, report *domain.CleanupReport) error {
	f.operations = append(f.operations, operation)
	f.reports = append(f.reports, report)
	return nil
}

func cleanupMessage(uid string, ageDays int, from, subject string) *domain.MessageSummary {
	return &domain.MessageSummary{
		Uid:     uid,
		From:    from,
		Subject: subject,
		Date:    time.Now().AddDate(0, 0, -ageDays),
	}
}

func cleanupMessages(count, ageDays int) []*domain.MessageSummary {
	messages := make([]*domain.MessageSummary, count)
	for i := range messages {
		messages[i] = cleanupMessage(fmt.Sprintf("uid-%04d", i), ageDays, "someone@example.com", "some subject")
	}
	return messages
}

func newTestEngine(t *testing.T, connector *fakeCleanupConnector, configs ...ConfigFunc) (*Engine, *fakeAuditor) {
	auditor := &fakeAuditor{}
	configs = append([]ConfigFunc{AuditTo(auditor)}, configs...)
	engine, err := NewEngine(&fakeResolver{connector: connector}, classify.NewClassifier(nil, 0.5), configs...)
	require.NoError(t, err)
	return engine, auditor
}

func TestEngine_DeleteBatchMath(t *testing.T) {
	connector := &fakeCleanupConnector{messages: cleanupMessages(250, 5)}
	engine, _ := newTestEngine(t, connector, BatchSize(100))

	report, err := engine.Delete(context.Background(), "acc", &domain.CleanupCriteria{
		Folder:          "INBOX",
		ConfirmMatchAll: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 250, report.Scanned)
	assert.Equal(t, 250, report.Matched)
	assert.Equal(t, 250, report.MovedOrDeleted)
	require.Len(t, connector.deleted, 3, "250 matches at batch size 100 must need 3 batches")
	assert.Len(t, connector.deleted[0], 100)
	assert.Len(t, connector.deleted[2], 50)
}

func TestEngine_DeleteRefusesMatchAllWithoutConfirmation(t *testing.T) {
	connector := &fakeCleanupConnector{messages: cleanupMessages(10, 5)}
	engine, _ := newTestEngine(t, connector)

	_, err := engine.Delete(context.Background(), "acc", &domain.CleanupCriteria{Folder: "INBOX"})
	assert.ErrorContains(t, err, "refusing without explicit confirmation")
	assert.Empty(t, connector.deleted, "refused run must not touch the mailbox")
}

func TestEngine_DryRunNeverMutates(t *testing.T) {
	connector := &fakeCleanupConnector{messages: cleanupMessages(150, 5)}
	engine, _ := newTestEngine(t, connector, BatchSize(100))

	report, err := engine.Delete(context.Background(), "acc", &domain.CleanupCriteria{
		Folder: "INBOX",
		DryRun: true,
	})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 150, report.MovedOrDeleted, "dry run must report the counts a live run would")
	assert.Empty(t, connector.deleted)
	assert.Empty(t, connector.moved)
	assert.Empty(t, connector.ensured)
}

func TestEngine_CriteriaFilters(t *testing.T) {
	connector := &fakeCleanupConnector{messages: []*domain.MessageSummary{
		cleanupMessage("old-news", 40, "Newsletter <news@shop.example>", "Weekly deals"),
		cleanupMessage("new-news", 2, "Newsletter <news@shop.example>", "Weekly deals"),
		cleanupMessage("old-friend", 40, "friend@example.com", "dinner?"),
	}}
	engine, _ := newTestEngine(t, connector)

	report, err := engine.Delete(context.Background(), "acc", &domain.CleanupCriteria{
		Folder:        "INBOX",
		OlderThanDays: 30,
		FromContains:  "NEWS@SHOP",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Matched)
	require.Len(t, connector.deleted, 1)
	assert.Equal(t, []string{"old-news"}, connector.deleted[0])
}

func TestEngine_MoveOldestFirstAndEnsuresFolder(t *testing.T) {
	connector := &fakeCleanupConnector{messages: []*domain.MessageSummary{
		cleanupMessage("newest", 10, "a@example.com", "x"),
		cleanupMessage("oldest", 90, "a@example.com", "x"),
		cleanupMessage("middle", 40, "a@example.com", "x"),
	}}
	engine, _ := newTestEngine(t, connector, BatchSize(2))

	report, err := engine.Move(context.Background(), "acc", &domain.CleanupCriteria{
		Folder:          "INBOX",
		OlderThanDays:   5,
		ConfirmMatchAll: true,
	}, "Archive")
	require.NoError(t, err)

	assert.Equal(t, 3, report.MovedOrDeleted)
	assert.Equal(t, []string{"Archive"}, connector.ensured)
	require.Len(t, connector.moved, 2)
	assert.Equal(t, []string{"oldest", "middle"}, connector.moved[0], "batches must run oldest first")
	assert.Equal(t, []string{"newest"}, connector.moved[1])
}

func TestEngine_PartialBatchFailure(t *testing.T) {
	connector := &fakeCleanupConnector{
		messages:      cleanupMessages(300, 5),
		failMoveBatch: 2,
	}
	engine, _ := newTestEngine(t, connector, BatchSize(100))

	report, err := engine.Move(context.Background(), "acc", &domain.CleanupCriteria{
		Folder:          "INBOX",
		ConfirmMatchAll: true,
	}, "Archive")
	require.NoError(t, err, "a failing batch must not fail the run")

	assert.Equal(t, 200, report.MovedOrDeleted)
	require.Len(t, report.BatchErrors, 1)
	assert.Equal(t, 1, report.BatchErrors[0].Batch)
	assert.Len(t, report.BatchErrors[0].Uids, 100)
	assert.Contains(t, report.BatchErrors[0].Error, "simulated move failure")
}

func TestEngine_AuditsRuns(t *testing.T) {
	connector := &fakeCleanupConnector{messages: cleanupMessages(10, 5)}
	engine, auditor := newTestEngine(t, connector)

	_, err := engine.Delete(context.Background(), "acc", &domain.CleanupCriteria{
		Folder:          "INBOX",
		ConfirmMatchAll: true,
	})
	require.NoError(t, err)

	require.Len(t, auditor.operations, 1)
	assert.Equal(t, OperationDelete, auditor.operations[0])
	assert.Equal(t, 10, auditor.reports[0].MovedOrDeleted)
}

func TestEngine_FilterSpamMovesNeverDeletes(t *testing.T) {
	connector := &fakeCleanupConnector{messages: []*domain.MessageSummary{
		cleanupMessage("ham", 1, "friend@example.com", "lunch tomorrow"),
		{
			Uid:         "spam-1",
			From:        "x@y.example.com",
			Subject:     "you are a winner",
			Date:        time.Now().AddDate(0, 0, -3),
			SpamHeaders: map[string]string{"X-Spam-Score": "10"},
		},
	}}
	engine, auditor := newTestEngine(t, connector)

	report, err := engine.FilterSpam(context.Background(), "acc", "INBOX", false, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.MovedOrDeleted)
	assert.Equal(t, []string{DefaultSpamFolder}, connector.ensured)
	require.Len(t, connector.moved, 1)
	assert.Equal(t, []string{"spam-1"}, connector.moved[0])
	assert.Empty(t, connector.deleted, "spam filtering must never delete")
	assert.Equal(t, []string{OperationFilterSpam}, auditor.operations)
}

func TestEngine_FilterSpamHonorsMax(t *testing.T) {
	connector := &fakeCleanupConnector{messages: cleanupMessages(50, 1)}
	engine, _ := newTestEngine(t, connector)

	report, err := engine.FilterSpam(context.Background(), "acc", "INBOX", true, 20)
	require.NoError(t, err)

	assert.Equal(t, 20, report.Scanned, "scan must stop at the configured maximum")
}

func TestEngine_CategorizeRoutesByCategory(t *testing.T) {
	connector := &fakeCleanupConnector{messages: []*domain.MessageSummary{
		cleanupMessage("personal", 1, "friend@example.com", "hello there"),
		cleanupMessage("social", 1, "updates@facebookmail.com", "new comment"),
		cleanupMessage("promo", 1, "offers@shop.example", "SALE save 50% discount coupon"),
		{
			Uid:         "spam",
			From:        "x@y.example.com",
			Subject:     "congratulations winner, claim your prize",
			Date:        time.Now().AddDate(0, 0, -1),
			SpamHeaders: map[string]string{"X-Spam-Flag": "YES"},
		},
	}}
	engine, _ := newTestEngine(t, connector)

	report, err := engine.Categorize(context.Background(), "acc", "INBOX", false)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 3, report.Moved, "personal mail must stay in place")
	assert.Equal(t, 1, report.PerCategory[domain.CategoryPersonal])
	assert.Equal(t, 1, report.PerCategory[domain.CategorySocial])
	assert.Equal(t, 1, report.PerCategory[domain.CategoryPromotions])
	assert.Equal(t, 1, report.PerCategory[domain.CategorySpam])

	assert.ElementsMatch(t, []string{DefaultSpamFolder, "Promotions", "Social"}, connector.ensured)
	assert.ElementsMatch(t, []string{DefaultSpamFolder, "Promotions", "Social"}, connector.moveTargets)
}

func TestEngine_CategorizeNumbersBatchesAcrossCategories(t *testing.T) {
	connector := &fakeCleanupConnector{
		messages: []*domain.MessageSummary{
			{
				Uid:         "spam",
				From:        "x@y.example.com",
				Subject:     "congratulations winner, claim your prize",
				Date:        time.Now().AddDate(0, 0, -1),
				SpamHeaders: map[string]string{"X-Spam-Flag": "YES"},
			},
			cleanupMessage("social", 1, "updates@facebookmail.com", "new comment"),
		},
		failAllMoves: true,
	}
	engine, _ := newTestEngine(t, connector, BatchSize(1))

	report, err := engine.Categorize(context.Background(), "acc", "INBOX", false)
	require.NoError(t, err)

	require.Len(t, report.BatchErrors, 2)
	assert.Equal(t, 0, report.BatchErrors[0].Batch)
	assert.Equal(t, 1, report.BatchErrors[1].Batch, "batches from different categories must not share a number")
}

func TestEngine_RejectsBadConfiguration(t *testing.T) {
	_, err := NewEngine(&fakeResolver{}, classify.NewClassifier(nil, 0.5), BatchSize(0))
	assert.ErrorContains(t, err, "batch size must be positive")
}

func TestPartitionBatches(t *testing.T) {
	assert.Nil(t, partitionBatches(nil, 10))

	batches := partitionBatches([]string{"a", "b", "c", "d", "e"}, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, batches[0])
	assert.Equal(t, []string{"e"}, batches[2])
}

func TestEngine_CancelledRunKeepsPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	connector := &fakeCleanupConnector{messages: cleanupMessages(300, 5)}
	connector.onMove = cancel
	engine, _ := newTestEngine(t, connector, BatchSize(100))

	report, err := engine.Move(ctx, "acc", &domain.CleanupCriteria{
		Folder:          "INBOX",
		ConfirmMatchAll: true,
	}, "Archive")

	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, report)
	assert.Equal(t, 100, report.MovedOrDeleted, "work done before cancellation must be reported")
	assert.Len(t, connector.moved, 1, "no further batch may run after cancellation")
}
