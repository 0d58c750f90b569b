// SPDX-License-Identifier: GPL-3.0-or-later
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CrawX/go-mail-warden/classify"
	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"
	"github.com/CrawX/go-mail-warden/mail"
)

const (
	DefaultBatchSize           = 100
	DefaultSpamFolder          = "Spam"
	DefaultClassifyConcurrency = 4
)

const (
	OperationDelete     = "delete"
	OperationMove       = "move"
	OperationFilterSpam = "filter-spam"
	OperationCategorize = "categorize"
)

// categoryFolders routes non-spam categories; spam goes to the engine's
// configured spam folder. Personal mail stays where it is.
var categoryFolders = map[domain.Category]string{
	domain.CategoryWork:       "Work",
	domain.CategoryPromotions: "Promotions",
	domain.CategorySocial:     "Social",
}

var errEnoughCollected = errors.New("collected enough messages")

// RunAuditor records finished runs. Audit failures are logged, never fatal.
type RunAuditor interface {
	SaveCleanupRun(accountId, folder, operation string, report *domain.CleanupReport) error
}

// Engine drives the bulk workflows over any connector: criteria cleanup,
// spam filtering and categorization. Batches are processed oldest first and
// a failing batch never aborts the remaining ones.
type Engine struct {
	resolver   domain.ConnectorResolver
	classifier *classify.Classifier
	auditor    RunAuditor

	batchSize           int
	spamFolder          string
	classifyConcurrency int

	l *logrus.Logger
}

type ConfigFunc func(engine *Engine) error

func BatchSize(size int) ConfigFunc {
	return func(engine *Engine) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", size)
		}
		engine.batchSize = size
		return nil
	}
}

func SpamFolder(folder string) ConfigFunc {
	return func(engine *Engine) error {
		if folder == "" {
			return fmt.Errorf("spam folder must not be empty")
		}
		engine.spamFolder = folder
		return nil
	}
}

func ClassifyConcurrency(concurrency int) ConfigFunc {
	return func(engine *Engine) error {
		if concurrency <= 0 {
			return fmt.Errorf("classify concurrency must be positive, got %d", concurrency)
		}
		engine.classifyConcurrency = concurrency
		return nil
	}
}

func AuditTo(auditor RunAuditor) ConfigFunc {
	return func(engine *Engine) error {
		engine.auditor = auditor
		return nil
	}
}

func NewEngine(resolver domain.ConnectorResolver, classifier *classify.Classifier, configs ...ConfigFunc) (*Engine, error) {
	engine := &Engine{
		resolver:            resolver,
		classifier:          classifier,
		batchSize:           DefaultBatchSize,
		spamFolder:          DefaultSpamFolder,
		classifyConcurrency: DefaultClassifyConcurrency,
		l:                   log.Logger(log.LOG_CLEANUP),
	}

	for _, config := range configs {
		err := config(engine)
		if err != nil {
			return nil, fmt.Errorf("could not configure cleanup engine: %w", err)
		}
	}

	return engine, nil
}

// Delete removes the messages matching the criteria from the folder.
func (e *Engine) Delete(ctx context.Context, accountId string, criteria *domain.CleanupCriteria) (*domain.CleanupReport, error) {
	return e.run(ctx, accountId, criteria, OperationDelete, "")
}

// Move moves the messages matching the criteria into toFolder, creating it
// when necessary.
func (e *Engine) Move(ctx context.Context, accountId string, criteria *domain.CleanupCriteria, toFolder string) (*domain.CleanupReport, error) {
	if toFolder == "" {
		return nil, fmt.Errorf("move needs a target folder")
	}
	return e.run(ctx, accountId, criteria, OperationMove, toFolder)
}

func (e *Engine) run(ctx context.Context, accountId string, criteria *domain.CleanupCriteria, operation, toFolder string) (*domain.CleanupReport, error) {
	if criteria.Folder == "" {
		return nil, fmt.Errorf("cleanup needs a folder")
	}

	connector, release, err := e.resolver.Resolve(accountId)
	if err != nil {
		return nil, err
	}
	defer release()

	err = connector.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	summaries, err := collectSummaries(ctx, connector, criteria.Folder, 0)
	if err != nil {
		return nil, fmt.Errorf("could not scan folder %s: %w", criteria.Folder, err)
	}

	report := &domain.CleanupReport{Scanned: len(summaries), DryRun: criteria.DryRun}
	matched := filterSummaries(summaries, criteria)
	report.Matched = len(matched)

	e.l.WithFields(logrus.Fields{
		"account": accountId,
		"folder":  criteria.Folder,
		"scanned": report.Scanned,
		"matched": report.Matched,
		"dryrun":  criteria.DryRun,
	}).Info("Scanned folder for cleanup")

	if report.Matched == 0 {
		e.audit(accountId, criteria.Folder, operation, report)
		return report, nil
	}

	if !criteria.DryRun && report.Matched == report.Scanned && !criteria.ConfirmMatchAll {
		return nil, fmt.Errorf("criteria match all %d messages in %s, refusing without explicit confirmation", report.Scanned, criteria.Folder)
	}

	if !criteria.DryRun && toFolder != "" {
		err = connector.EnsureFolder(ctx, toFolder)
		if err != nil {
			return nil, fmt.Errorf("could not ensure folder %s: %w", toFolder, err)
		}
	}

	apply := func(batch []string) error {
		if operation == OperationMove {
			return connector.Move(ctx, batch, criteria.Folder, toFolder)
		}
		return connector.Delete(ctx, batch, criteria.Folder)
	}

	err = e.processBatches(ctx, report, 0, oldestFirstUids(matched), apply)
	e.audit(accountId, criteria.Folder, operation, report)
	if err != nil {
		return report, err
	}

	return report, nil
}

// FilterSpam classifies the folder and moves spam to the spam folder. Spam
// is only ever moved, never deleted. maxMessages bounds the scan, 0 scans
// everything.
func (e *Engine) FilterSpam(ctx context.Context, accountId, folder string, dryRun bool, maxMessages int) (*domain.CleanupReport, error) {
	connector, release, err := e.resolver.Resolve(accountId)
	if err != nil {
		return nil, err
	}
	defer release()

	err = connector.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	summaries, err := collectSummaries(ctx, connector, folder, maxMessages)
	if err != nil {
		return nil, fmt.Errorf("could not scan folder %s: %w", folder, err)
	}

	report := &domain.CleanupReport{Scanned: len(summaries), DryRun: dryRun}

	spam := []*domain.MessageSummary{}
	for i, result := range e.classifyAll(summaries) {
		if result.Category == domain.CategorySpam {
			e.l.WithFields(logrus.Fields{
				"subject":    mail.ShortSubject(summaries[i].Subject),
				"confidence": result.Confidence,
			}).Debug("Message classified as spam")
			spam = append(spam, summaries[i])
		}
	}
	report.Matched = len(spam)

	e.l.WithFields(logrus.Fields{
		"account": accountId,
		"folder":  folder,
		"scanned": report.Scanned,
		"spam":    report.Matched,
		"dryrun":  dryRun,
	}).Info("Classified folder for spam")

	if report.Matched == 0 {
		e.audit(accountId, folder, OperationFilterSpam, report)
		return report, nil
	}

	if !dryRun {
		err = connector.EnsureFolder(ctx, e.spamFolder)
		if err != nil {
			return nil, fmt.Errorf("could not ensure spam folder: %w", err)
		}
	}

	err = e.processBatches(ctx, report, 0, oldestFirstUids(spam), func(batch []string) error {
		return connector.Move(ctx, batch, folder, e.spamFolder)
	})
	e.audit(accountId, folder, OperationFilterSpam, report)
	if err != nil {
		return report, err
	}

	return report, nil
}

// Categorize classifies the folder and routes each message to its category
// folder. Personal mail stays in place.
func (e *Engine) Categorize(ctx context.Context, accountId, folder string, dryRun bool) (*domain.CategoryReport, error) {
	connector, release, err := e.resolver.Resolve(accountId)
	if err != nil {
		return nil, err
	}
	defer release()

	err = connector.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	summaries, err := collectSummaries(ctx, connector, folder, 0)
	if err != nil {
		return nil, fmt.Errorf("could not scan folder %s: %w", folder, err)
	}

	report := &domain.CategoryReport{
		Scanned:     len(summaries),
		DryRun:      dryRun,
		PerCategory: map[domain.Category]int{},
	}

	byCategory := map[domain.Category][]*domain.MessageSummary{}
	for i, result := range e.classifyAll(summaries) {
		report.PerCategory[result.Category]++
		byCategory[result.Category] = append(byCategory[result.Category], summaries[i])
	}

	e.l.WithFields(logrus.Fields{
		"account": accountId,
		"folder":  folder,
		"scanned": report.Scanned,
		"dryrun":  dryRun,
	}).Info("Classified folder into categories")

	audit := &domain.CleanupReport{Scanned: report.Scanned, DryRun: dryRun}
	// Batches are numbered across the whole run so batch errors from
	// different categories stay distinguishable in one report.
	batchOffset := 0
	for _, category := range []domain.Category{domain.CategorySpam, domain.CategoryPromotions, domain.CategorySocial, domain.CategoryWork} {
		routed := byCategory[category]
		if len(routed) == 0 {
			continue
		}
		audit.Matched += len(routed)

		target := e.spamFolder
		if category != domain.CategorySpam {
			target = categoryFolders[category]
		}

		if !dryRun {
			err = connector.EnsureFolder(ctx, target)
			if err != nil {
				return nil, fmt.Errorf("could not ensure folder %s: %w", target, err)
			}
		}

		partial := &domain.CleanupReport{DryRun: dryRun, BatchErrors: report.BatchErrors}
		err = e.processBatches(ctx, partial, batchOffset, oldestFirstUids(routed), func(batch []string) error {
			return connector.Move(ctx, batch, folder, target)
		})
		batchOffset += (len(routed) + e.batchSize - 1) / e.batchSize
		report.Moved += partial.MovedOrDeleted
		report.BatchErrors = partial.BatchErrors
		if err != nil {
			audit.MovedOrDeleted = report.Moved
			audit.BatchErrors = report.BatchErrors
			e.audit(accountId, folder, OperationCategorize, audit)
			return report, err
		}
	}

	audit.MovedOrDeleted = report.Moved
	audit.BatchErrors = report.BatchErrors
	e.audit(accountId, folder, OperationCategorize, audit)
	return report, nil
}

// processBatches applies the operation batch by batch. A failing batch is
// recorded and skipped; cancellation is honored between batches and surfaces
// as the context error with the partial report intact.
func (e *Engine) processBatches(ctx context.Context, report *domain.CleanupReport, firstBatch int, uids []string, apply func(batch []string) error) error {
	for i, batch := range partitionBatches(uids, e.batchSize) {
		err := ctx.Err()
		if err != nil {
			return err
		}

		batchNumber := firstBatch + i
		if report.DryRun {
			report.MovedOrDeleted += len(batch)
			continue
		}

		err = apply(batch)
		if err != nil {
			e.l.WithFields(logrus.Fields{"batch": batchNumber, "size": len(batch)}).WithError(err).Warn("Batch failed, continuing with remaining batches")
			report.BatchErrors = append(report.BatchErrors, domain.BatchError{Batch: batchNumber, Uids: batch, Error: err.Error()})
			continue
		}
		report.MovedOrDeleted += len(batch)
	}

	return nil
}

func (e *Engine) classifyAll(summaries []*domain.MessageSummary) []domain.ClassificationResult {
	inputs := make([]classify.Input, len(summaries))
	for i, summary := range summaries {
		inputs[i] = classify.Input{Summary: summary}
	}
	return e.classifier.ClassifyAll(inputs, e.classifyConcurrency)
}

func (e *Engine) audit(accountId, folder, operation string, report *domain.CleanupReport) {
	if e.auditor == nil {
		return
	}

	err := e.auditor.SaveCleanupRun(accountId, folder, operation, report)
	if err != nil {
		e.l.WithFields(logrus.Fields{"account": accountId, "operation": operation}).WithError(err).Warn("Could not record cleanup run")
	}
}

func collectSummaries(ctx context.Context, connector domain.Connector, folder string, maxMessages int) ([]*domain.MessageSummary, error) {
	summaries := []*domain.MessageSummary{}
	err := connector.ForEachMessage(ctx, folder, func(summary *domain.MessageSummary) error {
		summaries = append(summaries, summary)
		if maxMessages > 0 && len(summaries) >= maxMessages {
			return errEnoughCollected
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnoughCollected) {
		return nil, err
	}

	return summaries, nil
}

func filterSummaries(summaries []*domain.MessageSummary, criteria *domain.CleanupCriteria) []*domain.MessageSummary {
	cutoff := time.Time{}
	if criteria.OlderThanDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -criteria.OlderThanDays)
	}

	matched := []*domain.MessageSummary{}
	for _, summary := range summaries {
		if !cutoff.IsZero() {
			// Messages without a parseable date are left alone
			if summary.Date.IsZero() || !summary.Date.Before(cutoff) {
				continue
			}
		}
		if criteria.FromContains != "" && !containsFold(summary.From, criteria.FromContains) {
			continue
		}
		if criteria.SubjectContains != "" && !containsFold(summary.Subject, criteria.SubjectContains) {
			continue
		}
		matched = append(matched, summary)
	}

	return matched
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func oldestFirstUids(summaries []*domain.MessageSummary) []string {
	ordered := make([]*domain.MessageSummary, len(summaries))
	copy(ordered, summaries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Date.Before(ordered[j].Date)
	})

	uids := make([]string, len(ordered))
	for i, summary := range ordered {
		uids[i] = summary.Uid
	}
	return uids
}

func partitionBatches(uids []string, batchSize int) [][]string {
	if len(uids) == 0 {
		return nil
	}

	batches := make([][]string, 0, (len(uids)+batchSize-1)/batchSize)
	for batchSize < len(uids) {
		uids, batches = uids[batchSize:], append(batches, uids[0:batchSize:batchSize])
	}
	return append(batches, uids)
}
