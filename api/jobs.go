// SPDX-License-Identifier: GPL-3.0-or-later
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/CrawX/go-mail-warden/log"
)

type JobStatus string

const (
	JobPending   = JobStatus("pending")
	JobRunning   = JobStatus("running")
	JobDone      = JobStatus("done")
	JobFailed    = JobStatus("failed")
	JobCancelled = JobStatus("cancelled")
)

// Job is one background run. Report carries the run's result once Status is
// done; Error the failure once it is failed.
type Job struct {
	Id         string      `json:"id"`
	Kind       string      `json:"kind"`
	AccountId  string      `json:"account_id"`
	Status     JobStatus   `json:"status"`
	Error      string      `json:"error,omitempty"`
	Report     interface{} `json:"report,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`

	cancel context.CancelFunc
}

// JobRunner executes the bulk workflows in the background with a bounded
// number of workers. Cross-account runs go in parallel; the account manager
// serializes runs that hit the same account.
type JobRunner struct {
	workers *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*Job

	l *logrus.Logger
}

func NewJobRunner(workers int) *JobRunner {
	if workers <= 0 {
		workers = 1
	}
	return &JobRunner{
		workers: semaphore.NewWeighted(int64(workers)),
		jobs:    map[string]*Job{},
		l:       log.Logger(log.LOG_API),
	}
}

// Submit queues one run and returns immediately. The run's context is
// cancelled when the job is cancelled.
func (r *JobRunner) Submit(kind, accountId string, run func(ctx context.Context) (interface{}, error)) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		Id:        uuid.New().String(),
		Kind:      kind,
		AccountId: accountId,
		Status:    JobPending,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	r.mu.Lock()
	r.jobs[job.Id] = job
	r.mu.Unlock()

	go func() {
		defer cancel()

		err := r.workers.Acquire(ctx, 1)
		if err != nil {
			r.finish(job, nil, err)
			return
		}
		defer r.workers.Release(1)

		r.mu.Lock()
		if job.Status == JobPending {
			job.Status = JobRunning
		}
		r.mu.Unlock()

		report, err := run(ctx)
		r.finish(job, report, err)
	}()

	r.l.WithFields(logrus.Fields{"job": job.Id, "kind": kind, "account": accountId}).Info("Queued job")
	return job
}

func (r *JobRunner) finish(job *Job, report interface{}, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job.FinishedAt = time.Now()
	job.Report = report
	switch {
	case err == nil:
		job.Status = JobDone
	case errors.Is(err, context.Canceled):
		job.Status = JobCancelled
	default:
		job.Status = JobFailed
		job.Error = err.Error()
	}
}

// Get returns a snapshot of one job.
func (r *JobRunner) Get(jobId string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, found := r.jobs[jobId]
	if !found {
		return nil, fmt.Errorf("unknown job %q", jobId)
	}

	snapshot := *job
	return &snapshot, nil
}

// Cancel asks a pending or running job to stop. The job keeps its partial
// report when the workflow honors cancellation.
func (r *JobRunner) Cancel(jobId string) error {
	r.mu.Lock()
	job, found := r.jobs[jobId]
	r.mu.Unlock()
	if !found {
		return fmt.Errorf("unknown job %q", jobId)
	}

	job.cancel()
	return nil
}
