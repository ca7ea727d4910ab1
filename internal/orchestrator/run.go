// Package orchestrator sequences the run: single-instance locking, per-table
// drivers with adaptive batch sizing and retry budgets, bounded database
// parallelism, and the end-of-run summary.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldstore/archiver/internal/locking"
	"github.com/coldstore/archiver/internal/metrics"
	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/sourcedb"
	"github.com/coldstore/archiver/internal/state"
)

// Exit codes reported by the archiver process.
const (
	ExitOK             = 0
	ExitPartialFailure = 1
	ExitTotalFailure   = 2
	ExitValidation     = 3
	ExitLockHeld       = 4
	ExitPermissions    = 5
	ExitResources      = 6
	ExitNetwork        = 7
)

// RunSummary is the end-of-run report, logged and uploaded next to the audit
// trail.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run,omitempty"`

	Tables []TableReport `json:"tables"`

	TotalRows       int64 `json:"total_rows"`
	TotalBytes      int64 `json:"total_compressed_bytes"`
	TablesSucceeded int   `json:"tables_succeeded"`
	TablesSkipped   int   `json:"tables_skipped"`
	TablesFailed    int   `json:"tables_failed"`
}

// ExitCode maps the summary onto the process exit code.
func (s *RunSummary) ExitCode() int {
	switch {
	case s.TablesFailed == 0:
		return ExitOK
	case s.TablesSucceeded == 0 && s.TablesSkipped == 0:
		return ExitTotalFailure
	default:
		return ExitPartialFailure
	}
}

// DatabaseOrchestrator groups one database's table drivers; its failure never
// stops sibling databases.
type DatabaseOrchestrator struct {
	Name   string
	DB     *sourcedb.DB
	Tables []*TableOrchestrator
}

// RunOrchestrator executes a full configured run.
type RunOrchestrator struct {
	Databases []*DatabaseOrchestrator

	Locks    locking.Manager
	Store    objstore.Store
	Uploader *objstore.Uploader
	Layout   state.Layout
	Metrics  *metrics.Metrics

	// Parallel runs up to MaxParallel databases concurrently; false means
	// strictly sequential.
	Parallel    bool
	MaxParallel int

	// Deadline bounds the whole run; zero disables it.
	Deadline time.Duration

	DryRun bool
}

// Run acquires the single-instance lock, recovers leftovers from prior runs,
// drives every database, and writes the run summary. The error is non-nil
// only for run-level faults; per-table failures live in the summary.
func (r *RunOrchestrator) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		DryRun:    r.DryRun,
	}

	if r.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Deadline)
		defer cancel()
	}

	runLock, err := r.Locks.AcquireRun(ctx)
	if err != nil {
		return summary, err
	}
	defer runLock.Release(context.WithoutCancel(ctx))

	log.Printf("[orchestrator] run %s starting (%d databases)", summary.RunID, len(r.Databases))
	r.recoverLeftovers(ctx)

	for _, dbo := range r.Databases {
		for _, to := range dbo.Tables {
			to.RunID = summary.RunID
		}
	}

	reports := make(chan TableReport)
	var wg sync.WaitGroup
	slots := make(chan struct{}, r.parallelism())
	for _, dbo := range r.Databases {
		wg.Add(1)
		go func(dbo *DatabaseOrchestrator) {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()
			for _, to := range dbo.Tables {
				reports <- to.Run(ctx)
			}
		}(dbo)
	}
	go func() {
		wg.Wait()
		close(reports)
	}()

	for rep := range reports {
		summary.Tables = append(summary.Tables, rep)
		summary.TotalRows += rep.Rows
		summary.TotalBytes += rep.CompressedBytes
		switch {
		case rep.Error != "":
			summary.TablesFailed++
		case rep.Skipped:
			summary.TablesSkipped++
		default:
			summary.TablesSucceeded++
		}
	}

	summary.FinishedAt = time.Now().UTC()
	r.uploadSummary(ctx, summary)
	log.Printf("[orchestrator] run %s finished: %d rows across %d tables (%d failed, %d skipped) in %s",
		summary.RunID, summary.TotalRows, len(summary.Tables),
		summary.TablesFailed, summary.TablesSkipped,
		summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second))
	return summary, nil
}

func (r *RunOrchestrator) parallelism() int {
	if !r.Parallel {
		return 1
	}
	n := r.MaxParallel
	if n <= 0 {
		n = 3
	}
	if n > 10 {
		n = 10
	}
	return n
}

// recoverLeftovers re-uploads spooled payloads and aborts multipart uploads
// abandoned by crashed runs. Both are best-effort.
func (r *RunOrchestrator) recoverLeftovers(ctx context.Context) {
	if r.Uploader != nil {
		recovered, remaining, err := r.Uploader.RecoverFallback(ctx)
		if err != nil {
			log.Printf("[orchestrator] fallback recovery: %v", err)
		} else if recovered > 0 || remaining > 0 {
			log.Printf("[orchestrator] fallback recovery: %d re-uploaded, %d still spooled", recovered, remaining)
		}
	}
	aborted, err := objstore.AbortAbandonedUploads(ctx, r.Store, r.Layout.Prefix, 24*time.Hour)
	if err != nil {
		log.Printf("[orchestrator] abort abandoned uploads: %v", err)
	} else if aborted > 0 {
		log.Printf("[orchestrator] aborted %d abandoned multipart uploads", aborted)
	}
}

func (r *RunOrchestrator) uploadSummary(ctx context.Context, s *RunSummary) {
	data, err := json.Marshal(s)
	if err != nil {
		log.Printf("[orchestrator] encode run summary: %v", err)
		return
	}
	key := r.Layout.AuditKey(s.FinishedAt, "run_summary")
	if err := r.Store.Put(ctx, key, data, objstore.PutOptions{ContentType: "application/json"}); err != nil {
		log.Printf("[orchestrator] upload run summary: %v", err)
	}
}

// ExitCodeFor maps a run-level error to the process exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, locking.ErrLockHeld):
		return ExitLockHeld
	case errors.Is(err, context.DeadlineExceeded):
		return ExitResources
	case errors.Is(err, objstore.ErrBreakerOpen):
		return ExitNetwork
	default:
		return ExitTotalFailure
	}
}
