package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/coldstore/archiver/internal/audit"
	"github.com/coldstore/archiver/internal/compliance"
	"github.com/coldstore/archiver/internal/config"
	"github.com/coldstore/archiver/internal/errclass"
	"github.com/coldstore/archiver/internal/locking"
	"github.com/coldstore/archiver/internal/metrics"
	"github.com/coldstore/archiver/internal/pipeline"
	"github.com/coldstore/archiver/internal/retry"
	"github.com/coldstore/archiver/internal/sourcedb"
	"github.com/coldstore/archiver/internal/state"
)

// TableReport is one table's outcome inside the run summary.
type TableReport struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`

	Batches         int   `json:"batches"`
	Rows            int64 `json:"rows"`
	CompressedBytes int64 `json:"compressed_bytes"`

	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`

	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// TableOrchestrator drives one table to completion: lock, plan the cutoff,
// loop batches with the retry budget, checkpoint, vacuum, and report.
type TableOrchestrator struct {
	Pipeline *pipeline.Pipeline
	DB       *sourcedb.DB

	Table    config.Table
	Defaults config.Defaults

	Locks       locking.Manager
	Compliance  *compliance.Checker // nil disables hold checks
	Checkpoints *state.CheckpointStore
	Trail       *audit.Trail
	Metrics     *metrics.Metrics

	RunID string

	// Progress is the cadence of per-table progress lines; zero disables
	// them. Quiet drops both the ticker and the per-batch lines.
	Progress time.Duration
	Quiet    bool

	// batchRetry is the per-batch transient budget; zero picks the default.
	BatchRetry retry.Policy
}

func (o *TableOrchestrator) retryPolicy() retry.Policy {
	p := o.BatchRetry
	if p.MaxAttempts == 0 {
		p = retry.Policy{MaxAttempts: 3, Base: 2 * time.Second, Cap: 30 * time.Second}
	}
	if p.Classify == nil {
		p.Classify = errclass.IsTransient
	}
	return p
}

// Run archives everything eligible in the table. The returned report always
// carries counts for whatever committed before any failure.
func (o *TableOrchestrator) Run(ctx context.Context) TableReport {
	start := time.Now()
	rep := TableReport{Database: o.DB.Name(), Schema: o.Table.Schema, Table: o.Table.Name}
	defer func() { rep.DurationMS = time.Since(start).Milliseconds() }()

	o.Metrics.TablesRunning.Inc()
	defer o.Metrics.TablesRunning.Dec()

	err := o.run(ctx, &rep)
	if err != nil {
		rep.Error = err.Error()
		o.Metrics.ErrorsTotal.WithLabelValues(errclass.ClassOf(err).String()).Inc()
		if o.Trail != nil {
			ev := audit.NewEvent(audit.KindArchiveFailure, o.Pipeline.Options.Actor).
				WithTarget(rep.Database, rep.Schema, rep.Table).WithError(err)
			ev.RowCount = rep.Rows
			ev.DurationMS = time.Since(start).Milliseconds()
			o.Trail.Emit(ctx, ev)
		}
		return rep
	}
	if !rep.Skipped {
		o.Metrics.LastSuccessEpoch.WithLabelValues(rep.Database, rep.Table).SetToCurrentTime()
		if o.Trail != nil {
			ev := audit.NewEvent(audit.KindArchiveSuccess, o.Pipeline.Options.Actor).
				WithTarget(rep.Database, rep.Schema, rep.Table)
			ev.RowCount = rep.Rows
			ev.DurationMS = time.Since(start).Milliseconds()
			ev.Details = map[string]string{"batches": fmt.Sprintf("%d", rep.Batches)}
			o.Trail.Emit(ctx, ev)
		}
	}
	return rep
}

func (o *TableOrchestrator) run(ctx context.Context, rep *TableReport) error {
	db, schema, table := o.DB.Name(), o.Table.Schema, o.Table.Name

	lock, err := o.Locks.AcquireTable(ctx, db, schema, table)
	if err != nil {
		return fmt.Errorf("acquire table lock: %w", err)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	// A lost lock must stop side effects before the next batch.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lock.Lost():
			log.Printf("[orchestrator] %s.%s.%s: table lock lost, aborting", db, schema, table)
			cancel()
		case <-ctx.Done():
		}
	}()

	var progRows, progBatches atomic.Int64
	if o.Progress > 0 && !o.Quiet {
		go func() {
			tick := time.NewTicker(o.Progress)
			defer tick.Stop()
			for {
				select {
				case <-tick.C:
					log.Printf("[orchestrator] %s.%s.%s: progress %d batches, %d rows archived",
						db, schema, table, progBatches.Load(), progRows.Load())
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	serverNow, err := o.DB.CheckedServerTime(ctx, time.Duration(o.Defaults.ClockSkewMaxSeconds)*time.Second)
	if err != nil {
		return err
	}
	cutoff := serverNow.Add(-time.Duration(o.Table.RetentionDays) * 24 * time.Hour)

	holdPredicate := ""
	if o.Compliance != nil {
		decision, err := o.Compliance.Check(ctx, db, schema, table, serverNow)
		if err != nil {
			return err
		}
		if decision.SkipTable {
			rep.Skipped = true
			rep.SkipReason = "legal hold"
			if decision.Hold != nil && decision.Hold.Reason != "" {
				rep.SkipReason = "legal hold: " + decision.Hold.Reason
			}
			log.Printf("[orchestrator] %s.%s.%s: skipped (%s)", db, schema, table, rep.SkipReason)
			if o.Trail != nil {
				ev := audit.NewEvent(audit.KindSkipLegalHold, o.Pipeline.Options.Actor).
					WithTarget(db, schema, table)
				ev.Details = map[string]string{"reason": rep.SkipReason}
				o.Trail.Emit(ctx, ev)
			}
			return nil
		}
		holdPredicate = decision.RowPredicate
	}

	info, err := o.DB.Introspect(ctx, schema, table)
	if err != nil {
		return err
	}

	if o.Trail != nil {
		o.Trail.Emit(ctx, audit.NewEvent(audit.KindArchiveStart, o.Pipeline.Options.Actor).
			WithTarget(db, schema, table))
	}

	if err := o.Checkpoints.GC(ctx, db, schema, table, 24*time.Hour); err != nil {
		return err
	}
	cp, hasCP, err := o.Checkpoints.Load(ctx, db, schema, table)
	if err != nil {
		return err
	}
	if hasCP && cp.SchemaHash != "" && cp.SchemaHash != info.SchemaHash() {
		if o.Defaults.FailOnSchemaDrift {
			return errclass.Newf(errclass.Table,
				"schema drift detected since checkpoint (hash %s != %s)",
				info.SchemaHash(), cp.SchemaHash).WithTarget(db, schema, table)
		}
		log.Printf("[orchestrator] %s.%s.%s: schema changed since checkpoint, continuing", db, schema, table)
	}

	wm, _, err := o.Pipeline.Watermarks.Load(ctx, db, schema, table)
	if err != nil {
		return err
	}

	target := pipeline.Target{
		Database:        db,
		Schema:          schema,
		Table:           table,
		TimestampColumn: o.Table.TimestampColumn,
		PrimaryKey:      o.Table.PrimaryKey,
		Cutoff:          cutoff,
		HoldPredicate:   holdPredicate,
		Info:            info,
	}

	sizer := NewBatchSizer(o.Table.BatchSize, o.Defaults.MinBatchSize, o.Defaults.MaxBatchSize,
		time.Duration(o.Defaults.TargetFetchSeconds*float64(time.Second)),
		int64(o.Defaults.BatchMemoryCapMB)*1024*1024)

	ordinal := 1
	completed := cp.CompletedFingerprints
	if hasCP && cp.RunID == o.RunID {
		ordinal = cp.BatchOrdinal + 1
	}

	policy := o.retryPolicy()
	for ; ; ordinal++ {
		if o.Defaults.MaxBatchesPerRun > 0 && rep.Batches >= o.Defaults.MaxBatchesPerRun {
			log.Printf("[orchestrator] %s.%s.%s: reached max_batches_per_run (%d), stopping",
				db, schema, table, o.Defaults.MaxBatchesPerRun)
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		size := sizer.Size()
		o.Metrics.CurrentBatchSize.WithLabelValues(db, table).Set(float64(size))

		var res pipeline.BatchResult
		err := retry.Do(ctx, policy, fmt.Sprintf("%s.%s.%s batch %d", db, schema, table, ordinal),
			func(ctx context.Context) error {
				var err error
				res, err = o.Pipeline.RunBatch(ctx, target, wm, ordinal, size)
				return err
			})
		if err != nil {
			o.Metrics.BatchesTotal.WithLabelValues(db, table, "failed").Inc()
			if errclass.ClassOf(err) == errclass.Fatal {
				return err
			}
			return errclass.Promote(err)
		}
		if res.Empty {
			break
		}

		wm = res.Watermark
		rep.Batches++
		rep.Rows += int64(res.Rows)
		rep.CompressedBytes += res.CompressedBytes
		progRows.Store(rep.Rows)
		progBatches.Store(int64(rep.Batches))
		if !res.Skipped && !res.DryRun {
			completed = append(completed, res.Fingerprint)
			sizer.Observe(res.FetchDuration, res.Rows, res.UncompressedBytes)
		}

		if !o.Quiet {
			log.Printf("[orchestrator] %s.%s.%s: batch %d done (%d rows, %d total, next cursor %s/%s)",
				db, schema, table, ordinal, res.Rows, rep.Rows,
				wm.LastTS.Format(time.RFC3339), wm.LastPK)
		}

		if !res.DryRun && rep.Batches%o.Checkpoints.Interval == 0 {
			err := o.Checkpoints.Save(ctx, db, schema, table, state.Checkpoint{
				RunID:                 o.RunID,
				BatchOrdinal:          ordinal,
				Watermark:             wm,
				CompletedFingerprints: completed,
				SchemaHash:            info.SchemaHash(),
			})
			if err != nil {
				return err
			}
		}

		if o.Defaults.SleepBetweenBatches > 0 {
			select {
			case <-time.After(time.Duration(o.Defaults.SleepBetweenBatches) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := o.Pipeline.Wait(); err != nil {
		return err
	}

	if o.Pipeline.Options.DeletionMode == pipeline.DeleteStaged && !o.Pipeline.Options.DryRun {
		deleted, err := o.DB.DeleteStaged(ctx, schema, table, o.Table.PrimaryKey,
			time.Duration(o.Defaults.StagedDelayHours)*time.Hour, o.Defaults.StatementTimeout())
		if err != nil {
			return err
		}
		if deleted > 0 {
			log.Printf("[orchestrator] %s.%s.%s: deleted %d staged rows past their delay", db, schema, table, deleted)
		}
	}

	if rep.Batches > 0 && !o.Pipeline.Options.DryRun {
		if err := o.DB.Vacuum(ctx, schema, table,
			sourcedb.VacuumStrategy(o.Defaults.VacuumStrategy),
			time.Duration(o.Defaults.VacuumTimeoutMinutes)*time.Minute); err != nil {
			return err
		}
	}

	return o.Checkpoints.Clear(ctx, db, schema, table)
}
