// Package pipeline runs one batch through the verify-then-delete state
// machine: plan, fetch, serialize, upload, verify, delete, commit, advance.
// Source rows are deleted only after the archive object is confirmed durable
// and verified; any failure before the final commit rolls back with the rows
// untouched.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/coldstore/archiver/internal/audit"
	"github.com/coldstore/archiver/internal/codec"
	"github.com/coldstore/archiver/internal/errclass"
	"github.com/coldstore/archiver/internal/metrics"
	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/sourcedb"
	"github.com/coldstore/archiver/internal/state"
	"github.com/coldstore/archiver/internal/verify"
)

// Deletion modes.
const (
	DeleteVerifyThenDelete = "verify_then_delete"
	DeleteStaged           = "staged"
)

// Target names the table a batch operates on, with its cursor bounds and any
// record-level hold predicate already resolved.
type Target struct {
	Database string
	Schema   string
	Table    string

	TimestampColumn string
	PrimaryKey      string

	// Cutoff is the exclusive retention boundary; only rows older than it
	// are eligible.
	Cutoff time.Time

	// HoldPredicate excludes rows under a record-level legal hold.
	HoldPredicate string

	Info *sourcedb.TableInfo
}

// Options carries the run-scoped knobs every batch shares.
type Options struct {
	CompressionLevel int
	StorageClass     string
	SSE              string
	KMSKeyID         string

	StatementTimeout time.Duration

	// DeletionMode is verify_then_delete or staged.
	DeletionMode string

	// DryRun counts and serializes but never uploads or deletes.
	DryRun bool

	ArchiverVersion     string
	SourceServerVersion string
	Actor               string
}

// BatchResult summarizes one completed batch.
type BatchResult struct {
	Ordinal           int
	Fingerprint       string
	DataKey           string
	Rows              int
	CompressedBytes   int64
	UncompressedBytes int64

	// Skipped is set when the fingerprint was already committed and the
	// batch advanced the watermark without touching the source.
	Skipped bool

	// Empty is set when no eligible rows remained.
	Empty bool

	DryRun bool

	FetchDuration time.Duration
	Watermark     state.Watermark
}

// Pipeline executes batches for one source database. One pipeline per
// database connection; the orchestrator drives it table by table.
type Pipeline struct {
	DB         *sourcedb.DB
	Store      objstore.Store
	Uploader   *objstore.Uploader
	Layout     state.Layout
	Watermarks *state.WatermarkStore
	Manifests  *state.ManifestStore
	Trail      *audit.Trail
	Metrics    *metrics.Metrics
	Options    Options

	// ExecTime fixes the object-key date partition for the whole run.
	ExecTime time.Time

	mu        sync.Mutex
	wg        sync.WaitGroup
	sampleErr error
}

// New wires a pipeline; metrics must be non-nil, trail may be empty.
func New(db *sourcedb.DB, store objstore.Store, uploader *objstore.Uploader,
	layout state.Layout, watermarks *state.WatermarkStore, manifests *state.ManifestStore,
	trail *audit.Trail, m *metrics.Metrics, opts Options) *Pipeline {
	if opts.DeletionMode == "" {
		opts.DeletionMode = DeleteVerifyThenDelete
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = 6
	}
	return &Pipeline{
		DB:         db,
		Store:      store,
		Uploader:   uploader,
		Layout:     layout,
		Watermarks: watermarks,
		Manifests:  manifests,
		Trail:      trail,
		Metrics:    m,
		Options:    opts,
		ExecTime:   time.Now().UTC(),
	}
}

// RunBatch executes one batch against t with the given cursor watermark.
// A zero watermark means the table has never been archived.
func (p *Pipeline) RunBatch(ctx context.Context, t Target, wm state.Watermark, ordinal, batchSize int) (BatchResult, error) {
	start := time.Now()
	fp := codec.Fingerprint(t.Database, t.Schema, t.Table, t.Cutoff, wm.LastTS, wm.LastPK, ordinal)
	res := BatchResult{Ordinal: ordinal, Fingerprint: fp, Watermark: wm}

	// Plan: a fingerprint already in the table manifest means a prior run
	// committed this exact batch; advance the watermark from its metadata
	// and skip.
	manifest, _, err := p.Manifests.Load(ctx, t.Database, t.Schema, t.Table)
	if err != nil {
		return res, errclass.New(errclass.Table, err).WithTarget(t.Database, t.Schema, t.Table).WithPhase("plan")
	}
	if manifest.Has(fp) {
		return p.skipCommitted(ctx, t, wm, manifest, fp, res)
	}

	tx, err := p.DB.BeginBatch(ctx, p.Options.StatementTimeout)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	q := sourcedb.BatchQuery{
		Schema:        t.Schema,
		Table:         t.Table,
		TsColumn:      t.TimestampColumn,
		PKColumn:      t.PrimaryKey,
		Cutoff:        t.Cutoff,
		LoTS:          wm.LastTS,
		LoPK:          wm.LastPK,
		Limit:         batchSize,
		HoldPredicate: t.HoldPredicate,
	}

	fetchStart := time.Now()
	nDB, err := tx.CountEligible(ctx, q)
	if err != nil {
		return res, err
	}
	if nDB == 0 {
		res.Empty = true
		return res, nil
	}

	rows, pks, err := tx.SelectBatch(ctx, q, t.Info.Columns)
	if err != nil {
		return res, err
	}
	res.FetchDuration = time.Since(fetchStart)
	p.Metrics.ObservePhase(t.Database, t.Table, "fetch", res.FetchDuration)

	serStart := time.Now()
	meta := codec.RecordMeta{
		ArchivedAt:  start.UTC(),
		Fingerprint: fp,
		Database:    t.Database,
		Table:       t.Schema + "." + t.Table,
	}
	w, err := codec.NewBatchWriter(meta, t.TimestampColumn, t.PrimaryKey, p.Options.CompressionLevel)
	if err != nil {
		return res, errclass.New(errclass.BatchPermanent, err).WithPhase("serialize")
	}
	for _, row := range rows {
		if err := w.WriteRow(row); err != nil {
			return res, errclass.New(errclass.BatchPermanent, err).
				WithTarget(t.Database, t.Schema, t.Table).WithPhase("serialize")
		}
	}
	art, payload, err := w.Close()
	if err != nil {
		return res, errclass.New(errclass.BatchPermanent, err).WithPhase("serialize")
	}
	p.Metrics.ObservePhase(t.Database, t.Table, "serialize", time.Since(serStart))

	res.Rows = nDB
	res.CompressedBytes = art.CompressedBytes
	res.UncompressedBytes = art.UncompressedBytes

	if p.Options.DryRun {
		res.DryRun = true
		// The in-memory cursor still advances so the table loop walks the
		// whole table instead of replanning the first batch forever; nothing
		// is persisted.
		res.Watermark = state.Watermark{
			LastTS:         art.MaxTimestamp,
			LastPK:         art.MaxPrimaryKey,
			CumulativeRows: wm.CumulativeRows + int64(nDB),
		}
		log.Printf("[pipeline] dry-run %s.%s.%s batch %d: %d rows, %d compressed bytes, fingerprint %s",
			t.Database, t.Schema, t.Table, ordinal, nDB, art.CompressedBytes, fp)
		return res, tx.Rollback()
	}

	dataKey := p.Layout.DataKey(t.Database, t.Schema, t.Table, p.ExecTime, start.UTC(), ordinal)
	res.DataKey = dataKey

	upStart := time.Now()
	putOpts := objstore.PutOptions{
		ContentType:  "application/gzip",
		StorageClass: p.Options.StorageClass,
		SSE:          p.Options.SSE,
		KMSKeyID:     p.Options.KMSKeyID,
		Metadata: map[string]string{
			"batch-fingerprint": fp,
			"record-count":      fmt.Sprintf("%d", art.RecordCount),
		},
	}
	if err := p.Uploader.Upload(ctx, dataKey, payload, putOpts); err != nil {
		// A spooled payload is durable locally but unverifiable; the batch
		// must not delete anything.
		return res, errclass.New(errclass.BatchTransient, err).
			WithTarget(t.Database, t.Schema, t.Table).WithPhase("upload")
	}
	p.Metrics.ObservePhase(t.Database, t.Table, "upload", time.Since(upStart))

	verStart := time.Now()
	head, err := p.Store.Head(ctx, dataKey)
	if err != nil {
		return res, errclass.New(errclass.BatchTransient,
			fmt.Errorf("head uploaded object %s: %w", dataKey, err)).WithPhase("verify")
	}
	if err := verify.UploadSize(head, art.CompressedBytes); err != nil {
		return res, err
	}
	objectKeys, nObject, err := decodeObjectKeys(payload, t.PrimaryKey)
	if err != nil {
		return res, errclass.New(errclass.BatchPermanent,
			fmt.Errorf("re-read uploaded payload: %w", err)).WithPhase("verify")
	}
	if err := verify.Counts(nDB, w.RecordCount(), nObject); err != nil {
		return res, err
	}
	if err := verify.PKSetsEqual(pks, objectKeys); err != nil {
		return res, err
	}
	p.Metrics.ObservePhase(t.Database, t.Table, "verify", time.Since(verStart))

	md := newMetadataRecord(t, art, t.Info, ordinal, dataKey, p.Options, start)
	if err := p.uploadJSON(ctx, state.MetadataKey(dataKey), md); err != nil {
		return res, errclass.New(errclass.BatchTransient, err).WithPhase("upload")
	}

	// The deletion manifest lands before the source delete commits: if the
	// process dies in between, the manifest proves which keys were owed.
	dm := verify.NewDeletionManifest(t.Database, t.Schema, t.Table, fp, pks,
		sourcedb.DeleteSQL(t.Schema, t.Table, t.PrimaryKey), time.Now())
	if err := p.uploadJSON(ctx, state.DeletionManifestKey(dataKey), dm); err != nil {
		return res, errclass.New(errclass.BatchTransient, err).WithPhase("upload")
	}

	delStart := time.Now()
	if err := tx.Savepoint(ctx, "batch_delete"); err != nil {
		return res, err
	}
	if p.Options.DeletionMode == DeleteStaged {
		if err := tx.StageKeys(ctx, t.Schema, t.Table, fp, pks); err != nil {
			tx.RollbackToSavepoint(ctx, "batch_delete")
			return res, err
		}
	} else {
		affected, err := tx.DeleteByPK(ctx, t.Schema, t.Table, t.PrimaryKey, pks)
		if err != nil {
			tx.RollbackToSavepoint(ctx, "batch_delete")
			return res, err
		}
		if affected != int64(nDB) {
			tx.RollbackToSavepoint(ctx, "batch_delete")
			return res, errclass.Newf(errclass.BatchPermanent,
				"delete affected %d rows, expected %d", affected, nDB).
				WithTarget(t.Database, t.Schema, t.Table).WithPhase("delete")
		}
	}
	if err := tx.ReleaseSavepoint(ctx, "batch_delete"); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	p.Metrics.ObservePhase(t.Database, t.Table, "delete", time.Since(delStart))

	// Commit is durable; record the fingerprint before moving the cursor so
	// a crash in between replays as an idempotent skip.
	if err := p.Manifests.Add(ctx, t.Database, t.Schema, t.Table, fp, dataKey); err != nil {
		return res, errclass.New(errclass.Table, err).WithTarget(t.Database, t.Schema, t.Table).WithPhase("advance")
	}
	next := state.Watermark{
		LastTS:         art.MaxTimestamp,
		LastPK:         art.MaxPrimaryKey,
		CumulativeRows: wm.CumulativeRows + int64(nDB),
	}
	if err := p.Watermarks.Save(ctx, t.Database, t.Schema, t.Table, next); err != nil {
		return res, err
	}
	res.Watermark = next

	p.Metrics.RecordsArchived.WithLabelValues(t.Database, t.Table).Add(float64(nDB))
	p.Metrics.BytesUploaded.WithLabelValues(t.Database, t.Table).Add(float64(art.CompressedBytes))
	p.Metrics.BatchesTotal.WithLabelValues(t.Database, t.Table, "committed").Inc()

	if p.Trail != nil {
		ev := audit.NewEvent(audit.KindArchiveBatchSuccess, p.Options.Actor).
			WithTarget(t.Database, t.Schema, t.Table)
		ev.RowCount = int64(nDB)
		ev.DurationMS = time.Since(start).Milliseconds()
		ev.Details = map[string]string{
			"fingerprint": fp,
			"object_key":  dataKey,
			"ordinal":     fmt.Sprintf("%d", ordinal),
		}
		p.Trail.Emit(ctx, ev)
	}

	if p.Options.DeletionMode != DeleteStaged {
		p.spawnSampleAbsence(ctx, t, dm)
	}
	return res, nil
}

// skipCommitted handles the idempotent-rerun path: the batch is already in
// the object store, so only the watermark needs to catch up.
func (p *Pipeline) skipCommitted(ctx context.Context, t Target, wm state.Watermark,
	manifest state.TableManifest, fp string, res BatchResult) (BatchResult, error) {
	dataKey, ok := manifest.KeyFor(fp)
	if !ok {
		return res, errclass.Newf(errclass.Table,
			"fingerprint %s committed but manifest has no object key", fp).
			WithTarget(t.Database, t.Schema, t.Table).WithPhase("plan")
	}
	md, ok, err := LoadMetadata(ctx, p.Store, dataKey)
	if err != nil {
		return res, errclass.New(errclass.Table, err).WithTarget(t.Database, t.Schema, t.Table).WithPhase("plan")
	}
	if !ok {
		return res, errclass.Newf(errclass.Table,
			"committed batch %s is missing its metadata sidecar", dataKey).
			WithTarget(t.Database, t.Schema, t.Table).WithPhase("plan")
	}
	next := state.Watermark{
		LastTS:         md.MaxRowTimestamp,
		LastPK:         md.MaxPrimaryKey,
		CumulativeRows: wm.CumulativeRows + int64(md.RecordCount),
	}
	if err := p.Watermarks.Save(ctx, t.Database, t.Schema, t.Table, next); err != nil {
		return res, err
	}
	log.Printf("[pipeline] %s.%s.%s batch %d already committed (fingerprint %s), advancing watermark",
		t.Database, t.Schema, t.Table, res.Ordinal, fp)
	p.Metrics.BatchesTotal.WithLabelValues(t.Database, t.Table, "skipped").Inc()

	if p.Trail != nil {
		ev := audit.NewEvent(audit.KindArchiveBatchSuccess, p.Options.Actor).
			WithTarget(t.Database, t.Schema, t.Table)
		ev.RowCount = int64(md.RecordCount)
		ev.Details = map[string]string{
			"fingerprint":     fp,
			"object_key":      dataKey,
			"idempotent_skip": "true",
		}
		p.Trail.Emit(ctx, ev)
	}

	res.Skipped = true
	res.Rows = md.RecordCount
	res.DataKey = dataKey
	res.Watermark = next
	return res, nil
}

func (p *Pipeline) uploadJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	opts := objstore.PutOptions{
		ContentType: "application/json",
		SSE:         p.Options.SSE,
		KMSKeyID:    p.Options.KMSKeyID,
	}
	return p.Uploader.Upload(ctx, key, data, opts)
}

// spawnSampleAbsence runs the post-commit spot check off the batch's
// critical path. A surviving sampled row is fatal for the run.
func (p *Pipeline) spawnSampleAbsence(ctx context.Context, t Target, dm verify.DeletionManifest) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		err := verify.SampleAbsence(ctx, p.DB, t.Schema, t.Table, t.PrimaryKey, dm, rng)
		if err == nil {
			return
		}
		log.Printf("[pipeline] sample absence check for %s.%s.%s: %v", t.Database, t.Schema, t.Table, err)
		if p.Trail != nil {
			p.Trail.Emit(ctx, audit.NewEvent(audit.KindError, p.Options.Actor).
				WithTarget(t.Database, t.Schema, t.Table).WithError(err))
		}
		p.mu.Lock()
		if p.sampleErr == nil {
			p.sampleErr = err
		}
		p.mu.Unlock()
	}()
}

// Wait drains outstanding absence checks and returns the first failure.
func (p *Pipeline) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampleErr
}

// decodeObjectKeys re-reads the compressed payload, returning the primary
// keys it actually contains and the record count (n_object).
func decodeObjectKeys(payload []byte, pkColumn string) ([]string, int, error) {
	dec, err := codec.NewDecoder(bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	defer dec.Close()

	var keys []string
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		v, ok := rec.Columns[pkColumn]
		if !ok {
			return nil, 0, fmt.Errorf("record %d has no primary key column %q", dec.Lines(), pkColumn)
		}
		restored, err := codec.RestoreValue(v)
		if err != nil {
			return nil, 0, err
		}
		pk, err := codec.PrimaryKeyString(restored)
		if err != nil {
			return nil, 0, err
		}
		keys = append(keys, pk)
	}
	return keys, dec.Lines(), nil
}
