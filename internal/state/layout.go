// Package state persists archival progress: object-key layout, per-table
// watermarks, the append-only table manifest, and crash-resume checkpoints.
package state

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Layout builds the canonical object keys.
//
//	<prefix>/<db>/<schema>/<table>/year=YYYY/month=MM/day=DD/<table>_<start>_batch_NNN.jsonl.gz
//
// The date partition is the archive execution time in UTC, never the row
// timestamp; the <start> segment is the batch start time.
type Layout struct {
	Prefix string
}

// TableRoot is the per-table key root holding the watermark, manifest and
// checkpoint documents.
func (l Layout) TableRoot(db, schema, table string) string {
	return path.Join(l.Prefix, db, schema, table)
}

// DataKey names the batch data object.
func (l Layout) DataKey(db, schema, table string, execTime, batchStart time.Time, ordinal int) string {
	execTime = execTime.UTC()
	return path.Join(
		l.TableRoot(db, schema, table),
		fmt.Sprintf("year=%04d", execTime.Year()),
		fmt.Sprintf("month=%02d", int(execTime.Month())),
		fmt.Sprintf("day=%02d", execTime.Day()),
		fmt.Sprintf("%s_%s_batch_%03d.jsonl.gz", table, batchStart.UTC().Format("20060102T150405Z"), ordinal),
	)
}

// MetadataKey names the metadata sidecar next to a data object.
func MetadataKey(dataKey string) string {
	return strings.TrimSuffix(dataKey, ".jsonl.gz") + "_metadata.json"
}

// DeletionManifestKey names the deletion-manifest sidecar next to a data
// object.
func DeletionManifestKey(dataKey string) string {
	return strings.TrimSuffix(dataKey, ".jsonl.gz") + "_manifest.json"
}

// WatermarkKey names the per-table watermark document.
func (l Layout) WatermarkKey(db, schema, table string) string {
	return path.Join(l.TableRoot(db, schema, table), "_watermark.json")
}

// TableManifestKey names the per-table manifest of committed fingerprints.
func (l Layout) TableManifestKey(db, schema, table string) string {
	return path.Join(l.TableRoot(db, schema, table), "_manifest.json")
}

// CheckpointKey names the per-table crash-resume checkpoint.
func (l Layout) CheckpointKey(db, schema, table string) string {
	return path.Join(l.TableRoot(db, schema, table), "_checkpoint.json")
}

// RestoreWatermarkKey names the per-table restore watermark.
func (l Layout) RestoreWatermarkKey(db, schema, table string) string {
	return path.Join(l.TableRoot(db, schema, table), "_restore_watermark.json")
}

// AuditKey names one audit event object, partitioned by event time.
func (l Layout) AuditKey(t time.Time, kind string) string {
	t = t.UTC()
	return path.Join(
		l.Prefix, "audit",
		fmt.Sprintf("year=%04d", t.Year()),
		fmt.Sprintf("month=%02d", int(t.Month())),
		fmt.Sprintf("day=%02d", t.Day()),
		fmt.Sprintf("%d_%s.json", t.UnixNano(), strings.ToLower(kind)),
	)
}
