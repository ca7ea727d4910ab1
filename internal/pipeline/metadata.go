package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldstore/archiver/internal/codec"
	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/sourcedb"
	"github.com/coldstore/archiver/internal/state"
)

// MetadataSchemaVersion identifies the sidecar layout; bumped only on
// incompatible change.
const MetadataSchemaVersion = "1"

// MetadataRecord is the per-batch sidecar describing the data object well
// enough to restore it without the source database.
type MetadataRecord struct {
	SchemaVersion string `json:"schema_version"`

	Database string `json:"database"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`

	BatchOrdinal int       `json:"batch_ordinal"`
	Fingerprint  string    `json:"batch_fingerprint"`
	ArchiveTime  time.Time `json:"archive_time"`
	Cutoff       time.Time `json:"cutoff"`

	MinRowTimestamp time.Time `json:"min_row_timestamp"`
	MaxRowTimestamp time.Time `json:"max_row_timestamp"`
	MinPrimaryKey   string    `json:"min_primary_key"`
	MaxPrimaryKey   string    `json:"max_primary_key"`

	RecordCount        int    `json:"record_count"`
	UncompressedBytes  int64  `json:"uncompressed_bytes"`
	CompressedBytes    int64  `json:"compressed_bytes"`
	UncompressedSHA256 string `json:"uncompressed_sha256"`
	CompressedSHA256   string `json:"compressed_sha256"`

	CompressionAlgorithm string `json:"compression_algorithm"`
	CompressionLevel     int    `json:"compression_level"`

	Columns    []sourcedb.Column `json:"columns"`
	PrimaryKey string            `json:"primary_key"`
	Indexes    []sourcedb.Index  `json:"indexes,omitempty"`
	SchemaHash string            `json:"schema_hash"`

	SourceServerVersion string `json:"source_server_version,omitempty"`
	ArchiverVersion     string `json:"archiver_version"`

	DataKey             string `json:"data_key"`
	DeletionManifestKey string `json:"deletion_manifest_key"`
}

func newMetadataRecord(t Target, art codec.Artifact, info *sourcedb.TableInfo,
	ordinal int, dataKey string, opts Options, now time.Time) MetadataRecord {
	return MetadataRecord{
		SchemaVersion:        MetadataSchemaVersion,
		Database:             t.Database,
		Schema:               t.Schema,
		Table:                t.Table,
		BatchOrdinal:         ordinal,
		Fingerprint:          art.Fingerprint,
		ArchiveTime:          now.UTC(),
		Cutoff:               t.Cutoff.UTC(),
		MinRowTimestamp:      art.MinTimestamp,
		MaxRowTimestamp:      art.MaxTimestamp,
		MinPrimaryKey:        art.MinPrimaryKey,
		MaxPrimaryKey:        art.MaxPrimaryKey,
		RecordCount:          art.RecordCount,
		UncompressedBytes:    art.UncompressedBytes,
		CompressedBytes:      art.CompressedBytes,
		UncompressedSHA256:   art.UncompressedSHA256,
		CompressedSHA256:     art.CompressedSHA256,
		CompressionAlgorithm: "gzip",
		CompressionLevel:     opts.CompressionLevel,
		Columns:              info.Columns,
		PrimaryKey:           info.PrimaryKey,
		Indexes:              info.Indexes,
		SchemaHash:           info.SchemaHash(),
		SourceServerVersion:  opts.SourceServerVersion,
		ArchiverVersion:      opts.ArchiverVersion,
		DataKey:              dataKey,
		DeletionManifestKey:  state.DeletionManifestKey(dataKey),
	}
}

// LoadMetadata reads a batch's metadata sidecar. ok is false when the sidecar
// does not exist.
func LoadMetadata(ctx context.Context, store objstore.Store, dataKey string) (MetadataRecord, bool, error) {
	data, ok, err := objstore.ReadJSON(ctx, store, state.MetadataKey(dataKey))
	if err != nil || !ok {
		return MetadataRecord{}, ok, err
	}
	var md MetadataRecord
	if err := json.Unmarshal(data, &md); err != nil {
		return MetadataRecord{}, false, fmt.Errorf("decode metadata %s: %w", state.MetadataKey(dataKey), err)
	}
	return md, true, nil
}
