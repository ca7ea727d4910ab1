// Command restore copies archived batches back into a live table. Objects
// are selected by explicit key or by partition date range, re-verified
// against their metadata checksums, and inserted under the chosen conflict
// strategy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coldstore/archiver/internal/audit"
	"github.com/coldstore/archiver/internal/config"
	"github.com/coldstore/archiver/internal/metrics"
	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/orchestrator"
	"github.com/coldstore/archiver/internal/restore"
	"github.com/coldstore/archiver/internal/sourcedb"
	"github.com/coldstore/archiver/internal/state"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "archiver.yaml", "path to the configuration file")
	database := flag.String("database", "", "configured database to restore into (required)")
	schema := flag.String("schema", "public", "schema of the archived table")
	table := flag.String("table", "", "archived table name (required)")
	keys := flag.String("keys", "", "comma-separated object keys; overrides the date range")
	from := flag.String("from", "", "start of the partition date range, YYYY-MM-DD inclusive")
	to := flag.String("to", "", "end of the partition date range, YYYY-MM-DD exclusive")
	conflict := flag.String("conflict", restore.ConflictSkip,
		"conflict strategy: skip, overwrite, fail or upsert")
	schemaMode := flag.String("schema-mode", restore.SchemaLenient,
		"schema check: strict, lenient, transform or none")
	columnMap := flag.String("column-map", "", "transform renames, archived=live pairs separated by commas")
	targetSchema := flag.String("target-schema", "", "restore into a different schema")
	targetTable := flag.String("target-table", "", "restore into a different table")
	ignoreWatermark := flag.Bool("ignore-watermark", false, "re-restore objects already marked done")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("configuration invalid: %v", err)
		os.Exit(orchestrator.ExitValidation)
	}

	req := restore.Request{
		Database:     *database,
		Schema:       *schema,
		Table:        *table,
		TargetSchema: *targetSchema,
		TargetTable:  *targetTable,
	}
	if req.Database == "" || req.Table == "" {
		log.Printf("-database and -table are required")
		os.Exit(orchestrator.ExitValidation)
	}
	if *keys != "" {
		req.Keys = strings.Split(*keys, ",")
	} else {
		req.From, err = parseDay(*from)
		if err == nil {
			req.To, err = parseDay(*to)
		}
		if err != nil {
			log.Printf("without -keys both -from and -to are required: %v", err)
			os.Exit(orchestrator.ExitValidation)
		}
	}

	opts := restore.Options{
		Conflict:        *conflict,
		SchemaMode:      *schemaMode,
		IgnoreWatermark: *ignoreWatermark,
		Actor:           "restore@" + hostname(),
	}
	if *columnMap != "" {
		opts.ColumnMap, err = parseColumnMap(*columnMap)
		if err != nil {
			log.Printf("invalid -column-map: %v", err)
			os.Exit(orchestrator.ExitValidation)
		}
		opts.SchemaMode = restore.SchemaTransform
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, req, opts))
}

func run(ctx context.Context, cfg *config.Config, req restore.Request, opts restore.Options) int {
	var dbCfg *config.Database
	for i := range cfg.Databases {
		if cfg.Databases[i].Name == req.Database {
			dbCfg = &cfg.Databases[i]
			break
		}
	}
	if dbCfg == nil {
		log.Printf("database %q is not configured", req.Database)
		return orchestrator.ExitValidation
	}

	if cfg.S3.AccessKeyIDEnv != "" {
		os.Setenv("AWS_ACCESS_KEY_ID", os.Getenv(cfg.S3.AccessKeyIDEnv))
	}
	if cfg.S3.SecretAccessKeyEnv != "" {
		os.Setenv("AWS_SECRET_ACCESS_KEY", os.Getenv(cfg.S3.SecretAccessKeyEnv))
	}
	store, err := objstore.NewS3Store(ctx, objstore.S3Options{
		Bucket:            cfg.S3.Bucket,
		Region:            cfg.S3.Region,
		Endpoint:          cfg.S3.Endpoint,
		ForcePathStyle:    cfg.S3.Endpoint != "",
		RequestsPerSecond: cfg.S3.RateLimitRequestsPerSec,
	})
	if err != nil {
		log.Printf("object store init failed: %v", err)
		return orchestrator.ExitNetwork
	}

	dsn, err := dbCfg.DSN()
	if err != nil {
		log.Printf("database %s: %v", dbCfg.Name, err)
		return orchestrator.ExitValidation
	}
	db, err := sourcedb.Open(dbCfg.Name, dsn, dbCfg.ConnectionPoolSize)
	if err != nil {
		log.Printf("database %s: %v", dbCfg.Name, err)
		return orchestrator.ExitTotalFailure
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		log.Printf("database %s unreachable: %v", dbCfg.Name, err)
		return orchestrator.ExitNetwork
	}

	layout := state.Layout{Prefix: cfg.S3.Prefix}
	trail := audit.NewTrail(&audit.S3Sink{Store: store, Layout: layout})
	defer trail.Close()

	engine := &restore.Engine{
		DB:      db,
		Store:   store,
		Layout:  layout,
		Trail:   trail,
		Metrics: metrics.New(),
		Options: opts,
		S3:      store,
	}

	rep, err := engine.Run(ctx, req)
	if err != nil {
		log.Printf("restore failed after %d objects: %v", rep.Objects, err)
		return orchestrator.ExitCodeFor(err)
	}
	log.Printf("restored %d rows from %d objects (%d skipped) in %s",
		rep.Rows, rep.Objects, rep.SkippedObjects, rep.Duration.Round(time.Millisecond))
	return orchestrator.ExitOK
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	return time.Parse("2006-01-02", s)
}

func parseColumnMap(s string) (map[string]string, error) {
	m := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		archived, live, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || archived == "" || live == "" {
			return nil, fmt.Errorf("expected archived=live, got %q", pair)
		}
		m[archived] = live
	}
	return m, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
