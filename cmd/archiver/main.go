// Command archiver runs one archival pass over every configured database:
// eligible rows are serialized, uploaded, verified, and only then deleted
// from the source.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coldstore/archiver/internal/audit"
	"github.com/coldstore/archiver/internal/compliance"
	"github.com/coldstore/archiver/internal/config"
	"github.com/coldstore/archiver/internal/health"
	"github.com/coldstore/archiver/internal/locking"
	"github.com/coldstore/archiver/internal/metrics"
	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/orchestrator"
	"github.com/coldstore/archiver/internal/pipeline"
	"github.com/coldstore/archiver/internal/sourcedb"
	"github.com/coldstore/archiver/internal/state"
)

// version is stamped by the build.
var version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "archiver.yaml", "path to the configuration file")
	dryRun := flag.Bool("dry-run", false, "count and serialize but never upload or delete")
	onlyDatabase := flag.String("database", "", "restrict the run to one configured database")
	onlyTable := flag.String("table", "", "restrict the run to one configured table")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("configuration invalid: %v", err)
		os.Exit(orchestrator.ExitValidation)
	}
	filterTargets(cfg, *onlyDatabase, *onlyTable)
	if len(cfg.Databases) == 0 {
		log.Printf("no databases match -database=%q -table=%q", *onlyDatabase, *onlyTable)
		os.Exit(orchestrator.ExitValidation)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, *dryRun))
}

func run(ctx context.Context, cfg *config.Config, dryRun bool) int {
	m := metrics.New()
	layout := state.Layout{Prefix: cfg.S3.Prefix}

	// Credentials configured through custom env names are re-exported so the
	// SDK default chain picks them up.
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
	if _, err := store.List(ctx, layout.Prefix); err != nil {
		log.Printf("object store unreachable: %v", err)
		return orchestrator.ExitNetwork
	}
	log.Printf("object store ready (bucket=%s prefix=%s)", cfg.S3.Bucket, cfg.S3.Prefix)

	var fallback *objstore.Fallback
	if cfg.S3.LocalFallbackDir != "" {
		fallback, err = objstore.NewFallback(cfg.S3.LocalFallbackDir,
			time.Duration(cfg.S3.LocalFallbackRetainDays)*24*time.Hour)
		if err != nil {
			log.Printf("fallback dir unusable: %v", err)
			return orchestrator.ExitResources
		}
	}
	uploader := objstore.NewUploader(store, objstore.UploaderOptions{
		PartSize:           int64(cfg.S3.MultipartPartSizeMB) * 1024 * 1024,
		MultipartThreshold: int64(cfg.S3.MultipartThresholdMB) * 1024 * 1024,
		Fallback:           fallback,
	})

	// Databases open first: locks, audit and legal-hold sources may need the
	// first pool.
	type openDB struct {
		cfg config.Database
		db  *sourcedb.DB
	}
	var opened []openDB
	defer func() {
		for _, o := range opened {
			o.db.Close()
		}
	}()
	for _, dbCfg := range cfg.Databases {
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
		if err := db.Ping(ctx); err != nil {
			log.Printf("database %s unreachable: %v", dbCfg.Name, err)
			return orchestrator.ExitNetwork
		}
		opened = append(opened, openDB{cfg: dbCfg, db: db})
		log.Printf("connected to %s (%s:%d)", dbCfg.Name, dbCfg.Host, dbCfg.Port)
	}
	primary := opened[0].db

	var locks locking.Manager
	switch cfg.Defaults.LockType {
	case "file":
		dir := filepath.Join(os.TempDir(), "archiver-locks")
		fm, err := locking.NewFileManager(dir, cfg.Defaults.LockTTL())
		if err != nil {
			log.Printf("lock dir unusable: %v", err)
			return orchestrator.ExitResources
		}
		locks = fm
	default:
		locks = locking.NewPGManager(primary.Pool(), 30*time.Second)
	}

	trail, err := buildTrail(ctx, cfg, store, layout, primary)
	if err != nil {
		log.Printf("audit trail init failed: %v", err)
		return orchestrator.ExitTotalFailure
	}
	defer trail.Close()

	var checker *compliance.Checker
	if cfg.LegalHolds != nil && cfg.LegalHolds.Enabled {
		var sources []compliance.Source
		if cfg.LegalHolds.StaticFile != "" {
			sources = append(sources, compliance.StaticSource{Path: cfg.LegalHolds.StaticFile})
		}
		if cfg.LegalHolds.CheckTable != "" {
			sources = append(sources, compliance.DBSource{DB: primary.Pool(), Table: cfg.LegalHolds.CheckTable})
		}
		if cfg.LegalHolds.APIEndpoint != "" {
			sources = append(sources, compliance.HTTPSource{
				Endpoint: cfg.LegalHolds.APIEndpoint,
				Timeout:  time.Duration(cfg.LegalHolds.APITimeoutSec) * time.Second,
			})
		}
		checker = compliance.NewChecker(sources...)
		log.Printf("legal hold checks enabled (%d sources)", len(sources))
	}

	if cfg.Compliance != nil && cfg.Compliance.EnforceEncryption {
		var critical []string
		for _, o := range opened {
			for _, t := range o.cfg.Tables {
				if t.Critical {
					critical = append(critical, o.cfg.Name+"."+t.Schema+"."+t.Name)
				}
			}
		}
		if err := compliance.EncryptionGate(true, cfg.S3.Encryption, critical); err != nil {
			log.Printf("%v", err)
			return orchestrator.ExitValidation
		}
	}

	checks := health.NewChecker()
	checks.Register("object_store", func(ctx context.Context) error {
		_, err := store.List(ctx, layout.Prefix)
		return err
	})
	for _, o := range opened {
		db := o.db
		checks.Register("database_"+o.cfg.Name, db.Ping)
	}
	var healthSrv *health.Server
	if cfg.Monitoring.MetricsEnabled {
		healthSrv = health.NewServer(cfg.Monitoring.ListenAddr, checks, m.Registry)
		healthSrv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			healthSrv.Shutdown(shutdownCtx)
		}()
	}

	sse, kmsKey := sseFor(cfg.S3.Encryption), ""
	actor := "archiver@" + hostname()

	var databases []*orchestrator.DatabaseOrchestrator
	for _, o := range opened {
		dbCfg, db := o.cfg, o.db

		var mirror state.Mirror
		if cfg.Defaults.WatermarkStorage == "database" || cfg.Defaults.WatermarkStorage == "both" {
			if err := db.EnsureWatermarkTable(ctx); err != nil {
				log.Printf("database %s: %v", dbCfg.Name, err)
				return orchestrator.ExitTotalFailure
			}
			mirror = db
		}
		if cfg.Defaults.DeletionMode == pipeline.DeleteStaged {
			if err := db.EnsureStagedTable(ctx); err != nil {
				log.Printf("database %s: %v", dbCfg.Name, err)
				return orchestrator.ExitTotalFailure
			}
		}

		serverVersion, err := db.ServerVersion(ctx)
		if err != nil {
			log.Printf("database %s: %v", dbCfg.Name, err)
			serverVersion = "unknown"
		}

		p := pipeline.New(db, store, uploader, layout,
			state.NewWatermarkStore(store, layout, mirror),
			state.NewManifestStore(store, layout),
			trail, m, pipeline.Options{
				CompressionLevel:    cfg.Defaults.CompressionLevel,
				StorageClass:        cfg.S3.StorageClass,
				SSE:                 sse,
				KMSKeyID:            kmsKey,
				StatementTimeout:    cfg.Defaults.StatementTimeout(),
				DeletionMode:        cfg.Defaults.DeletionMode,
				DryRun:              dryRun,
				ArchiverVersion:     version,
				SourceServerVersion: serverVersion,
				Actor:               actor,
			})

		checkpoints := state.NewCheckpointStore(store, layout, cfg.Defaults.CheckpointInterval)
		dbo := &orchestrator.DatabaseOrchestrator{Name: dbCfg.Name, DB: db}
		for _, t := range dbCfg.Tables {
			dbo.Tables = append(dbo.Tables, &orchestrator.TableOrchestrator{
				Pipeline:    p,
				DB:          db,
				Table:       t,
				Defaults:    cfg.Defaults,
				Locks:       locks,
				Compliance:  checker,
				Checkpoints: checkpoints,
				Trail:       trail,
				Metrics:     m,
				Progress:    time.Duration(cfg.Monitoring.ProgressSeconds) * time.Second,
				Quiet:       cfg.Monitoring.QuietMode,
			})
		}
		databases = append(databases, dbo)
	}

	runner := &orchestrator.RunOrchestrator{
		Databases:   databases,
		Locks:       locks,
		Store:       store,
		Uploader:    uploader,
		Layout:      layout,
		Metrics:     m,
		Parallel:    cfg.Defaults.ParallelDatabases,
		MaxParallel: cfg.Defaults.MaxParallelDatabases,
		Deadline:    time.Duration(cfg.Defaults.RunDeadlineMinutes) * time.Minute,
		DryRun:      dryRun,
	}
	summary, err := runner.Run(ctx)
	if err != nil {
		log.Printf("run failed: %v", err)
		return orchestrator.ExitCodeFor(err)
	}
	return summary.ExitCode()
}

// filterTargets narrows the configuration in place to the requested database
// and table.
func filterTargets(cfg *config.Config, database, table string) {
	if database == "" && table == "" {
		return
	}
	var dbs []config.Database
	for _, db := range cfg.Databases {
		if database != "" && db.Name != database {
			continue
		}
		if table != "" {
			var tables []config.Table
			for _, t := range db.Tables {
				if t.Name == table || t.Schema+"."+t.Name == table {
					tables = append(tables, t)
				}
			}
			db.Tables = tables
		}
		if len(db.Tables) > 0 {
			dbs = append(dbs, db)
		}
	}
	cfg.Databases = dbs
}

func buildTrail(ctx context.Context, cfg *config.Config, store objstore.Store, layout state.Layout, primary *sourcedb.DB) (*audit.Trail, error) {
	var sinks []audit.Sink
	storage := cfg.Defaults.AuditTrailStorage
	if storage == "s3" || storage == "both" {
		sinks = append(sinks, &audit.S3Sink{Store: store, Layout: layout})
	}
	if storage == "database" || storage == "both" {
		pg := &audit.PGSink{DB: primary.Pool()}
		if err := pg.EnsureTable(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if cfg.Kafka != nil && cfg.Kafka.Enabled {
		ks, err := audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ks)
		log.Printf("audit events mirrored to kafka topic %s", cfg.Kafka.Topic)
	}
	return audit.NewTrail(sinks...), nil
}

func sseFor(encryption string) string {
	switch encryption {
	case "SSE-S3":
		return "aes256"
	case "SSE-KMS":
		return "aws:kms"
	default:
		return ""
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
