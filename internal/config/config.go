// Package config loads and validates the archiver YAML configuration.
// Secrets are never stored in the file: any option named *_env names an
// environment variable holding the real value, and ${VAR} / ${VAR:-default}
// references inside the file are substituted before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// S3 configures the object store client.
type S3 struct {
	Endpoint                 string  `yaml:"endpoint"`
	Bucket                   string  `yaml:"bucket"`
	Prefix                   string  `yaml:"prefix"`
	Region                   string  `yaml:"region"`
	StorageClass             string  `yaml:"storage_class"`
	Encryption               string  `yaml:"encryption"` // SSE-S3, SSE-KMS, none
	MultipartThresholdMB     int     `yaml:"multipart_threshold_mb"`
	MultipartPartSizeMB      int     `yaml:"multipart_part_size_mb"`
	RateLimitRequestsPerSec  float64 `yaml:"rate_limit_requests_per_second"`
	LocalFallbackDir         string  `yaml:"local_fallback_dir"`
	LocalFallbackRetainDays  int     `yaml:"local_fallback_retention_days"`
	AccessKeyIDEnv           string  `yaml:"access_key_id_env"`
	SecretAccessKeyEnv       string  `yaml:"secret_access_key_env"`
}

// Table configures one archival target.
type Table struct {
	Name            string `yaml:"name"`
	Schema          string `yaml:"schema"`
	TimestampColumn string `yaml:"timestamp_column"`
	PrimaryKey      string `yaml:"primary_key"`
	RetentionDays   int    `yaml:"retention_days"`
	BatchSize       int    `yaml:"batch_size"`
	Classification  string `yaml:"classification"`
	Critical        bool   `yaml:"critical"`
}

// Database configures one source database and its tables.
type Database struct {
	Name               string  `yaml:"name"`
	Host               string  `yaml:"host"`
	Port               int     `yaml:"port"`
	User               string  `yaml:"user"`
	PasswordEnv        string  `yaml:"password_env"`
	SSLMode            string  `yaml:"sslmode"`
	ConnectionPoolSize int     `yaml:"connection_pool_size"`
	Tables             []Table `yaml:"tables"`
}

// DSN builds the lib/pq connection string, reading the password from the
// configured environment variable.
func (d Database) DSN() (string, error) {
	password := ""
	if d.PasswordEnv != "" {
		password = os.Getenv(d.PasswordEnv)
		if password == "" {
			return "", fmt.Errorf("environment variable %s not set", d.PasswordEnv)
		}
	}
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, password, sslmode), nil
}

// Defaults holds the global knobs applied to tables without overrides.
type Defaults struct {
	RetentionDays        int     `yaml:"retention_days"`
	BatchSize            int     `yaml:"batch_size"`
	MinBatchSize         int     `yaml:"min_batch_size"`
	MaxBatchSize         int     `yaml:"max_batch_size"`
	TargetFetchSeconds   float64 `yaml:"target_fetch_seconds"`
	BatchMemoryCapMB     int     `yaml:"batch_memory_cap_mb"`
	SleepBetweenBatches  int     `yaml:"sleep_between_batches"`
	MaxBatchesPerRun     int     `yaml:"max_batches_per_run"`
	VacuumStrategy       string  `yaml:"vacuum_strategy"` // none, analyze, standard, full
	VacuumTimeoutMinutes int     `yaml:"vacuum_timeout_minutes"`
	ParallelDatabases    bool    `yaml:"parallel_databases"`
	MaxParallelDatabases int     `yaml:"max_parallel_databases"`
	ConnectionPoolSize   int     `yaml:"connection_pool_size"`
	CompressionLevel     int     `yaml:"compression_level"`
	FailOnSchemaDrift    bool    `yaml:"fail_on_schema_drift"`
	LockType             string  `yaml:"lock_type"` // postgresql, file
	LockTTLMinutes       int     `yaml:"lock_ttl_minutes"`
	StatementTimeoutMin  int     `yaml:"statement_timeout_minutes"`
	BatchTimeoutMinutes  int     `yaml:"batch_timeout_minutes"`
	RunDeadlineMinutes   int     `yaml:"run_deadline_minutes"`
	CheckpointInterval   int     `yaml:"checkpoint_interval"`
	DeletionMode         string  `yaml:"deletion_mode"` // verify_then_delete, staged
	StagedDelayHours     int     `yaml:"staged_delay_hours"`
	ClockSkewMaxSeconds  int     `yaml:"clock_skew_max_seconds"`
	WatermarkStorage     string  `yaml:"watermark_storage_type"`   // s3, database, both
	AuditTrailStorage    string  `yaml:"audit_trail_storage_type"` // s3, database, both
}

// LegalHolds configures the hold sources consulted before each table.
type LegalHolds struct {
	Enabled       bool   `yaml:"enabled"`
	CheckTable    string `yaml:"check_table"` // schema.table holding the holds
	APIEndpoint   string `yaml:"api_endpoint"`
	APITimeoutSec int    `yaml:"api_timeout"`
	StaticFile    string `yaml:"static_file"`
}

// Compliance bounds retention and enforces encryption for critical tables.
type Compliance struct {
	MinRetentionDays    int            `yaml:"min_retention_days"`
	MaxRetentionDays    int            `yaml:"max_retention_days"`
	EnforceEncryption   bool           `yaml:"enforce_encryption"`
	DataClassifications map[string]int `yaml:"data_classifications"`
}

// Monitoring configures the ops HTTP surface.
type Monitoring struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	ListenAddr      string `yaml:"listen_addr"`
	ProgressSeconds int    `yaml:"progress_update_interval"`
	QuietMode       bool   `yaml:"quiet_mode"`
}

// Kafka configures the optional audit fan-out.
type Kafka struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Config is the root document.
type Config struct {
	Version    string      `yaml:"version"`
	S3         S3          `yaml:"s3"`
	Defaults   Defaults    `yaml:"defaults"`
	Databases  []Database  `yaml:"databases"`
	LegalHolds *LegalHolds `yaml:"legal_holds"`
	Compliance *Compliance `yaml:"compliance"`
	Monitoring *Monitoring `yaml:"monitoring"`
	Kafka      *Kafka      `yaml:"kafka"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnv expands ${VAR} and ${VAR:-default} references. A reference
// with no default and no value set is an error.
func substituteEnv(raw []byte) ([]byte, error) {
	var missing []string
	out := envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		groups := envPattern.FindSubmatch(m)
		name := string(groups[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if len(groups) > 2 && groups[2] != nil {
			return groups[2]
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("environment variable %s not set and no default provided", missing[0])
	}
	return out, nil
}

// Load reads, substitutes, parses, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse is Load for in-memory YAML.
func Parse(raw []byte) (*Config, error) {
	substituted, err := substituteEnv(raw)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(substituted, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := &c.Defaults
	if d.RetentionDays == 0 {
		d.RetentionDays = 90
	}
	if d.BatchSize == 0 {
		d.BatchSize = 10000
	}
	if d.MinBatchSize == 0 {
		d.MinBatchSize = 1000
	}
	if d.MaxBatchSize == 0 {
		d.MaxBatchSize = 50000
	}
	if d.TargetFetchSeconds == 0 {
		d.TargetFetchSeconds = 2.0
	}
	if d.BatchMemoryCapMB == 0 {
		d.BatchMemoryCapMB = 512
	}
	if d.MaxBatchesPerRun == 0 {
		d.MaxBatchesPerRun = 10000
	}
	if d.VacuumStrategy == "" {
		d.VacuumStrategy = "standard"
	}
	if d.VacuumTimeoutMinutes == 0 {
		d.VacuumTimeoutMinutes = 30
	}
	if d.MaxParallelDatabases == 0 {
		d.MaxParallelDatabases = 3
	}
	if d.ConnectionPoolSize == 0 {
		d.ConnectionPoolSize = 5
	}
	if d.CompressionLevel == 0 {
		d.CompressionLevel = 6
	}
	if d.LockType == "" {
		d.LockType = "postgresql"
	}
	if d.LockTTLMinutes == 0 {
		d.LockTTLMinutes = 120
	}
	if d.StatementTimeoutMin == 0 {
		d.StatementTimeoutMin = 30
	}
	if d.BatchTimeoutMinutes == 0 {
		d.BatchTimeoutMinutes = 60
	}
	if d.CheckpointInterval == 0 {
		d.CheckpointInterval = 10
	}
	if d.DeletionMode == "" {
		d.DeletionMode = "verify_then_delete"
	}
	if d.StagedDelayHours == 0 {
		d.StagedDelayHours = 24
	}
	if d.ClockSkewMaxSeconds == 0 {
		d.ClockSkewMaxSeconds = 300
	}
	if d.WatermarkStorage == "" {
		d.WatermarkStorage = "s3"
	}
	if d.AuditTrailStorage == "" {
		d.AuditTrailStorage = "s3"
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.S3.StorageClass == "" {
		c.S3.StorageClass = "STANDARD_IA"
	}
	if c.S3.Encryption == "" {
		c.S3.Encryption = "SSE-S3"
	}
	if c.S3.MultipartThresholdMB == 0 {
		c.S3.MultipartThresholdMB = 10
	}
	if c.S3.MultipartPartSizeMB == 0 {
		c.S3.MultipartPartSizeMB = 5
	}
	if c.S3.LocalFallbackRetainDays == 0 {
		c.S3.LocalFallbackRetainDays = 7
	}
	if c.Compliance == nil {
		c.Compliance = &Compliance{}
	}
	if c.Compliance.MinRetentionDays == 0 {
		c.Compliance.MinRetentionDays = 7
	}
	if c.Compliance.MaxRetentionDays == 0 {
		c.Compliance.MaxRetentionDays = 2555
	}
	if c.Monitoring == nil {
		c.Monitoring = &Monitoring{MetricsEnabled: true}
	}
	if c.Monitoring.ListenAddr == "" {
		c.Monitoring.ListenAddr = ":8001"
	}
	if c.Monitoring.ProgressSeconds == 0 {
		c.Monitoring.ProgressSeconds = 5
	}
	if c.LegalHolds != nil && c.LegalHolds.APITimeoutSec == 0 {
		c.LegalHolds.APITimeoutSec = 5
	}

	for i := range c.Databases {
		db := &c.Databases[i]
		if db.Port == 0 {
			db.Port = 5432
		}
		if db.ConnectionPoolSize == 0 {
			db.ConnectionPoolSize = d.ConnectionPoolSize
		}
		for j := range db.Tables {
			t := &db.Tables[j]
			if t.Schema == "" {
				t.Schema = "public"
			}
			if t.RetentionDays == 0 {
				t.RetentionDays = d.RetentionDays
			}
			if t.BatchSize == 0 {
				t.BatchSize = d.BatchSize
			}
		}
	}
}

// Validate checks the closed option set. It runs before any side effect.
func (c *Config) Validate() error {
	if c.Version != "1.0" && c.Version != "2.0" {
		return fmt.Errorf("unsupported configuration version: %q", c.Version)
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	switch c.S3.Encryption {
	case "SSE-S3", "SSE-KMS", "none":
	default:
		return fmt.Errorf("s3.encryption must be SSE-S3, SSE-KMS or none, got %q", c.S3.Encryption)
	}
	if c.Defaults.CompressionLevel < 1 || c.Defaults.CompressionLevel > 9 {
		return fmt.Errorf("compression_level must be 1..9, got %d", c.Defaults.CompressionLevel)
	}
	switch c.Defaults.VacuumStrategy {
	case "none", "analyze", "standard", "full":
	default:
		return fmt.Errorf("vacuum_strategy must be none, analyze, standard or full, got %q", c.Defaults.VacuumStrategy)
	}
	switch c.Defaults.LockType {
	case "postgresql", "file":
	default:
		return fmt.Errorf("lock_type must be postgresql or file, got %q", c.Defaults.LockType)
	}
	switch c.Defaults.DeletionMode {
	case "verify_then_delete", "staged":
	default:
		return fmt.Errorf("deletion_mode must be verify_then_delete or staged, got %q", c.Defaults.DeletionMode)
	}
	switch c.Defaults.WatermarkStorage {
	case "s3", "database", "both":
	default:
		return fmt.Errorf("watermark_storage_type must be s3, database or both, got %q", c.Defaults.WatermarkStorage)
	}
	switch c.Defaults.AuditTrailStorage {
	case "s3", "database", "both":
	default:
		return fmt.Errorf("audit_trail_storage_type must be s3, database or both, got %q", c.Defaults.AuditTrailStorage)
	}
	if c.Defaults.MaxParallelDatabases > 10 {
		return fmt.Errorf("max_parallel_databases must be <= 10, got %d", c.Defaults.MaxParallelDatabases)
	}
	if c.Defaults.MinBatchSize > c.Defaults.MaxBatchSize {
		return fmt.Errorf("min_batch_size (%d) exceeds max_batch_size (%d)", c.Defaults.MinBatchSize, c.Defaults.MaxBatchSize)
	}
	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database is required")
	}
	if c.Kafka != nil && c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
		}
	}
	for _, db := range c.Databases {
		if db.Name == "" || db.Host == "" || db.User == "" {
			return fmt.Errorf("database entries require name, host and user")
		}
		if db.PasswordEnv == "" {
			return fmt.Errorf("database %s: password_env is required", db.Name)
		}
		if len(db.Tables) == 0 {
			return fmt.Errorf("database %s: at least one table is required", db.Name)
		}
		for _, t := range db.Tables {
			if t.Name == "" || t.TimestampColumn == "" || t.PrimaryKey == "" {
				return fmt.Errorf("database %s: tables require name, timestamp_column and primary_key", db.Name)
			}
			if t.RetentionDays < c.Compliance.MinRetentionDays || t.RetentionDays > c.Compliance.MaxRetentionDays {
				return fmt.Errorf("database %s table %s: retention_days %d outside compliance bounds [%d, %d]",
					db.Name, t.Name, t.RetentionDays, c.Compliance.MinRetentionDays, c.Compliance.MaxRetentionDays)
			}
			if cls := t.Classification; cls != "" && c.Compliance.DataClassifications != nil {
				if req, ok := c.Compliance.DataClassifications[cls]; ok && t.RetentionDays > req {
					return fmt.Errorf("database %s table %s: retention_days %d exceeds classification %s bound %d",
						db.Name, t.Name, t.RetentionDays, cls, req)
				}
			}
			if t.Critical && c.Compliance.EnforceEncryption && c.S3.Encryption == "none" {
				return fmt.Errorf("database %s table %s: critical table requires encryption but s3.encryption is none", db.Name, t.Name)
			}
		}
	}
	return nil
}

// StatementTimeout returns the per-transaction statement timeout.
func (d Defaults) StatementTimeout() time.Duration {
	return time.Duration(d.StatementTimeoutMin) * time.Minute
}

// LockTTL returns the per-table lock time-to-live.
func (d Defaults) LockTTL() time.Duration {
	return time.Duration(d.LockTTLMinutes) * time.Minute
}
