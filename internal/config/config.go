// Package config handles loading and parsing of bleepupload configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for bleepupload.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Auth          AuthConfig          `yaml:"auth"`
	Upload        UploadConfig        `yaml:"upload"`
	Resumable     ResumableConfig     `yaml:"resumable"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// CORSAllowedOrigins lists browser origins allowed to call the API.
	// "*" allows any origin.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// LoggingConfig selects the slog level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig holds the optional bearer token.
type AuthConfig struct {
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string `yaml:"token"`
}

// UploadConfig holds block protocol settings.
type UploadConfig struct {
	// MaxBlockSize caps a single staged block.
	MaxBlockSize ByteSize `yaml:"max_block_size"`
	// RejectConcurrentCommits rejects a second in-flight commit for the
	// same object key instead of letting the last writer win.
	RejectConcurrentCommits bool `yaml:"reject_concurrent_commits"`
}

// ResumableConfig holds resumable (tus) protocol settings.
type ResumableConfig struct {
	// BasePath is the URL prefix of the tus endpoint.
	BasePath string `yaml:"base_path"`
	// MaxUploadSize caps the declared Upload-Length.
	MaxUploadSize ByteSize `yaml:"max_upload_size"`
	// Retention is how long an idle or finished session is kept.
	Retention Duration `yaml:"retention"`
	// ReapInterval is how often expired sessions are reclaimed. A negative
	// value disables the background reaper.
	ReapInterval Duration     `yaml:"reap_interval"`
	Buffer       BufferConfig `yaml:"buffer"`
}

// BufferConfig selects where in-flight resumable bytes are held.
type BufferConfig struct {
	// Backend is "file" or "memory".
	Backend string `yaml:"backend"`
	// Dir is the directory for the file backend.
	Dir string `yaml:"dir"`
}

// SessionsConfig selects the resumable session store engine.
type SessionsConfig struct {
	// Engine is one of "sqlite", "memory", "local", "redis", "dynamodb",
	// "firestore", "cosmos".
	Engine    string              `yaml:"engine"`
	SQLite    SQLiteConfig        `yaml:"sqlite"`
	Local     LocalSessionsConfig `yaml:"local"`
	Redis     RedisConfig         `yaml:"redis"`
	DynamoDB  DynamoDBConfig      `yaml:"dynamodb"`
	Firestore FirestoreConfig     `yaml:"firestore"`
	Cosmos    CosmosConfig        `yaml:"cosmos"`
}

// LocalSessionsConfig holds settings for the JSONL session log.
type LocalSessionsConfig struct {
	RootDir          string `yaml:"root_dir"`
	CompactOnStartup bool   `yaml:"compact_on_startup"`
}

// SQLiteConfig holds SQLite-specific session store settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds Redis session store settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DynamoDBConfig holds DynamoDB session store settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore session store settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Azure Cosmos DB session store settings.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// StorageConfig holds durable object store settings.
type StorageConfig struct {
	// Backend is one of "local", "memory", "sqlite", "azure", "aws", "gcp".
	Backend string       `yaml:"backend"`
	Local   LocalConfig  `yaml:"local"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Azure   AzureConfig  `yaml:"azure"`
	AWS     AWSConfig    `yaml:"aws"`
	GCP     GCPConfig    `yaml:"gcp"`
}

// LocalConfig holds local filesystem storage backend settings.
type LocalConfig struct {
	RootDir string `yaml:"root_dir"`
}

// AzureConfig holds Azure Blob Storage settings.
type AzureConfig struct {
	Container string `yaml:"container"`
	// Account is used to construct https://{account}.blob.core.windows.net
	// when AccountURL is empty.
	Account    string `yaml:"account"`
	AccountURL string `yaml:"account_url"`
	// SASToken authenticates with a shared access signature.
	SASToken string `yaml:"sas_token"`
	// ConnectionString takes precedence over every other credential.
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
	Prefix             string `yaml:"prefix"`
}

// AWSConfig holds S3 settings.
type AWSConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds Google Cloud Storage settings.
type GCPConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// ObservabilityConfig toggles the metrics endpoint.
type ObservabilityConfig struct {
	Metrics bool `yaml:"metrics"`
}

// ByteSize is a size in bytes that unmarshals from "10MiB" style strings
// or plain integers.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Duration is a time.Duration that unmarshals from "24h" style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults applied. If the primary path fails, it
// falls back to bleepupload.example.yaml in the same or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bleepupload.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepupload.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// Validate checks engine names and limits.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local", "memory", "sqlite", "azure", "aws", "gcp":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Sessions.Engine {
	case "sqlite", "memory", "local", "redis", "dynamodb", "firestore", "cosmos":
	default:
		return fmt.Errorf("unknown session engine %q", c.Sessions.Engine)
	}
	switch c.Resumable.Buffer.Backend {
	case "file", "memory":
	default:
		return fmt.Errorf("unknown buffer backend %q", c.Resumable.Buffer.Backend)
	}
	if c.Upload.MaxBlockSize <= 0 {
		return fmt.Errorf("upload.max_block_size must be positive")
	}
	if c.Resumable.MaxUploadSize <= 0 {
		return fmt.Errorf("resumable.max_upload_size must be positive")
	}
	if c.Resumable.Retention <= 0 {
		return fmt.Errorf("resumable.retention must be positive")
	}
	if !strings.HasPrefix(c.Resumable.BasePath, "/") || !strings.HasSuffix(c.Resumable.BasePath, "/") {
		return fmt.Errorf("resumable.base_path %q must start and end with '/'", c.Resumable.BasePath)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Upload: UploadConfig{
			MaxBlockSize: 100 << 20,
		},
		Resumable: ResumableConfig{
			BasePath:      "/files/",
			MaxUploadSize: 5 << 30,
			Retention:     Duration(24 * time.Hour),
			ReapInterval:  Duration(10 * time.Minute),
			Buffer: BufferConfig{
				Backend: "file",
				Dir:     "./data/partial",
			},
		},
		Sessions: SessionsConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{Path: "./data/sessions.db"},
		},
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalConfig{RootDir: "./data/objects"},
		},
		Observability: ObservabilityConfig{Metrics: true},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Upload.MaxBlockSize == 0 {
		cfg.Upload.MaxBlockSize = def.Upload.MaxBlockSize
	}
	if cfg.Resumable.BasePath == "" {
		cfg.Resumable.BasePath = def.Resumable.BasePath
	}
	if cfg.Resumable.MaxUploadSize == 0 {
		cfg.Resumable.MaxUploadSize = def.Resumable.MaxUploadSize
	}
	if cfg.Resumable.Retention == 0 {
		cfg.Resumable.Retention = def.Resumable.Retention
	}
	if cfg.Resumable.ReapInterval == 0 {
		cfg.Resumable.ReapInterval = def.Resumable.ReapInterval
	}
	if cfg.Resumable.Buffer.Backend == "" {
		cfg.Resumable.Buffer.Backend = def.Resumable.Buffer.Backend
	}
	if cfg.Resumable.Buffer.Dir == "" {
		cfg.Resumable.Buffer.Dir = def.Resumable.Buffer.Dir
	}
	if cfg.Sessions.Engine == "" {
		cfg.Sessions.Engine = def.Sessions.Engine
	}
	if cfg.Sessions.SQLite.Path == "" {
		cfg.Sessions.SQLite.Path = def.Sessions.SQLite.Path
	}
	if cfg.Sessions.Local.RootDir == "" {
		cfg.Sessions.Local.RootDir = "./data/sessions"
	}
	if cfg.Sessions.Redis.KeyPrefix == "" {
		cfg.Sessions.Redis.KeyPrefix = "bleepupload:"
	}
	if cfg.Sessions.Firestore.Collection == "" {
		cfg.Sessions.Firestore.Collection = "bleepupload-sessions"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = def.Storage.Local.RootDir
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/objects.db"
	}
}
