package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/Dancode-188/pdfsync/server/internal/security"
	"github.com/Dancode-188/pdfsync/server/internal/storage"
)

// Config holds server configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageSection  `toml:"storage"`
	Summary   SummaryConfig   `toml:"summary"`
	Limits    LimitsConfig    `toml:"limits"`
	Discovery DiscoveryConfig `toml:"discovery"`
}

type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	Environment string   `toml:"environment"`
	JWTSecret   string   `toml:"jwt_secret"`
	CORSOrigins []string `toml:"cors_origins"`
}

type StorageSection struct {
	Objects     string `toml:"objects"`
	Metadata    string `toml:"metadata"`
	Bucket      string `toml:"bucket"`
	RedisURL    string `toml:"redis_url"`
	RedisPrefix string `toml:"redis_prefix"`
	DatabaseURL string `toml:"database_url"`
	ProjectID   string `toml:"project_id"`
	Collection  string `toml:"collection"`
	SQLitePath  string `toml:"sqlite_path"`
}

type SummaryConfig struct {
	VertexProject  string `toml:"vertex_project"`
	VertexRegion   string `toml:"vertex_region"`
	Model          string `toml:"model"`
	PDFToTextPath  string `toml:"pdftotext_path"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type LimitsConfig struct {
	MaxConnectionsPerIP  int   `toml:"max_connections_per_ip"`
	MaxMessagesPerMinute int   `toml:"max_messages_per_minute"`
	MaxMessageSize       int64 `toml:"max_message_size"`
	MaxUploadSize        int64 `toml:"max_upload_size"`
	MaxDocsPerHour       int   `toml:"max_docs_per_hour"`
}

type DiscoveryConfig struct {
	MDNS     bool   `toml:"mdns"`
	Instance string `toml:"instance"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	st := storage.DefaultStorageConfig()
	lim := security.DefaultLimits()
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			Environment: "development",
			CORSOrigins: []string{"*"},
		},
		Storage: StorageSection{
			Objects:     st.ObjectBackend,
			Metadata:    st.MetadataBackend,
			RedisPrefix: st.RedisPrefix,
			Collection:  st.Collection,
			SQLitePath:  st.SQLitePath,
		},
		Summary: SummaryConfig{
			VertexRegion:   "us-central1",
			TimeoutSeconds: 90,
		},
		Limits: LimitsConfig{
			MaxConnectionsPerIP:  lim.MaxConnectionsPerIP,
			MaxMessagesPerMinute: lim.MaxMessagesPerMinute,
			MaxMessageSize:       lim.MaxMessageSize,
			MaxUploadSize:        lim.MaxUploadSize,
			MaxDocsPerHour:       lim.MaxDocsPerHour,
		},
		Discovery: DiscoveryConfig{
			Instance: "pdfsync",
		},
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (skipped when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("HOST", c.Server.Host)
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)
	c.Server.JWTSecret = getEnv("JWT_SECRET", c.Server.JWTSecret)
	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		c.Server.CORSOrigins = splitList(origins)
	}

	c.Storage.Objects = getEnv("OBJECT_STORE", c.Storage.Objects)
	c.Storage.Metadata = getEnv("METADATA_STORE", c.Storage.Metadata)
	c.Storage.Bucket = getEnv("GCS_BUCKET", c.Storage.Bucket)
	c.Storage.RedisURL = getEnv("REDIS_URL", c.Storage.RedisURL)
	c.Storage.RedisPrefix = getEnv("REDIS_PREFIX", c.Storage.RedisPrefix)
	c.Storage.DatabaseURL = getEnv("DATABASE_URL", c.Storage.DatabaseURL)
	c.Storage.ProjectID = getEnv("GOOGLE_CLOUD_PROJECT", c.Storage.ProjectID)
	c.Storage.Collection = getEnv("FIRESTORE_COLLECTION", c.Storage.Collection)
	c.Storage.SQLitePath = getEnv("SQLITE_PATH", c.Storage.SQLitePath)

	c.Summary.VertexProject = getEnv("VERTEX_PROJECT", c.Summary.VertexProject)
	c.Summary.VertexRegion = getEnv("VERTEX_REGION", c.Summary.VertexRegion)
	c.Summary.Model = getEnv("VERTEX_MODEL", c.Summary.Model)
	c.Summary.PDFToTextPath = getEnv("PDFTOTEXT_PATH", c.Summary.PDFToTextPath)
	c.Summary.TimeoutSeconds = getEnvInt("SUMMARY_TIMEOUT_SECONDS", c.Summary.TimeoutSeconds)

	c.Limits.MaxMessagesPerMinute = getEnvInt("MAX_MESSAGES_PER_MINUTE", c.Limits.MaxMessagesPerMinute)
	c.Limits.MaxMessageSize = int64(getEnvInt("MAX_MESSAGE_SIZE", int(c.Limits.MaxMessageSize)))
	c.Limits.MaxUploadSize = int64(getEnvInt("MAX_UPLOAD_SIZE", int(c.Limits.MaxUploadSize)))

	c.Discovery.MDNS = getEnvBool("MDNS", c.Discovery.MDNS)
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Server.Port))
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < 32 {
		errs = append(errs, errors.New("jwt_secret must be at least 32 characters"))
	}
	switch c.Storage.Objects {
	case storage.BackendMemory:
	case storage.BackendGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("gcs object store needs a bucket"))
		}
	case storage.BackendRedis:
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("redis object store needs redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown object store %q", c.Storage.Objects))
	}
	switch c.Storage.Metadata {
	case storage.BackendMemory, storage.BackendSQLite:
	case storage.BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres metadata needs database_url"))
		}
	case storage.BackendFirestore:
		if c.Storage.ProjectID == "" {
			errs = append(errs, errors.New("firestore metadata needs project_id"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown metadata store %q", c.Storage.Metadata))
	}
	if c.Summary.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("summary timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// StorageConfig converts the storage section for storage.Open*.
func (c *Config) StorageConfig() *storage.StorageConfig {
	st := storage.DefaultStorageConfig()
	st.ObjectBackend = c.Storage.Objects
	st.MetadataBackend = c.Storage.Metadata
	st.Bucket = c.Storage.Bucket
	st.RedisURL = c.Storage.RedisURL
	st.RedisPrefix = c.Storage.RedisPrefix
	st.ConnectionString = c.Storage.DatabaseURL
	st.ProjectID = c.Storage.ProjectID
	st.Collection = c.Storage.Collection
	st.SQLitePath = c.Storage.SQLitePath
	return st
}

// SecurityLimits converts the limits section.
func (c *Config) SecurityLimits() security.Limits {
	return security.Limits{
		MaxConnectionsPerIP:  c.Limits.MaxConnectionsPerIP,
		MaxMessagesPerMinute: c.Limits.MaxMessagesPerMinute,
		MaxMessageSize:       c.Limits.MaxMessageSize,
		MaxUploadSize:        c.Limits.MaxUploadSize,
		MaxDocsPerHour:       c.Limits.MaxDocsPerHour,
	}
}

// SummaryTimeout returns the summary job bound.
func (c *Config) SummaryTimeout() time.Duration {
	return time.Duration(c.Summary.TimeoutSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
