// Package config assembles runtime settings from defaults, an optional YAML
// file and PATIENTCORE_* environment variables. Command-line flags are applied
// on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"patientcore/internal/blob"
	blobcore "patientcore/internal/blob/core"
	"patientcore/internal/core"
	"patientcore/internal/query"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "PATIENTCORE_"

// ConfigPathEnv names the YAML file when --config is not given.
const ConfigPathEnv = EnvPrefix + "CONFIG"

// Config is the full runtime configuration.
type Config struct {
	Storage core.StorageConfig `yaml:"storage"`
	Server  ServerConfig       `yaml:"server"`
	Query   QueryConfig        `yaml:"query"`
	Log     LogConfig          `yaml:"log"`
	Metrics MetricsConfig      `yaml:"metrics"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QueryConfig configures the completion backend behind /query/invoke.
type QueryConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the observability sinks attached to the service.
// Trace writes one JSON line per operation span to stderr.
type MetricsConfig struct {
	Prometheus bool `yaml:"prometheus"`
	Expvar     bool `yaml:"expvar"`
	Audit      bool `yaml:"audit"`
	Trace      bool `yaml:"trace"`
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json", "logfmt"}
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: core.StorageConfig{
			Driver:        core.StorageFile,
			FilePath:      "patients.json",
			SQLitePath:    "patientcore.db",
			BadgerDir:     "patientcore-badger",
			Blob:          blob.Config{Driver: blobcore.DriverFilesystem, FSRoot: "patientcore-blobs"},
			BlobPrefix:    "patients",
			BlobRetention: 10,
		},
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    150 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Query: QueryConfig{
			Enabled: true,
			BaseURL: query.DefaultBaseURL,
			Model:   query.DefaultModel,
			Timeout: 120 * time.Second,
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Prometheus: true, Audit: true},
	}
}

// Load layers the YAML file at path (skipped when empty) and the environment
// over Default, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		// #nosec G304: operator-supplied config path.
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}
	s := &c.Storage
	s.Driver = core.StorageDriver(e.str("STORAGE_DRIVER", string(s.Driver)))
	s.FilePath = e.str("FILE_PATH", s.FilePath)
	s.SQLitePath = e.str("SQLITE_PATH", s.SQLitePath)
	s.PostgresDSN = e.str("POSTGRES_DSN", s.PostgresDSN)
	s.BadgerDir = e.str("BADGER_DIR", s.BadgerDir)
	s.BadgerInMemory = e.boolean("BADGER_IN_MEMORY", s.BadgerInMemory)
	s.Blob.Driver = blobcore.Driver(e.str("BLOB_DRIVER", string(s.Blob.Driver)))
	s.Blob.FSRoot = e.str("BLOB_FS_ROOT", s.Blob.FSRoot)
	s.Blob.S3.Bucket = e.str("S3_BUCKET", s.Blob.S3.Bucket)
	s.Blob.S3.Region = e.str("S3_REGION", s.Blob.S3.Region)
	s.Blob.S3.Endpoint = e.str("S3_ENDPOINT", s.Blob.S3.Endpoint)
	s.Blob.S3.AccessKeyID = e.str("S3_ACCESS_KEY_ID", s.Blob.S3.AccessKeyID)
	s.Blob.S3.SecretAccessKey = e.str("S3_SECRET_ACCESS_KEY", s.Blob.S3.SecretAccessKey)
	s.Blob.S3.PathStyle = e.boolean("S3_PATH_STYLE", s.Blob.S3.PathStyle)
	s.BlobPrefix = e.str("BLOB_PREFIX", s.BlobPrefix)
	s.BlobRetention = e.integer("BLOB_RETENTION", s.BlobRetention)

	c.Server.Addr = e.str("ADDR", c.Server.Addr)
	c.Server.ReadTimeout = e.duration("READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = e.duration("WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = e.duration("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Query.Enabled = e.boolean("QUERY_ENABLED", c.Query.Enabled)
	c.Query.BaseURL = e.str("QUERY_BASE_URL", c.Query.BaseURL)
	c.Query.Model = e.str("QUERY_MODEL", c.Query.Model)
	c.Query.Timeout = e.duration("QUERY_TIMEOUT", c.Query.Timeout)
	if key, ok := lookup(query.APIKeyEnv); ok && key != "" {
		c.Query.APIKey = key
	}
	c.Query.APIKey = e.str("QUERY_API_KEY", c.Query.APIKey)

	c.Log.Level = e.str("LOG_LEVEL", c.Log.Level)
	c.Log.Format = e.str("LOG_FORMAT", c.Log.Format)

	c.Metrics.Prometheus = e.boolean("METRICS_PROMETHEUS", c.Metrics.Prometheus)
	c.Metrics.Expvar = e.boolean("METRICS_EXPVAR", c.Metrics.Expvar)
	c.Metrics.Audit = e.boolean("AUDIT_LOG", c.Metrics.Audit)
	c.Metrics.Trace = e.boolean("TRACE", c.Metrics.Trace)
	return errors.Join(e.errs...)
}

// envReader reads PATIENTCORE_* variables and collects parse failures.
type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) raw(key string) (string, bool) {
	val, ok := e.lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func (e *envReader) str(key, current string) string {
	if val, ok := e.raw(key); ok {
		return val
	}
	return current
}

func (e *envReader) integer(key string, current int) int {
	val, ok := e.raw(key)
	if !ok {
		return current
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return current
	}
	return i
}

func (e *envReader) boolean(key string, current bool) bool {
	val, ok := e.raw(key)
	if !ok {
		return current
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		e.errs = append(e.errs, fmt.Errorf("%s%s: invalid boolean %q", EnvPrefix, key, val))
		return current
	}
}

func (e *envReader) duration(key string, current time.Duration) time.Duration {
	val, ok := e.raw(key)
	if !ok {
		return current
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	// Bare integers are seconds.
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	e.errs = append(e.errs, fmt.Errorf("%s%s: invalid duration %q", EnvPrefix, key, val))
	return current
}

// Validate rejects unknown drivers, missing driver settings and invalid
// server or logging values.
func (c Config) Validate() error {
	var errs []error
	if !knownStorageDriver(c.Storage.Driver) {
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Storage.Driver {
	case core.StorageFile:
		if c.Storage.FilePath == "" {
			errs = append(errs, errors.New("storage.file_path required for file driver"))
		}
	case core.StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path required for sqlite driver"))
		}
	case core.StorageBadger:
		if c.Storage.BadgerDir == "" && !c.Storage.BadgerInMemory {
			errs = append(errs, errors.New("storage.badger_dir required unless badger_in_memory is set"))
		}
	case core.StorageBlob:
		switch c.Storage.Blob.Driver {
		case blobcore.DriverFilesystem, "":
			if c.Storage.Blob.FSRoot == "" {
				errs = append(errs, errors.New("storage.blob.fs_root required for fs blob driver"))
			}
		case blobcore.DriverS3:
			if c.Storage.Blob.S3.Bucket == "" {
				errs = append(errs, errors.New("storage.blob.s3.bucket required for s3 blob driver"))
			}
		case blobcore.DriverMemory:
		default:
			errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Storage.Blob.Driver))
		}
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr required"))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if c.Query.Enabled {
		if c.Query.BaseURL == "" {
			errs = append(errs, errors.New("query.base_url required when query is enabled"))
		}
		if c.Query.Timeout <= 0 {
			errs = append(errs, errors.New("query.timeout must be positive"))
		}
	}
	if !contains(logLevels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("invalid log level %q: select from %s", c.Log.Level, strings.Join(logLevels, ", ")))
	}
	if !contains(logFormats, strings.ToLower(c.Log.Format)) {
		errs = append(errs, fmt.Errorf("invalid log format %q: select from %s", c.Log.Format, strings.Join(logFormats, ", ")))
	}
	return errors.Join(errs...)
}

func knownStorageDriver(d core.StorageDriver) bool {
	for _, candidate := range core.StorageDrivers {
		if d == candidate {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
