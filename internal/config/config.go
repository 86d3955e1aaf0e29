// Package config loads engine configuration from an optional YAML file,
// a .env file and FORENSICS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tendant/simple-forensics/internal/process"
)

type Config struct {
	Workers          int           `mapstructure:"workers"`
	MaxPending       int           `mapstructure:"max_pending"`
	MaxDocumentBytes int64         `mapstructure:"max_document_bytes"`
	MediaTypes       []string      `mapstructure:"media_types"`
	PipelineFile     string        `mapstructure:"pipeline_file"`
	Storage          StorageConfig `mapstructure:"storage"`
	Ledger           LedgerConfig  `mapstructure:"ledger"`
	NATS             NATSConfig    `mapstructure:"nats"`
	Log              LogConfig     `mapstructure:"log"`
}

type StorageConfig struct {
	// Backend is one of memory, fs, s3 or simplecontent.
	Backend       string              `mapstructure:"backend"`
	Dir           string              `mapstructure:"dir"`
	S3            S3Config            `mapstructure:"s3"`
	SimpleContent SimpleContentConfig `mapstructure:"simplecontent"`
}

// SimpleContentConfig points the simplecontent backend at a simple-content
// metadata database. Its s3 storage backend reuses storage.s3.
type SimpleContentConfig struct {
	DatabaseType   string `mapstructure:"database_type"`
	DatabaseURL    string `mapstructure:"database_url"`
	DatabaseSchema string `mapstructure:"database_schema"`
	// StorageBackend is memory or s3.
	StorageBackend string `mapstructure:"storage_backend"`
	OwnerID        string `mapstructure:"owner_id"`
	TenantID       string `mapstructure:"tenant_id"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	Prefix       string `mapstructure:"prefix"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// LedgerConfig selects where audit and custody records are kept. The memory
// driver loses them on exit.
type LedgerConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	IntakeSubject string `mapstructure:"intake_subject"`
	IntakeQueue   string `mapstructure:"intake_queue"`
	EventSubject  string `mapstructure:"event_subject"`
	// IntakeRoot is the directory intake requests may name files under.
	IntakeRoot string `mapstructure:"intake_root"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File, when set, receives a JSON copy of every log record.
	File string `mapstructure:"file"`
}

func Default() *Config {
	return &Config{
		Workers:          4,
		MaxPending:       1024,
		MaxDocumentBytes: 256 << 20,
		Storage: StorageConfig{
			Backend: "fs",
			Dir:     "./data/evidence",
			SimpleContent: SimpleContentConfig{
				DatabaseType:   "postgres",
				DatabaseSchema: "content",
				StorageBackend: "s3",
			},
		},
		Ledger: LedgerConfig{
			Driver: "sqlite3",
			DSN:    "./data/forensics.db",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			IntakeSubject: "forensics.analysis.requested",
			IntakeQueue:   "forensics-workers",
			EventSubject:  "forensics.events",
			IntakeRoot:    "./data/intake",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration. path names an explicit config file; when empty,
// forensics.yaml in the working directory is used if present. Environment
// variables use the prefix FORENSICS with dots replaced by underscores, so
// "ledger.dsn" becomes FORENSICS_LEDGER_DSN.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("forensics")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("FORENSICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if s := v.GetString("media_types"); s != "" {
		cfg.MediaTypes = splitList(s)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// bindEnvs registers every key of cfg so viper consults the environment for
// keys that appear in no config file.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Workers <= 0 {
		result = multierror.Append(result, fmt.Errorf("workers must be greater than zero (got %d)", c.Workers))
	}
	if c.MaxPending <= 0 {
		result = multierror.Append(result, fmt.Errorf("max_pending must be greater than zero (got %d)", c.MaxPending))
	}
	if c.MaxDocumentBytes <= 0 {
		result = multierror.Append(result, fmt.Errorf("max_document_bytes must be greater than zero (got %d)", c.MaxDocumentBytes))
	}
	switch c.Storage.Backend {
	case "memory":
	case "fs":
		if c.Storage.Dir == "" {
			result = multierror.Append(result, errors.New("storage.dir must be set for the fs backend"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			result = multierror.Append(result, errors.New("storage.s3.bucket must be set for the s3 backend"))
		}
	case "simplecontent":
		result = validateSimpleContent(result, c.Storage)
	default:
		result = multierror.Append(result, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	switch c.Ledger.Driver {
	case "memory":
	case "sqlite3", "sqlite", "mysql":
		if c.Ledger.DSN == "" {
			result = multierror.Append(result, fmt.Errorf("ledger.dsn must be set for driver %s", c.Ledger.Driver))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown ledger.driver %q", c.Ledger.Driver))
	}
	if c.NATS.IntakeRoot == "" {
		result = multierror.Append(result, errors.New("nats.intake_root must be set"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	return result.ErrorOrNil()
}

func validateSimpleContent(result *multierror.Error, s StorageConfig) *multierror.Error {
	sc := s.SimpleContent
	if sc.DatabaseType != "memory" && sc.DatabaseURL == "" {
		result = multierror.Append(result, fmt.Errorf("storage.simplecontent.database_url must be set for database type %q", sc.DatabaseType))
	}
	switch sc.StorageBackend {
	case "memory":
	case "s3":
		if s.S3.Bucket == "" {
			result = multierror.Append(result, errors.New("storage.s3.bucket must be set for simple-content s3 storage"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown storage.simplecontent.storage_backend %q", sc.StorageBackend))
	}
	for key, id := range map[string]string{"owner_id": sc.OwnerID, "tenant_id": sc.TenantID} {
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			result = multierror.Append(result, fmt.Errorf("storage.simplecontent.%s: %w", key, err))
		}
	}
	return result
}

// Pipeline returns the configured stage pipeline, or the default one when
// no pipeline file is set.
func (c *Config) Pipeline() (process.Pipeline, error) {
	if c.PipelineFile == "" {
		return process.DefaultPipeline(), nil
	}
	return process.LoadPipeline(c.PipelineFile)
}
