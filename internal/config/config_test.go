package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 1024, cfg.MaxPending)
	require.Equal(t, int64(256<<20), cfg.MaxDocumentBytes)
	require.Equal(t, "fs", cfg.Storage.Backend)
	require.Equal(t, "sqlite3", cfg.Ledger.Driver)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	require.Equal(t, "forensics.events", cfg.NATS.EventSubject)
	require.Equal(t, "./data/intake", cfg.NATS.IntakeRoot)
	require.Empty(t, cfg.MediaTypes)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FORENSICS_WORKERS", "8")
	t.Setenv("FORENSICS_LEDGER_DRIVER", "mysql")
	t.Setenv("FORENSICS_LEDGER_DSN", "forensics:secret@tcp(db:3306)/forensics")
	t.Setenv("FORENSICS_STORAGE_BACKEND", "s3")
	t.Setenv("FORENSICS_STORAGE_S3_BUCKET", "evidence")
	t.Setenv("FORENSICS_STORAGE_S3_USE_PATH_STYLE", "true")
	t.Setenv("FORENSICS_MEDIA_TYPES", "image/png, application/pdf")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, "mysql", cfg.Ledger.Driver)
	require.Equal(t, "forensics:secret@tcp(db:3306)/forensics", cfg.Ledger.DSN)
	require.Equal(t, "evidence", cfg.Storage.S3.Bucket)
	require.True(t, cfg.Storage.S3.UsePathStyle)
	require.Equal(t, []string{"image/png", "application/pdf"}, cfg.MediaTypes)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	pipeline := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(pipeline, []byte(`
stages:
  - name: metadata
  - name: tampering
    optional: true
    timeout: 30s
  - name: authenticity
    inputs: [metadata]
    weight: 2
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "forensics.yaml"), []byte(`
workers: 2
pipeline_file: `+pipeline+`
storage:
  backend: memory
ledger:
  driver: memory
`), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, "memory", cfg.Storage.Backend)

	p, err := cfg.Pipeline()
	require.NoError(t, err)
	require.Len(t, p.Stages, 3)
	require.Equal(t, "tampering", p.Stages[1].Provider)
	require.True(t, p.Stages[1].Optional)
	require.Equal(t, 30*time.Second, p.Stages[1].Timeout)
	require.Equal(t, []string{"metadata"}, p.Stages[2].Inputs)
	require.Equal(t, 2.0, p.Stages[2].Weight)
}

func TestLoadExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidWorkers(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FORENSICS_WORKERS", "not-a-number")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("FORENSICS_WORKERS", "0")
	_, err = Load("")
	require.ErrorContains(t, err, "workers must be greater than zero")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "tape"
	cfg.Ledger.Driver = "postgres"
	cfg.MaxPending = -1

	err := cfg.Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, `unknown storage.backend "tape"`)
	require.ErrorContains(t, err, `unknown ledger.driver "postgres"`)
	require.ErrorContains(t, err, "max_pending")
}

func TestSimpleContentStorage(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FORENSICS_STORAGE_BACKEND", "simplecontent")
	t.Setenv("FORENSICS_STORAGE_SIMPLECONTENT_DATABASE_URL", "postgres://content@db/content")
	t.Setenv("FORENSICS_STORAGE_SIMPLECONTENT_OWNER_ID", "0b8a6d62-54c1-4d4e-9d2f-1a3c5e7f9b11")
	t.Setenv("FORENSICS_STORAGE_S3_BUCKET", "evidence")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "simplecontent", cfg.Storage.Backend)
	require.Equal(t, "postgres", cfg.Storage.SimpleContent.DatabaseType)
	require.Equal(t, "content", cfg.Storage.SimpleContent.DatabaseSchema)
	require.Equal(t, "s3", cfg.Storage.SimpleContent.StorageBackend)
	require.Equal(t, "postgres://content@db/content", cfg.Storage.SimpleContent.DatabaseURL)
}

func TestSimpleContentStorageValidation(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "simplecontent"
	cfg.Storage.SimpleContent.StorageBackend = "tape"
	cfg.Storage.SimpleContent.TenantID = "not-a-uuid"

	err := cfg.Validate()
	require.ErrorContains(t, err, "storage.simplecontent.database_url must be set")
	require.ErrorContains(t, err, `unknown storage.simplecontent.storage_backend "tape"`)
	require.ErrorContains(t, err, "storage.simplecontent.tenant_id")

	cfg.Storage.SimpleContent = SimpleContentConfig{DatabaseType: "memory", StorageBackend: "memory"}
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresIntakeRoot(t *testing.T) {
	cfg := Default()
	cfg.NATS.IntakeRoot = ""
	require.ErrorContains(t, cfg.Validate(), "nats.intake_root must be set")
}

func TestDefaultPipelineWithoutFile(t *testing.T) {
	p, err := Default().Pipeline()
	require.NoError(t, err)
	require.Len(t, p.Stages, 3)
	require.Equal(t, "metadata", p.Stages[0].Name)
}
