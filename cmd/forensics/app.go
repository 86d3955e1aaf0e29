package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	slogmulti "github.com/samber/slog-multi"
	simpleconfig "github.com/tendant/simple-content/pkg/simplecontent/config"

	"github.com/tendant/simple-forensics/internal/analysis"
	"github.com/tendant/simple-forensics/internal/blob"
	"github.com/tendant/simple-forensics/internal/bus"
	"github.com/tendant/simple-forensics/internal/config"
	"github.com/tendant/simple-forensics/internal/custody"
	"github.com/tendant/simple-forensics/internal/idgen"
	"github.com/tendant/simple-forensics/internal/ledger"
	"github.com/tendant/simple-forensics/internal/storage"
	"github.com/tendant/simple-forensics/internal/workflow"
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	orch   *workflow.Orchestrator
	nc     *bus.Client
}

type fileCloser struct{ f *os.File }

func (c fileCloser) Close() error { return c.f.Close() }

// setupLogger writes text records to stderr and, when a log file is
// configured, a JSON copy to that file.
func setupLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	text := slog.NewTextHandler(os.Stderr, opts)
	if cfg.File == "" {
		return slog.New(text), nil, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slogmulti.Fanout(text, slog.NewJSONHandler(f, opts)))
	return logger, fileCloser{f}, nil
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (blob.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return blob.NewMemoryBackend(), nil
	case "fs":
		return blob.NewFSBackend(cfg.Dir)
	case "s3":
		return blob.NewS3Backend(ctx, blob.S3Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			Prefix:       cfg.S3.Prefix,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	case "simplecontent":
		return openSimpleContent(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// openSimpleContent builds a simple-content service whose content records
// hold the evidence bytes.
func openSimpleContent(cfg config.StorageConfig) (blob.Backend, error) {
	sc := cfg.SimpleContent
	opts := []simpleconfig.Option{
		simpleconfig.WithDatabase(sc.DatabaseType, sc.DatabaseURL),
		simpleconfig.WithDatabaseSchema(sc.DatabaseSchema),
		simpleconfig.WithDefaultStorage(sc.StorageBackend),
	}
	switch sc.StorageBackend {
	case "s3":
		opts = append(opts, simpleconfig.WithS3StorageFull(
			"s3",
			cfg.S3.Bucket,
			cfg.S3.Region,
			os.Getenv("AWS_ACCESS_KEY_ID"),
			os.Getenv("AWS_SECRET_ACCESS_KEY"),
			cfg.S3.Endpoint,
			!strings.HasPrefix(cfg.S3.Endpoint, "http://"),
			cfg.S3.UsePathStyle,
		))
	case "memory":
		opts = append(opts, simpleconfig.WithMemoryStorage("memory"))
	}
	opts = append(opts, simpleconfig.WithEventLogging(false))

	contentCfg, err := simpleconfig.Load(opts...)
	if err != nil {
		return nil, fmt.Errorf("load simplecontent config: %w", err)
	}
	svc, err := contentCfg.BuildService()
	if err != nil {
		return nil, fmt.Errorf("build simplecontent service: %w", err)
	}
	owner, tenant := uuid.Nil, uuid.Nil
	if sc.OwnerID != "" {
		owner = uuid.MustParse(sc.OwnerID)
	}
	if sc.TenantID != "" {
		tenant = uuid.MustParse(sc.TenantID)
	}
	return blob.NewSimpleContentBackend(svc, blob.SimpleContentConfig{
		OwnerID:        owner,
		TenantID:       tenant,
		StorageBackend: contentCfg.DefaultStorageBackend,
	})
}

// newApp wires an Orchestrator from configuration. With withBus set,
// lifecycle events are published on NATS.
func newApp(ctx context.Context, withBus bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := setupLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	var closers []io.Closer
	fail := func(err error) (*app, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}
	if logCloser != nil {
		closers = append(closers, logCloser)
	}

	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return fail(fmt.Errorf("open evidence storage: %w", err))
	}
	logger.Info("evidence storage ready", "backend", backend.Name())

	var (
		ledgerStore  ledger.Store
		custodyStore custody.Store
	)
	if cfg.Ledger.Driver == "memory" {
		ledgerStore, custodyStore = ledger.NewMemoryStore(), custody.NewMemoryStore()
	} else {
		stores, err := storage.OpenStores(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN)
		if err != nil {
			return fail(err)
		}
		closers = append([]io.Closer{stores}, closers...)
		ledgerStore, custodyStore = stores.Ledger, stores.Custody
	}
	logger.Info("audit ledger store ready", "driver", cfg.Ledger.Driver)

	clock := &idgen.SystemClock{}
	l, err := ledger.Open(ctx, ledgerStore, clock, logger)
	if err != nil {
		return fail(err)
	}

	pipeline, err := cfg.Pipeline()
	if err != nil {
		return fail(err)
	}

	deps := workflow.Dependencies{
		Blobs:     blob.NewClient(backend),
		Ledger:    l,
		Custody:   custodyStore,
		Providers: analysis.DefaultRegistry(),
		Clock:     clock,
		Logger:    logger,
	}
	if withBus {
		nc, err := bus.Connect(cfg.NATS.URL)
		if err != nil {
			return fail(fmt.Errorf("connect to NATS: %w", err))
		}
		logger.Info("connected to NATS", "nats_url", cfg.NATS.URL)
		a.nc = nc
		deps.Publisher = nc.EventPublisher(cfg.NATS.EventSubject)
		closers = append([]io.Closer{nc}, closers...)
	}
	deps.Closers = closers

	a.orch, err = workflow.New(ctx, deps, workflow.Options{
		Workers:          cfg.Workers,
		MaxPending:       cfg.MaxPending,
		MaxDocumentBytes: cfg.MaxDocumentBytes,
		MediaTypes:       cfg.MediaTypes,
		Pipeline:         pipeline,
	})
	if err != nil {
		return fail(err)
	}
	return a, nil
}
