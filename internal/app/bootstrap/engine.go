package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/phi-deid-engine/internal/config"
	"github.com/wolfman30/phi-deid-engine/internal/engine"
	"github.com/wolfman30/phi-deid-engine/internal/events"
	"github.com/wolfman30/phi-deid-engine/internal/kms"
	"github.com/wolfman30/phi-deid-engine/internal/ledger"
	"github.com/wolfman30/phi-deid-engine/internal/observability/metrics"
	"github.com/wolfman30/phi-deid-engine/internal/records"
	"github.com/wolfman30/phi-deid-engine/internal/reporting"
	"github.com/wolfman30/phi-deid-engine/internal/scanner"
	"github.com/wolfman30/phi-deid-engine/internal/transform"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// Infra are the already-connected backends. A nil Pool selects the
// in-memory stores.
type Infra struct {
	Pool       *pgxpool.Pool
	DB         *sql.DB
	Redis      *redis.Client
	Keys       kms.KeyService
	S3         reporting.S3API
	SQS        events.SQSAPI
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Engine is the wired application core.
type Engine struct {
	Service   *engine.Service
	Ledger    *ledger.Ledger
	Reporter  *reporting.Reporter
	Publisher *reporting.Publisher
	Metrics   *metrics.EngineMetrics
	// Deliverer relays the Postgres outbox; nil in memory mode.
	Deliverer *events.Deliverer
}

// BuildEngine wires scanner, transformer, stores, ledger, events and
// reporting from cfg.
func BuildEngine(ctx context.Context, cfg *appconfig.Config, infra Infra, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if infra.Keys == nil {
		return nil, fmt.Errorf("bootstrap: key service is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if infra.Now == nil {
		infra.Now = time.Now
	}

	source, err := BuildConfigSource(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: config bundles: %w", err)
	}
	if _, err := source.Active(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: config bundles: %w", err)
	}

	tr, err := transform.New(infra.Keys, transform.Config{HashSalt: []byte(cfg.HashSalt), Now: infra.Now}, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: transformer: %w", err)
	}

	handler := deliveryHandler(cfg, infra.SQS, logger)
	var (
		store       records.Store
		ledgerStore ledger.Store
		reportSrc   reporting.Source
		emitter     events.Emitter
		deliverer   *events.Deliverer
	)
	if infra.Pool != nil {
		if infra.DB == nil {
			return nil, fmt.Errorf("bootstrap: database/sql handle is required with a pool")
		}
		store = records.NewPostgresStore(infra.Pool, infra.DB)
		ledgerStore = ledger.NewPostgresStore(infra.Pool)
		reportSrc = reporting.NewSQLSource(infra.DB)
		outbox := events.NewOutboxStore(infra.Pool)
		emitter = outbox
		deliverer = events.NewDeliverer(outbox, handler, logger).
			WithBatchSize(int32(cfg.OutboxBatchSize)).
			WithInterval(cfg.OutboxPollInterval)
		logger.Info("engine using postgres stores")
	} else {
		mem := records.NewMemoryStore(nil)
		store = mem
		ledgerStore = mem.Ledger()
		reportSrc = reporting.NewMemorySource(mem, mem.Ledger())
		emitter = events.NewMemoryEmitter(handler)
		logger.Warn("DATABASE_URL not set; scans kept in memory only")
	}

	reg := infra.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := metrics.NewEngineMetrics(reg)

	led := ledger.New(ledgerStore, store, ledger.Options{
		DisposalRoles: cfg.DisposalRoles,
		RetryGrace:    cfg.RetryGrace,
		Now:           infra.Now,
	}, logger)

	svc := engine.NewService(engine.Deps{
		Config: source,
		Scanner: scanner.New(scanner.Options{
			Parallelism:     cfg.ScanParallelism,
			MaxContentBytes: cfg.MaxContentBytes,
		}, logger),
		Transformer: tr,
		Records:     store,
		Ledger:      led,
		Idempotency: BuildIdempotencyStore(infra.Redis, cfg.IdempotencyTTL, logger),
		Events:      emitter,
		Metrics:     m,
		Logger:      logger,
	}, engine.Options{ScanTimeout: cfg.ScanTimeout, Now: infra.Now})

	reporter := reporting.NewReporter(reportSrc, infra.Now)
	var archive *reporting.Archive
	if infra.S3 != nil {
		archive = reporting.NewArchive(infra.S3, cfg.ReportBucket, logger)
	}

	return &Engine{
		Service:   svc,
		Ledger:    led,
		Reporter:  reporter,
		Publisher: reporting.NewPublisher(reporter, archive, emitter, logger),
		Metrics:   m,
		Deliverer: deliverer,
	}, nil
}

// deliveryHandler publishes events to SQS when a queue is configured and
// only logs them otherwise.
func deliveryHandler(cfg *appconfig.Config, client events.SQSAPI, logger *logging.Logger) events.DeliveryHandler {
	if client != nil && cfg.EventsQueueURL != "" {
		return events.NewSQSHandler(client, cfg.EventsQueueURL)
	}
	return events.DeliveryHandlerFunc(func(_ context.Context, entry events.OutboxEntry) error {
		logger.Info("event recorded", "event_type", entry.Type, "aggregate", entry.Aggregate, "event_id", entry.ID)
		return nil
	})
}
