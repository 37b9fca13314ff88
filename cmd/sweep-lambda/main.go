package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/wolfman30/phi-deid-engine/cmd/mainconfig"
	"github.com/wolfman30/phi-deid-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/phi-deid-engine/internal/config"
	"github.com/wolfman30/phi-deid-engine/internal/reporting"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

const sweepPrincipal = "system:retention-sweep"

type sweeper interface {
	Sweep(ctx context.Context, principal string) (int, error)
}

type publisher interface {
	Publish(ctx context.Context, period reporting.Period) (*reporting.ComplianceReport, string, error)
}

// detail is the optional EventBridge payload. An empty report_period skips
// report publishing.
type detail struct {
	ReportPeriod string `json:"report_period"`
}

type result struct {
	Eligible  int    `json:"eligible"`
	ReportKey string `json:"report_key,omitempty"`
}

type job struct {
	sweeper   sweeper
	publisher publisher
	now       func() time.Time
	logger    *logging.Logger
}

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("sweep lambda requires DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	keys, err := bootstrap.BuildKeyService(cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build key service", "error", err)
		os.Exit(1)
	}
	infra := bootstrap.Infra{Pool: pool, DB: sqlDB, Keys: keys}
	if cfg.ReportBucket != "" {
		infra.S3 = mainconfig.NewS3Client(awsCfg, cfg)
	}
	if cfg.EventsQueueURL != "" {
		infra.SQS = sqs.NewFromConfig(awsCfg)
	}
	eng, err := bootstrap.BuildEngine(ctx, cfg, infra, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	j := &job{sweeper: eng.Ledger, publisher: eng.Publisher, now: time.Now, logger: logger}
	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (result, error) {
		res, err := j.handle(ctx, evt)
		if err == nil && eng.Deliverer != nil {
			// Lambda freezes between invocations; relay events before returning.
			eng.Deliverer.Drain(ctx)
		}
		return res, err
	})
}

func (j *job) handle(ctx context.Context, evt events.CloudWatchEvent) (result, error) {
	var d detail
	if raw := strings.TrimSpace(string(evt.Detail)); raw != "" && raw != "null" {
		if err := json.Unmarshal(evt.Detail, &d); err != nil {
			return result{}, fmt.Errorf("decode event detail: %w", err)
		}
	}

	eligible, err := j.sweeper.Sweep(ctx, sweepPrincipal)
	if err != nil {
		return result{Eligible: eligible}, fmt.Errorf("retention sweep: %w", err)
	}
	res := result{Eligible: eligible}
	j.logger.Info("retention sweep finished", "eligible", eligible, "event_id", evt.ID)

	if d.ReportPeriod == "" {
		return res, nil
	}
	if j.publisher == nil {
		return res, errors.New("report publishing not configured")
	}
	// Report on the period that just closed.
	period, err := reporting.ParsePeriod(d.ReportPeriod, j.previous(d.ReportPeriod))
	if err != nil {
		return res, err
	}
	_, key, err := j.publisher.Publish(ctx, period)
	if err != nil {
		return res, fmt.Errorf("publish %s report: %w", period.Name, err)
	}
	res.ReportKey = key
	return res, nil
}

func (j *job) previous(periodName string) time.Time {
	now := j.now().UTC()
	switch strings.ToLower(periodName) {
	case reporting.PeriodWeekly:
		return now.AddDate(0, 0, -7)
	case reporting.PeriodMonthly:
		return reporting.Monthly(now).From.AddDate(0, 0, -1)
	}
	return now.AddDate(0, 0, -1)
}
