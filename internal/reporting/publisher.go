package reporting

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wolfman30/phi-deid-engine/internal/events"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// Publisher generates a report, archives it and announces it.
type Publisher struct {
	reporter *Reporter
	archive  *Archive
	emitter  events.Emitter
	logger   *logging.Logger
}

func NewPublisher(reporter *Reporter, archive *Archive, emitter events.Emitter, logger *logging.Logger) *Publisher {
	if reporter == nil {
		panic("reporting: reporter required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{reporter: reporter, archive: archive, emitter: emitter, logger: logger}
}

// Publish builds the report for period. Archival and the ready event are
// skipped when not configured.
func (p *Publisher) Publish(ctx context.Context, period Period) (*ComplianceReport, string, error) {
	report, err := p.reporter.Report(ctx, period)
	if err != nil {
		return nil, "", err
	}
	key, err := p.archive.Put(ctx, report)
	if err != nil {
		return nil, "", err
	}
	if p.emitter != nil {
		id := uuid.New()
		evt := events.ComplianceReportReadyV1{
			EventID:        id.String(),
			Period:         period.Name,
			From:           period.From,
			To:             period.To,
			TotalScans:     report.TotalScans,
			HighRiskScans:  report.HighRiskScans,
			ComplianceRate: report.ComplianceRate,
			S3Key:          key,
			GeneratedAt:    report.GeneratedAt,
		}
		correlation := period.Name + ":" + period.From.UTC().Format("2006-01-02")
		if _, err := p.emitter.Emit(ctx, "report:"+period.Name, correlation, evt,
			events.WithEventID(id), events.WithTimestamp(report.GeneratedAt)); err != nil {
			return nil, "", fmt.Errorf("reporting: emit report ready: %w", err)
		}
	}
	p.logger.Info("compliance report published", "period", period.Name, "total_scans", report.TotalScans, "s3_key", key)
	return report, key, nil
}
