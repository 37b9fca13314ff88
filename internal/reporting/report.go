// Package reporting aggregates stored scans into compliance reports. A
// report is a pure function of the scans in its period; generating one
// never writes anything.
package reporting

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/wolfman30/phi-deid-engine/internal/phi"
)

// latencyBucketsMS are the histogram bounds used in report latency snapshots.
var latencyBucketsMS = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// ScanSummary is the per-scan row a report aggregates.
type ScanSummary struct {
	ScanID             string
	SubmittedAt        time.Time
	Classification     phi.Classification
	RiskScore          float64
	CategoryCounts     map[phi.Category]int
	JurisdictionCounts map[string]int
	ProcessingTime     time.Duration
	Deidentified       bool
	// TransformFailed is set when a transform failed and was never
	// completed by a retry.
	TransformFailed bool
}

// Compliant reports whether the scan needs no follow-up: it is below
// high_risk, or it was de-identified without a failure.
func (s ScanSummary) Compliant() bool {
	if !s.Classification.AtLeast(phi.HighRisk) {
		return true
	}
	return s.Deidentified && !s.TransformFailed
}

// Source lists the scans submitted in [from, to).
type Source interface {
	Summaries(ctx context.Context, from, to time.Time) ([]ScanSummary, error)
}

// LatencyBucket is one cumulative histogram bucket.
type LatencyBucket struct {
	UpperBoundMS float64 `json:"upper_bound_ms"`
	Count        uint64  `json:"count"`
}

// ComplianceReport is the aggregate for one period.
type ComplianceReport struct {
	Period                 Period                     `json:"period"`
	TotalScans             int                        `json:"total_scans"`
	TierCounts             map[phi.Classification]int `json:"tier_counts"`
	HighRiskScans          int                        `json:"high_risk_scans"`
	JurisdictionDetections map[string]int             `json:"jurisdiction_detections"`
	CategoryDetections     map[phi.Category]int       `json:"category_detections"`
	DeidentifiedScans      int                        `json:"deidentified_scans"`
	TransformFailures      int                        `json:"transform_failures"`
	CompliantScans         int                        `json:"compliant_scans"`
	AverageProcessingMS    float64                    `json:"average_processing_ms"`
	LatencyBuckets         []LatencyBucket            `json:"latency_buckets"`
	ErrorRate              float64                    `json:"error_rate"`
	ComplianceRate         float64                    `json:"compliance_rate"`
	GeneratedAt            time.Time                  `json:"generated_at"`
}

// Reporter builds reports from a Source.
type Reporter struct {
	source Source
	now    func() time.Time
}

func NewReporter(source Source, now func() time.Time) *Reporter {
	if source == nil {
		panic("reporting: source required")
	}
	if now == nil {
		now = time.Now
	}
	return &Reporter{source: source, now: now}
}

// Report aggregates the scans submitted in period.
func (r *Reporter) Report(ctx context.Context, period Period) (*ComplianceReport, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	summaries, err := r.source.Summaries(ctx, period.From, period.To)
	if err != nil {
		return nil, fmt.Errorf("reporting: load summaries: %w", err)
	}
	report, err := Aggregate(period, summaries)
	if err != nil {
		return nil, err
	}
	report.GeneratedAt = r.now().UTC()
	return report, nil
}

// Aggregate computes a report over summaries. Rows outside the period are
// ignored.
func Aggregate(period Period, summaries []ScanSummary) (*ComplianceReport, error) {
	report := &ComplianceReport{
		Period:                 period,
		TierCounts:             make(map[phi.Classification]int),
		JurisdictionDetections: make(map[string]int),
		CategoryDetections:     make(map[phi.Category]int),
	}
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "report_scan_processing_ms",
		Buckets: latencyBucketsMS,
	})

	var totalMS float64
	for _, s := range summaries {
		if s.SubmittedAt.Before(period.From) || !s.SubmittedAt.Before(period.To) {
			continue
		}
		report.TotalScans++
		report.TierCounts[s.Classification]++
		if s.Classification.AtLeast(phi.HighRisk) {
			report.HighRiskScans++
		}
		for j, n := range s.JurisdictionCounts {
			report.JurisdictionDetections[j] += n
		}
		for c, n := range s.CategoryCounts {
			report.CategoryDetections[c] += n
		}
		if s.Deidentified {
			report.DeidentifiedScans++
		}
		if s.TransformFailed {
			report.TransformFailures++
		}
		if s.Compliant() {
			report.CompliantScans++
		}
		ms := float64(s.ProcessingTime) / float64(time.Millisecond)
		totalMS += ms
		latency.Observe(ms)
	}

	report.ComplianceRate = 1.0
	if report.TotalScans > 0 {
		total := float64(report.TotalScans)
		report.AverageProcessingMS = round(totalMS / total)
		report.ErrorRate = round(float64(report.TransformFailures) / total)
		report.ComplianceRate = round(float64(report.CompliantScans) / total)
	}

	var m dto.Metric
	if err := latency.Write(&m); err != nil {
		return nil, fmt.Errorf("reporting: snapshot latency: %w", err)
	}
	for _, b := range m.GetHistogram().GetBucket() {
		report.LatencyBuckets = append(report.LatencyBuckets, LatencyBucket{
			UpperBoundMS: b.GetUpperBound(),
			Count:        b.GetCumulativeCount(),
		})
	}
	return report, nil
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
