package reporting

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/wolfman30/phi-deid-engine/internal/ledger"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/internal/records"
)

// MemorySource reads summaries from the in-process stores.
type MemorySource struct {
	records *records.MemoryStore
	ledger  ledger.Store
}

func NewMemorySource(rec *records.MemoryStore, l ledger.Store) *MemorySource {
	return &MemorySource{records: rec, ledger: l}
}

func (s *MemorySource) Summaries(ctx context.Context, from, to time.Time) ([]ScanSummary, error) {
	var out []ScanSummary
	for _, scan := range s.records.Scans() {
		at := scan.Request.SubmittedAt
		if at.Before(from) || !at.Before(to) {
			continue
		}
		summary := summaryOf(scan)
		summary.Deidentified = s.records.Deidentified(scan.Request.ID)
		if !summary.Deidentified && s.ledger != nil {
			history, err := s.ledger.History(ctx, scan.Request.ID)
			if err != nil && phierr.KindOf(err) != phierr.KindNotFound {
				return nil, err
			}
			for _, e := range history {
				if e.Event == ledger.EventTransformFailed {
					summary.TransformFailed = true
					break
				}
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ScanID < out[j].ScanID
	})
	return out, nil
}

func summaryOf(scan records.Scan) ScanSummary {
	return ScanSummary{
		ScanID:             scan.Request.ID,
		SubmittedAt:        scan.Request.SubmittedAt,
		Classification:     scan.Result.Classification,
		RiskScore:          scan.Result.RiskScore,
		CategoryCounts:     scan.Result.CategoryCounts,
		JurisdictionCounts: scan.Result.JurisdictionCounts,
		ProcessingTime:     scan.Result.ProcessingTime,
	}
}

// SQLSource reads summaries with one query over the scan tables.
type SQLSource struct {
	db *sql.DB
}

func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

const summariesQuery = `
	SELECT r.id, r.submitted_at, s.classification, s.risk_score, s.category_counts,
		s.jurisdiction_counts, s.processing_ms,
		EXISTS (SELECT 1 FROM deidentification_records d WHERE d.scan_id = r.id) AS deidentified,
		EXISTS (SELECT 1 FROM ledger_entries l WHERE l.scan_id = r.id AND l.event = 'transform_failed') AS transform_failed
	FROM scan_requests r
	JOIN scan_results s ON s.scan_id = r.id
	WHERE r.submitted_at >= $1 AND r.submitted_at < $2
	ORDER BY r.submitted_at, r.id
`

func (s *SQLSource) Summaries(ctx context.Context, from, to time.Time) ([]ScanSummary, error) {
	rows, err := s.db.QueryContext(ctx, summariesQuery, from.UTC(), to.UTC())
	if err != nil {
		return nil, phierr.Persistence("reporting.summaries", "", err)
	}
	defer rows.Close()

	var out []ScanSummary
	for rows.Next() {
		var (
			sum                       ScanSummary
			classification            string
			categories, jurisdictions []byte
			processingMS              int64
			failed                    bool
		)
		if err := rows.Scan(&sum.ScanID, &sum.SubmittedAt, &classification, &sum.RiskScore, &categories,
			&jurisdictions, &processingMS, &sum.Deidentified, &failed); err != nil {
			return nil, phierr.Persistence("reporting.summaries", "", err)
		}
		sum.SubmittedAt = sum.SubmittedAt.UTC()
		sum.Classification = phi.Classification(classification)
		sum.ProcessingTime = time.Duration(processingMS) * time.Millisecond
		sum.TransformFailed = failed && !sum.Deidentified
		if len(categories) > 0 {
			if err := json.Unmarshal(categories, &sum.CategoryCounts); err != nil {
				return nil, fmt.Errorf("reporting: decode category counts for %s: %w", sum.ScanID, err)
			}
		}
		if len(jurisdictions) > 0 {
			if err := json.Unmarshal(jurisdictions, &sum.JurisdictionCounts); err != nil {
				return nil, fmt.Errorf("reporting: decode jurisdiction counts for %s: %w", sum.ScanID, err)
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, phierr.Persistence("reporting.summaries", "", err)
	}
	return out, nil
}
