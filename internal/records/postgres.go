package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/phi-deid-engine/internal/ledger"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

// PgxPool is the slice of pgxpool.Pool the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps scans in Postgres through pgx. De-identification
// records go through a database/sql repository on the same database.
type PostgresStore struct {
	pool PgxPool
	deid *DeidentificationRepository
}

func NewPostgresStore(pool PgxPool, db *sql.DB) *PostgresStore {
	if pool == nil {
		panic("records: pgx pool required")
	}
	return &PostgresStore{pool: pool, deid: NewDeidentificationRepository(db)}
}

func (s *PostgresStore) SaveScan(ctx context.Context, scan Scan, entries []ledger.Entry) error {
	req := scan.Request
	scanCtx, err := json.Marshal(req.Context)
	if err != nil {
		return fmt.Errorf("records: marshal context: %w", err)
	}
	opts, err := json.Marshal(req.Options)
	if err != nil {
		return fmt.Errorf("records: marshal options: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return phierr.Persistence("records.save_scan", "", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		INSERT INTO scan_requests (id, content_hash, content_length, context, options, config_version, principal, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, req.ID, req.ContentHash, req.ContentLength, scanCtx, opts, req.ConfigVersion, req.Principal, req.SubmittedAt.UTC())
	if err != nil {
		return phierr.Persistence("records.save_scan", "scan_requests", err)
	}
	if ct.RowsAffected() == 0 {
		return phierr.Conflict("records.save_scan", "scan_id", ErrScanExists)
	}

	for _, f := range scan.Findings {
		if _, err := tx.Exec(ctx, `
			INSERT INTO findings (id, scan_id, info_type, category, likelihood, confidence,
				start_offset, end_offset, rune_start, rune_end, line, col, quebec_specific, jurisdiction)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, f.ID, req.ID, f.InfoType, string(f.Category), f.Likelihood.String(), f.Confidence,
			f.Span.Start, f.Span.End, f.Span.RuneStart, f.Span.RuneEnd, f.Span.Line, f.Span.Column,
			f.QuebecSpecific, f.Jurisdiction); err != nil {
			return phierr.Persistence("records.save_scan", "findings", err)
		}
	}

	res := scan.Result
	categories, err := json.Marshal(res.CategoryCounts)
	if err != nil {
		return fmt.Errorf("records: marshal category counts: %w", err)
	}
	jurisdictions, err := json.Marshal(res.JurisdictionCounts)
	if err != nil {
		return fmt.Errorf("records: marshal jurisdiction counts: %w", err)
	}
	issues := res.ComplianceIssues
	if issues == nil {
		issues = []string{}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO scan_results (scan_id, finding_count, category_counts, jurisdiction_counts,
			classification, risk_score, compliance_issues, processing_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, req.ID, res.FindingCount, categories, jurisdictions, string(res.Classification), res.RiskScore,
		issues, res.ProcessingTime.Milliseconds(), res.CompletedAt.UTC()); err != nil {
		return phierr.Persistence("records.save_scan", "scan_results", err)
	}

	if err := ledger.NewTxStore(tx).AppendChain(ctx, entries); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return phierr.Persistence("records.save_scan", "", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetScan(ctx context.Context, scanID string) (*Scan, error) {
	var (
		scan          Scan
		scanCtx, opts []byte
	)
	req := &scan.Request
	err := s.pool.QueryRow(ctx, `
		SELECT id, content_hash, content_length, context, options, config_version, principal, submitted_at
		FROM scan_requests WHERE id = $1
	`, scanID).Scan(&req.ID, &req.ContentHash, &req.ContentLength, &scanCtx, &opts, &req.ConfigVersion, &req.Principal, &req.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, phierr.NotFound("records.get_scan", "scan_id", ErrNotFound)
	}
	if err != nil {
		return nil, phierr.Persistence("records.get_scan", "scan_requests", err)
	}
	req.SubmittedAt = req.SubmittedAt.UTC()
	if err := unmarshalOptional(scanCtx, &req.Context); err != nil {
		return nil, phierr.Persistence("records.get_scan", "context", err)
	}
	if err := unmarshalOptional(opts, &req.Options); err != nil {
		return nil, phierr.Persistence("records.get_scan", "options", err)
	}

	findings, err := s.findings(ctx, scanID)
	if err != nil {
		return nil, err
	}
	scan.Findings = findings

	var (
		categories, jurisdictions []byte
		classification            string
		processingMS              int64
	)
	res := &scan.Result
	err = s.pool.QueryRow(ctx, `
		SELECT scan_id, finding_count, category_counts, jurisdiction_counts, classification,
			risk_score, compliance_issues, processing_ms, completed_at
		FROM scan_results WHERE scan_id = $1
	`, scanID).Scan(&res.ScanID, &res.FindingCount, &categories, &jurisdictions, &classification,
		&res.RiskScore, &res.ComplianceIssues, &processingMS, &res.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, phierr.NotFound("records.get_scan", "scan_results", ErrNotFound)
	}
	if err != nil {
		return nil, phierr.Persistence("records.get_scan", "scan_results", err)
	}
	res.Classification = phi.Classification(classification)
	res.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	res.CompletedAt = res.CompletedAt.UTC()
	if err := unmarshalOptional(categories, &res.CategoryCounts); err != nil {
		return nil, phierr.Persistence("records.get_scan", "category_counts", err)
	}
	if err := unmarshalOptional(jurisdictions, &res.JurisdictionCounts); err != nil {
		return nil, phierr.Persistence("records.get_scan", "jurisdiction_counts", err)
	}
	return &scan, nil
}

func (s *PostgresStore) findings(ctx context.Context, scanID string) ([]phi.Finding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, scan_id, info_type, category, likelihood, confidence, start_offset, end_offset,
			rune_start, rune_end, line, col, quebec_specific, jurisdiction
		FROM findings WHERE scan_id = $1
		ORDER BY start_offset, end_offset DESC, info_type
	`, scanID)
	if err != nil {
		return nil, phierr.Persistence("records.get_scan", "findings", err)
	}
	defer rows.Close()

	var out []phi.Finding
	for rows.Next() {
		var (
			f                    phi.Finding
			category, likelihood string
		)
		if err := rows.Scan(&f.ID, &f.ScanID, &f.InfoType, &category, &likelihood, &f.Confidence,
			&f.Span.Start, &f.Span.End, &f.Span.RuneStart, &f.Span.RuneEnd, &f.Span.Line, &f.Span.Column,
			&f.QuebecSpecific, &f.Jurisdiction); err != nil {
			return nil, phierr.Persistence("records.get_scan", "findings", err)
		}
		f.Category = phi.Category(category)
		if f.Likelihood, err = phi.ParseLikelihood(likelihood); err != nil {
			return nil, phierr.Persistence("records.get_scan", "findings", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, phierr.Persistence("records.get_scan", "findings", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveDeidentification(ctx context.Context, rec *phi.DeidentificationRecord) error {
	return s.deid.Save(ctx, rec)
}

func (s *PostgresStore) GetDeidentification(ctx context.Context, scanID string) (*phi.DeidentificationRecord, error) {
	return s.deid.Get(ctx, scanID)
}

// PurgeScan deletes the de-identification record first so a failure half
// way leaves a state a retry can finish.
func (s *PostgresStore) PurgeScan(ctx context.Context, scanID string) error {
	if err := s.deid.Delete(ctx, scanID); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return phierr.Persistence("records.purge", "", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM findings WHERE scan_id = $1`,
		`DELETE FROM scan_results WHERE scan_id = $1`,
		`DELETE FROM scan_requests WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, scanID); err != nil {
			return phierr.Persistence("records.purge", "scan_id", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return phierr.Persistence("records.purge", "", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func unmarshalOptional(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
