package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

// DeidentificationRepository stores DeidentificationRecords. Only the
// reversal envelope ciphertext is stored, never key material.
type DeidentificationRepository struct {
	db *sql.DB
}

func NewDeidentificationRepository(db *sql.DB) *DeidentificationRepository {
	return &DeidentificationRepository{db: db}
}

func (r *DeidentificationRepository) Save(ctx context.Context, rec *phi.DeidentificationRecord) error {
	if r == nil || r.db == nil {
		return phierr.Persistence("records.save_deidentification", "", errors.New("database not configured"))
	}
	if rec == nil {
		return phierr.Validation("records.save_deidentification", "record", errors.New("record is nil"))
	}
	transformations, err := json.Marshal(rec.Transformations)
	if err != nil {
		return fmt.Errorf("records: marshal transformations: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO deidentification_records (
			scan_id, original_hash, deidentified_hash, transformations, reversible,
			reversal_key_id, reversal_envelope, authorized_roles, irreversible_fallback,
			policy_version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.ScanID,
		rec.OriginalHash,
		rec.DeidentifiedHash,
		transformations,
		rec.Reversible,
		nullString(rec.ReversalKeyID),
		rec.ReversalEnvelope,
		pq.Array(rec.AuthorizedRoles),
		rec.Fallback,
		rec.PolicyVersion,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return phierr.Conflict("records.save_deidentification", "scan_id", ErrScanExists)
		}
		return phierr.Persistence("records.save_deidentification", "", err)
	}
	return nil
}

func (r *DeidentificationRepository) Get(ctx context.Context, scanID string) (*phi.DeidentificationRecord, error) {
	if r == nil || r.db == nil {
		return nil, phierr.Persistence("records.get_deidentification", "", errors.New("database not configured"))
	}
	var (
		rec             phi.DeidentificationRecord
		transformations []byte
		keyID           sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT scan_id, original_hash, deidentified_hash, transformations, reversible,
			reversal_key_id, reversal_envelope, authorized_roles, irreversible_fallback,
			policy_version, created_at
		FROM deidentification_records WHERE scan_id = $1
	`, scanID).Scan(&rec.ScanID, &rec.OriginalHash, &rec.DeidentifiedHash, &transformations, &rec.Reversible,
		&keyID, &rec.ReversalEnvelope, pq.Array(&rec.AuthorizedRoles), &rec.Fallback,
		&rec.PolicyVersion, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, phierr.NotFound("records.get_deidentification", "scan_id", ErrNotFound)
	}
	if err != nil {
		return nil, phierr.Persistence("records.get_deidentification", "", err)
	}
	rec.ReversalKeyID = keyID.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	if err := unmarshalOptional(transformations, &rec.Transformations); err != nil {
		return nil, phierr.Persistence("records.get_deidentification", "transformations", err)
	}
	return &rec, nil
}

func (r *DeidentificationRepository) Delete(ctx context.Context, scanID string) error {
	if r == nil || r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM deidentification_records WHERE scan_id = $1`, scanID); err != nil {
		return phierr.Persistence("records.purge", "deidentification_records", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
