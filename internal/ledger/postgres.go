package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps the ledger in the ledger_entries table. The unique
// (scan_id, seq) constraint and the conditional insert together reject
// appends against a stale head.
type PostgresStore struct {
	db querier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("ledger: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithQuerier(db querier) *PostgresStore {
	if db == nil {
		panic("ledger: querier required")
	}
	return &PostgresStore{db: db}
}

// NewTxStore returns a store bound to tx so appends join a wider transaction.
func NewTxStore(tx pgx.Tx) *PostgresStore {
	if tx == nil {
		panic("ledger: tx required")
	}
	return &PostgresStore{db: tx}
}

const entryColumns = `id, scan_id, seq, prev_id, event, from_state, to_state, principal, at,
	retention_days, disposal_date, compliance_flags, compensates_id, details`

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	return s.AppendChain(ctx, []Entry{e})
}

// AppendChain appends consecutive entries of one scan. Run it on a store
// from NewTxStore to make the chain all-or-nothing.
func (s *PostgresStore) AppendChain(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	scanID := entries[0].ScanID
	head, ok, err := s.Head(ctx, scanID)
	if err != nil {
		return err
	}
	var hp *Entry
	if ok {
		hp = &head
	}
	for i := range entries {
		if entries[i].ScanID != scanID {
			return phierr.Validationf("ledger.append", "scan_id", "chain mixes scans %s and %s", scanID, entries[i].ScanID)
		}
		if err := checkAppend(hp, entries[i]); err != nil {
			return err
		}
		hp = &entries[i]
	}
	for _, e := range entries {
		if err := s.insert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) insert(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		WHERE NOT EXISTS (
			SELECT 1 FROM ledger_entries WHERE scan_id = $2 AND seq >= $3
		)
	`
	flags := e.ComplianceFlags
	if flags == nil {
		flags = []string{}
	}
	var details []byte
	if len(e.Details) > 0 {
		details = e.Details
	}
	ct, err := s.db.Exec(ctx, query,
		e.ID, e.ScanID, e.Seq, e.PrevID, string(e.Event), string(e.FromState), string(e.ToState),
		e.Principal, e.At, e.RetentionDays, e.DisposalDate, flags, e.CompensatesID, details,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return phierr.Conflict("ledger.append", "prev_id", fmt.Errorf("%w: %s", ErrStaleHead, pgErr.Detail))
		}
		return phierr.Persistence("ledger.append", "", fmt.Errorf("insert entry: %w", err))
	}
	if ct.RowsAffected() != 1 {
		return phierr.Conflict("ledger.append", "prev_id", fmt.Errorf("%w: scan %s moved past seq %d", ErrStaleHead, e.ScanID, e.Seq-1))
	}
	return nil
}

func (s *PostgresStore) Head(ctx context.Context, scanID string) (Entry, bool, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE scan_id = $1 ORDER BY seq DESC LIMIT 1`
	e, err := scanEntry(s.db.QueryRow(ctx, query, scanID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, phierr.Persistence("ledger.head", "scan_id", err)
	}
	return e, true, nil
}

func (s *PostgresStore) History(ctx context.Context, scanID string) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE scan_id = $1 ORDER BY seq`
	entries, err := s.list(ctx, "ledger.history", query, scanID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, phierr.NotFound("ledger.history", "scan_id", ErrEntryNotFound)
	}
	return entries, nil
}

func (s *PostgresStore) Get(ctx context.Context, entryID string) (Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`
	e, err := scanEntry(s.db.QueryRow(ctx, query, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, phierr.NotFound("ledger.get", "entry_id", ErrEntryNotFound)
	}
	if err != nil {
		return Entry{}, phierr.Persistence("ledger.get", "entry_id", err)
	}
	return e, nil
}

const headsQuery = `
	SELECT ` + entryColumns + ` FROM (
		SELECT DISTINCT ON (scan_id) ` + entryColumns + `
		FROM ledger_entries
		ORDER BY scan_id, seq DESC
	) heads
`

func (s *PostgresStore) Due(ctx context.Context, now time.Time) ([]Entry, error) {
	query := headsQuery + ` WHERE to_state = 'retained' AND disposal_date < $1 ORDER BY scan_id`
	return s.list(ctx, "ledger.due", query, now.UTC())
}

func (s *PostgresStore) Stalled(ctx context.Context, before time.Time) ([]Entry, error) {
	query := headsQuery + ` WHERE to_state = 'scanned' AND at < $1 ORDER BY scan_id`
	return s.list(ctx, "ledger.stalled", query, before.UTC())
}

func (s *PostgresStore) Range(ctx context.Context, from, to time.Time) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE at >= $1 AND at < $2 ORDER BY at, scan_id, seq`
	return s.list(ctx, "ledger.range", query, from.UTC(), to.UTC())
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, phierr.Persistence(op, "", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, phierr.Persistence(op, "", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, phierr.Persistence(op, "", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e               Entry
		event, from, to string
		disposal        *time.Time
		flags           []string
		details         []byte
	)
	if err := row.Scan(&e.ID, &e.ScanID, &e.Seq, &e.PrevID, &event, &from, &to, &e.Principal, &e.At,
		&e.RetentionDays, &disposal, &flags, &e.CompensatesID, &details); err != nil {
		return Entry{}, err
	}
	e.Event, e.FromState, e.ToState = Event(event), State(from), State(to)
	e.At = e.At.UTC()
	if disposal != nil {
		d := disposal.UTC()
		e.DisposalDate = &d
	}
	if len(flags) > 0 {
		e.ComplianceFlags = flags
	}
	if len(details) > 0 {
		e.Details = append([]byte(nil), details...)
	}
	return e, nil
}
