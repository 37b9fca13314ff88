package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

var entryCols = []string{"id", "scan_id", "seq", "prev_id", "event", "from_state", "to_state", "principal", "at",
	"retention_days", "disposal_date", "compliance_flags", "compensates_id", "details"}

// anyArgs matches an insert of n placeholders without pinning values.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStoreAppendFirstEntry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()
	store := newPostgresStoreWithQuerier(mock)

	entries, err := Build(nil, "scan-1", Step{Event: EventSubmitted, Principal: "svc", At: t0})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	e := entries[0]

	mock.ExpectQuery("FROM ledger_entries WHERE scan_id").WithArgs("scan-1").
		WillReturnRows(pgxmock.NewRows(entryCols))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(e.ID, "scan-1", 1, "", "submitted", "", "submitted", "svc", t0,
			0, pgxmock.AnyArg(), []string{}, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.Append(context.Background(), e); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreAppendLosesRace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()
	store := newPostgresStoreWithQuerier(mock)

	entries, _ := Build(nil, "scan-1", Step{Event: EventSubmitted, Principal: "svc", At: t0})

	// Another writer inserted between our head read and insert.
	mock.ExpectQuery("FROM ledger_entries WHERE scan_id").WithArgs("scan-1").
		WillReturnRows(pgxmock.NewRows(entryCols))
	mock.ExpectExec("INSERT INTO ledger_entries").WithArgs(anyArgs(len(entryCols))...).WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err = store.Append(context.Background(), entries[0])
	if !errors.Is(err, ErrStaleHead) || !errors.Is(err, phierr.ErrConflict) {
		t.Fatalf("expected stale head conflict, got %v", err)
	}

	mock.ExpectQuery("FROM ledger_entries WHERE scan_id").WithArgs("scan-1").
		WillReturnRows(pgxmock.NewRows(entryCols))
	mock.ExpectExec("INSERT INTO ledger_entries").WithArgs(anyArgs(len(entryCols))...).
		WillReturnError(&pgconn.PgError{Code: "23505", Detail: "Key (scan_id, seq)=(scan-1, 1) already exists."})

	err = store.Append(context.Background(), entries[0])
	if !errors.Is(err, ErrStaleHead) {
		t.Fatalf("expected unique violation to map to stale head, got %v", err)
	}

	mock.ExpectQuery("FROM ledger_entries WHERE scan_id").WithArgs("scan-1").
		WillReturnRows(pgxmock.NewRows(entryCols))
	mock.ExpectExec("INSERT INTO ledger_entries").WithArgs(anyArgs(len(entryCols))...).WillReturnError(errors.New("connection reset"))

	err = store.Append(context.Background(), entries[0])
	if !errors.Is(err, phierr.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreAppendChecksHead(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()
	store := newPostgresStoreWithQuerier(mock)

	first, _ := Build(nil, "scan-1", Step{Event: EventSubmitted, Principal: "svc", At: t0})
	stale, _ := Build(nil, "scan-1", Step{Event: EventSubmitted, Principal: "svc", At: t0})

	mock.ExpectQuery("FROM ledger_entries WHERE scan_id").WithArgs("scan-1").
		WillReturnRows(pgxmock.NewRows(entryCols).AddRow(first[0].ID, "scan-1", 1, "", "submitted", "", "submitted",
			"svc", t0, 0, (*time.Time)(nil), []string{}, "", []byte(nil)))

	err = store.Append(context.Background(), stale[0])
	if !errors.Is(err, ErrStaleHead) {
		t.Fatalf("expected stale head, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreDue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()
	store := newPostgresStoreWithQuerier(mock)

	now := t0.AddDate(0, 0, 30)
	disposal := t0.AddDate(0, 0, 10)
	rows := pgxmock.NewRows(entryCols).
		AddRow("e3", "scan-1", 3, "e2", "retained", "scanned", "retained", "svc", t0, 10, &disposal,
			[]string{"quebec_identifier_override"}, "", []byte(`{"tier":"high_risk"}`))
	mock.ExpectQuery("DISTINCT ON").WithArgs(now).WillReturnRows(rows)

	due, err := store.Due(context.Background(), now)
	if err != nil {
		t.Fatalf("due failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one due entry, got %d", len(due))
	}
	got := due[0]
	if got.ToState != StateRetained || got.DisposalDate == nil || !got.DisposalDate.Equal(disposal) {
		t.Fatalf("unexpected entry: %#v", got)
	}
	if len(got.ComplianceFlags) != 1 || string(got.Details) != `{"tier":"high_risk"}` {
		t.Fatalf("unexpected flags/details: %#v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreStalledSelectsScannedHeads(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()
	store := newPostgresStoreWithQuerier(mock)

	before := t0.Add(time.Hour)
	rows := pgxmock.NewRows(entryCols).
		AddRow("e4", "scan-1", 4, "e3", "compensation", "scanned", "scanned", "po-1", t0, 10, (*time.Time)(nil),
			[]string{}, "e3", []byte(`{"reason":"r"}`))
	mock.ExpectQuery(`(?s)DISTINCT ON .* WHERE to_state = 'scanned' AND at < \$1`).WithArgs(before).WillReturnRows(rows)

	stalled, err := store.Stalled(context.Background(), before)
	if err != nil {
		t.Fatalf("stalled failed: %v", err)
	}
	if len(stalled) != 1 || stalled[0].Event != EventCompensation || stalled[0].ToState != StateScanned {
		t.Fatalf("unexpected stalled heads: %#v", stalled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreHistoryNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()
	store := newPostgresStoreWithQuerier(mock)

	mock.ExpectQuery("ORDER BY seq").WithArgs("ghost").WillReturnRows(pgxmock.NewRows(entryCols))
	_, err = store.History(context.Background(), "ghost")
	if !errors.Is(err, phierr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mock.ExpectQuery("WHERE id =").WithArgs("e1").WillReturnError(errors.New("boom"))
	_, err = store.Get(context.Background(), "e1")
	if !errors.Is(err, phierr.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreAppendChainInTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	entries, err := Build(nil, "scan-1",
		Step{Event: EventSubmitted, Principal: "svc", At: t0},
		Step{Event: EventScanned, Principal: "svc", At: t0},
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_entries WHERE scan_id").WithArgs("scan-1").
		WillReturnRows(pgxmock.NewRows(entryCols))
	mock.ExpectExec("INSERT INTO ledger_entries").WithArgs(anyArgs(len(entryCols))...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO ledger_entries").WithArgs(anyArgs(len(entryCols))...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := NewTxStore(tx).AppendChain(ctx, entries); err != nil {
		t.Fatalf("append chain: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
