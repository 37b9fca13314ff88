package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

var ledgerTracer = otel.Tracer("phideid.internal.ledger")

// Purger removes the stored content of a scan at disposal time.
type Purger interface {
	PurgeScan(ctx context.Context, scanID string) error
}

// Options configure a Ledger.
type Options struct {
	// DisposalRoles may dispose scans and record compensations.
	DisposalRoles []string
	// RetryGrace is how long a scan may stay in scanned, waiting for a
	// transform retry, before Sweep retains it without one.
	RetryGrace time.Duration
	Now        func() time.Time
}

// Ledger is the service API over a Store.
type Ledger struct {
	store  Store
	purger Purger
	opts   Options
	logger *logging.Logger
}

func New(store Store, purger Purger, opts Options, logger *logging.Logger) *Ledger {
	if store == nil {
		panic("ledger: store required")
	}
	if opts.RetryGrace <= 0 {
		opts.RetryGrace = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.DisposalRoles) == 0 {
		opts.DisposalRoles = []string{"privacy_officer"}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{store: store, purger: purger, opts: opts, logger: logger}
}

// Store exposes the underlying store for read paths.
func (l *Ledger) Store() Store { return l.store }

// Record appends one step after the current head of scanID.
func (l *Ledger) Record(ctx context.Context, scanID string, step Step) (Entry, error) {
	head, ok, err := l.store.Head(ctx, scanID)
	if err != nil {
		return Entry{}, err
	}
	var hp *Entry
	if ok {
		hp = &head
	}
	if step.At.IsZero() {
		step.At = l.opts.Now()
	}
	entries, err := Build(hp, scanID, step)
	if err != nil {
		return Entry{}, err
	}
	if err := l.store.Append(ctx, entries[0]); err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// History returns the chain of a scan in order.
func (l *Ledger) History(ctx context.Context, scanID string) ([]Entry, error) {
	return l.store.History(ctx, scanID)
}

// Sweep moves every retained scan past its disposal date to
// eligible_for_disposal. Scans left in scanned for longer than the retry
// grace (a failed transform never retried, a compensation after the
// failure, a lost retain append) are retained first so they still reach
// disposal. It returns the number of scans made eligible.
func (l *Ledger) Sweep(ctx context.Context, principal string) (int, error) {
	ctx, span := ledgerTracer.Start(ctx, "ledger.sweep")
	defer span.End()
	now := l.opts.Now()

	stalled, err := l.store.Stalled(ctx, now.Add(-l.opts.RetryGrace))
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	for _, head := range stalled {
		if _, err := l.Record(ctx, head.ScanID, Step{Event: EventRetained, Principal: principal, At: now,
			ComplianceFlags: []string{"transform_abandoned"}}); err != nil {
			if errors.Is(err, phierr.ErrConflict) {
				continue
			}
			span.RecordError(err)
			return 0, err
		}
	}

	due, err := l.store.Due(ctx, now)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	moved := 0
	for _, head := range due {
		if _, err := l.Record(ctx, head.ScanID, Step{Event: EventEligibleForDisposal, Principal: principal, At: now}); err != nil {
			if errors.Is(err, phierr.ErrConflict) {
				l.logger.Debug("sweep lost race", "scan_id", head.ScanID)
				continue
			}
			span.RecordError(err)
			return moved, err
		}
		moved++
	}
	span.SetAttributes(attribute.Int("phideid.eligible_count", moved), attribute.Int("phideid.abandoned_count", len(stalled)))
	l.logger.Info("retention sweep complete", "eligible", moved, "abandoned_transforms", len(stalled))
	return moved, nil
}

// Dispose purges a scan's stored content and records the disposal. The
// scan must be eligible and its disposal date must have passed.
func (l *Ledger) Dispose(ctx context.Context, scanID string, principal phi.Principal) (Entry, error) {
	ctx, span := ledgerTracer.Start(ctx, "ledger.dispose")
	defer span.End()
	span.SetAttributes(attribute.String("phideid.scan_id", scanID))

	if !principal.HasAnyRole(l.opts.DisposalRoles) {
		return Entry{}, phierr.Authorization("ledger.dispose", "roles", fmt.Errorf("principal %q may not dispose scans", principal.ID))
	}
	head, ok, err := l.store.Head(ctx, scanID)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, phierr.NotFound("ledger.dispose", "scan_id", ErrEntryNotFound)
	}
	now := l.opts.Now()
	if head.DisposalDate == nil || now.Before(*head.DisposalDate) {
		return Entry{}, phierr.Conflict("ledger.dispose", "disposal_date", ErrRetentionActive)
	}
	if head.ToState != StateEligibleForDisposal {
		return Entry{}, phierr.Validationf("ledger.dispose", "state", "scan %s is %q, not eligible for disposal", scanID, head.ToState)
	}
	if l.purger != nil {
		if err := l.purger.PurgeScan(ctx, scanID); err != nil {
			span.RecordError(err)
			return Entry{}, phierr.Persistence("ledger.dispose", "scan_id", fmt.Errorf("purge: %w", err))
		}
	}
	entries, err := Build(&head, scanID, Step{Event: EventDisposed, Principal: principal.ID, At: now})
	if err != nil {
		return Entry{}, err
	}
	if err := l.store.Append(ctx, entries[0]); err != nil {
		span.RecordError(err)
		return Entry{}, err
	}
	l.logger.Info("scan disposed", "scan_id", scanID, "principal", principal.ID)
	return entries[0], nil
}

// Compensate records a correction of entryID without touching it.
func (l *Ledger) Compensate(ctx context.Context, entryID, reason string, principal phi.Principal) (Entry, error) {
	if !principal.HasAnyRole(l.opts.DisposalRoles) {
		return Entry{}, phierr.Authorization("ledger.compensate", "roles", fmt.Errorf("principal %q may not compensate entries", principal.ID))
	}
	if reason == "" {
		return Entry{}, phierr.Validation("ledger.compensate", "reason", errors.New("reason is required"))
	}
	target, err := l.store.Get(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	details, err := json.Marshal(map[string]string{"reason": reason, "compensated_event": string(target.Event)})
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: marshal compensation: %w", err)
	}
	return l.Record(ctx, target.ScanID, Step{
		Event:         EventCompensation,
		Principal:     principal.ID,
		CompensatesID: target.ID,
		Details:       details,
	})
}
