// Package ledger is the append-only audit and retention trail of every
// scan. Entries for a scan form a chain: each append names the entry it
// follows, and a stale predecessor is rejected rather than serialized.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

var (
	// ErrStaleHead means the append did not reference the current head.
	ErrStaleHead = errors.New("ledger: stale head")
	// ErrRetentionActive means the scan's disposal date has not passed.
	ErrRetentionActive = errors.New("ledger: retention period still active")
	// ErrEntryNotFound is returned for unknown entry or scan ids.
	ErrEntryNotFound = errors.New("ledger: entry not found")
)

// State is the lifecycle position of a scan.
type State string

const (
	StateNone                State = ""
	StateSubmitted           State = "submitted"
	StateScanned             State = "scanned"
	StateTransformed         State = "transformed"
	StateRetained            State = "retained"
	StateEligibleForDisposal State = "eligible_for_disposal"
	StateDisposed            State = "disposed"
)

// Event is what an entry records.
type Event string

const (
	EventSubmitted           Event = "submitted"
	EventScanned             Event = "scanned"
	EventTransformed         Event = "transformed"
	EventTransformFailed     Event = "transform_failed"
	EventRetained            Event = "retained"
	EventEligibleForDisposal Event = "eligible_for_disposal"
	EventDisposed            Event = "disposed"
	EventCompensation        Event = "compensation"
)

// Next returns the state reached by applying ev in from.
func Next(from State, ev Event) (State, error) {
	switch ev {
	case EventSubmitted:
		if from == StateNone {
			return StateSubmitted, nil
		}
	case EventScanned:
		if from == StateSubmitted {
			return StateScanned, nil
		}
	case EventTransformed:
		if from == StateScanned {
			return StateTransformed, nil
		}
	case EventTransformFailed:
		if from == StateScanned {
			return StateScanned, nil
		}
	case EventRetained:
		if from == StateScanned || from == StateTransformed {
			return StateRetained, nil
		}
	case EventEligibleForDisposal:
		if from == StateRetained {
			return StateEligibleForDisposal, nil
		}
	case EventDisposed:
		if from == StateEligibleForDisposal {
			return StateDisposed, nil
		}
	case EventCompensation:
		if from != StateNone {
			return from, nil
		}
	default:
		return "", phierr.Validationf("ledger.next", "event", "unknown event %q", ev)
	}
	return "", phierr.Validationf("ledger.next", "event", "%s not allowed in state %q", ev, from)
}

// Entry is one immutable ledger record.
type Entry struct {
	ID              string          `json:"id"`
	ScanID          string          `json:"scan_id"`
	Seq             int             `json:"seq"`
	PrevID          string          `json:"prev_id,omitempty"`
	Event           Event           `json:"event"`
	FromState       State           `json:"from_state"`
	ToState         State           `json:"to_state"`
	Principal       string          `json:"principal"`
	At              time.Time       `json:"at"`
	RetentionDays   int             `json:"retention_days,omitempty"`
	DisposalDate    *time.Time      `json:"disposal_date,omitempty"`
	ComplianceFlags []string        `json:"compliance_flags,omitempty"`
	CompensatesID   string          `json:"compensates_id,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
}

// Step describes an entry to append; Build fills in the chain fields.
type Step struct {
	Event           Event
	Principal       string
	At              time.Time
	RetentionDays   int
	DisposalDate    *time.Time
	ComplianceFlags []string
	CompensatesID   string
	Details         json.RawMessage
}

// Build chains steps after head (nil for a new scan). Retention fields are
// carried forward from the predecessor when a step leaves them unset.
func Build(head *Entry, scanID string, steps ...Step) ([]Entry, error) {
	if scanID == "" {
		return nil, phierr.Validation("ledger.build", "scan_id", errors.New("scan id is required"))
	}
	prev := head
	out := make([]Entry, 0, len(steps))
	for _, st := range steps {
		from, seq, prevID := StateNone, 1, ""
		var days int
		var disposal *time.Time
		if prev != nil {
			from, seq, prevID = prev.ToState, prev.Seq+1, prev.ID
			days, disposal = prev.RetentionDays, prev.DisposalDate
		}
		to, err := Next(from, st.Event)
		if err != nil {
			return nil, err
		}
		if st.Principal == "" {
			return nil, phierr.Validation("ledger.build", "principal", errors.New("principal is required"))
		}
		if st.RetentionDays > 0 {
			days = st.RetentionDays
		}
		if st.DisposalDate != nil {
			disposal = st.DisposalDate
		}
		at := st.At
		if at.IsZero() {
			at = time.Now()
		}
		e := Entry{
			ID:              uuid.NewString(),
			ScanID:          scanID,
			Seq:             seq,
			PrevID:          prevID,
			Event:           st.Event,
			FromState:       from,
			ToState:         to,
			Principal:       st.Principal,
			At:              at.UTC(),
			RetentionDays:   days,
			DisposalDate:    disposal,
			ComplianceFlags: st.ComplianceFlags,
			CompensatesID:   st.CompensatesID,
			Details:         st.Details,
		}
		out = append(out, e)
		prev = &out[len(out)-1]
	}
	return out, nil
}

// checkAppend verifies e against the current head of its scan.
func checkAppend(head *Entry, e Entry) error {
	headID, headSeq, headState := "", 0, StateNone
	if head != nil {
		headID, headSeq, headState = head.ID, head.Seq, head.ToState
	}
	if e.PrevID != headID || e.Seq != headSeq+1 {
		return phierr.Conflict("ledger.append", "prev_id",
			fmt.Errorf("%w: scan %s head is %q (seq %d), entry follows %q", ErrStaleHead, e.ScanID, headID, headSeq, e.PrevID))
	}
	to, err := Next(headState, e.Event)
	if err != nil {
		return err
	}
	if to != e.ToState || e.FromState != headState {
		return phierr.Validationf("ledger.append", "to_state", "entry moves %q -> %q, expected %q -> %q", e.FromState, e.ToState, headState, to)
	}
	return nil
}

// RetentionPolicy decides how long a scan is kept.
type RetentionPolicy struct {
	ClinicalDays int                  `yaml:"clinical_days" json:"clinical_days"`
	NonPHIDays   int                  `yaml:"non_phi_days" json:"non_phi_days"`
	CategoryDays map[phi.Category]int `yaml:"category_days,omitempty" json:"category_days,omitempty"`
}

// DefaultRetention keeps clinical content for seven years.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{ClinicalDays: 2557, NonPHIDays: 365}
}

// Validate rejects non-positive periods.
func (p RetentionPolicy) Validate() error {
	if p.ClinicalDays <= 0 || p.NonPHIDays <= 0 {
		return phierr.Configurationf("ledger.retention", "days", "retention days must be positive, got %d/%d", p.ClinicalDays, p.NonPHIDays)
	}
	for cat, days := range p.CategoryDays {
		if days <= 0 {
			return phierr.Configurationf("ledger.retention", "category_days", "retention for %s must be positive", cat)
		}
	}
	return nil
}

// DaysFor returns the longest applicable period for result.
func (p RetentionPolicy) DaysFor(result phi.ScanResult) int {
	if result.FindingCount == 0 {
		return p.NonPHIDays
	}
	days := p.ClinicalDays
	for cat, n := range result.CategoryCounts {
		if n == 0 {
			continue
		}
		if d, ok := p.CategoryDays[cat]; ok && d > days {
			days = d
		}
	}
	return days
}

// DisposalDate is submittedAt plus days.
func DisposalDate(submittedAt time.Time, days int) time.Time {
	return submittedAt.UTC().AddDate(0, 0, days)
}
