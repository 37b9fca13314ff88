package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

// Store persists ledger entries. There is no update or delete.
type Store interface {
	// Append stores e if e.PrevID is the current head of its scan.
	Append(ctx context.Context, e Entry) error
	// AppendChain appends consecutive entries of one scan, all or none.
	AppendChain(ctx context.Context, entries []Entry) error
	// Head returns the latest entry of a scan; ok is false for unknown scans.
	Head(ctx context.Context, scanID string) (Entry, bool, error)
	History(ctx context.Context, scanID string) ([]Entry, error)
	Get(ctx context.Context, entryID string) (Entry, error)
	// Due returns heads in the retained state whose disposal date is before now.
	Due(ctx context.Context, now time.Time) ([]Entry, error)
	// Stalled returns heads still in the scanned state whose latest entry is
	// older than before, whatever that entry recorded.
	Stalled(ctx context.Context, before time.Time) ([]Entry, error)
	// Range returns entries recorded in [from, to), ordered by time.
	Range(ctx context.Context, from, to time.Time) ([]Entry, error)
}

// MemoryStore is a mutex-guarded Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.RWMutex
	byScan map[string][]Entry
	byID   map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byScan: make(map[string][]Entry), byID: make(map[string]Entry)}
}

func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	return s.AppendChain(ctx, []Entry{e})
}

func (s *MemoryStore) AppendChain(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scanID := entries[0].ScanID
	var head *Entry
	if chain := s.byScan[scanID]; len(chain) > 0 {
		head = &chain[len(chain)-1]
	}
	for i := range entries {
		if entries[i].ScanID != scanID {
			return phierr.Validationf("ledger.append", "scan_id", "chain mixes scans %s and %s", scanID, entries[i].ScanID)
		}
		if err := checkAppend(head, entries[i]); err != nil {
			return err
		}
		head = &entries[i]
	}
	for _, e := range entries {
		s.byScan[scanID] = append(s.byScan[scanID], e)
		s.byID[e.ID] = e
	}
	return nil
}

func (s *MemoryStore) Head(_ context.Context, scanID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.byScan[scanID]
	if len(chain) == 0 {
		return Entry{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

func (s *MemoryStore) History(_ context.Context, scanID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.byScan[scanID]
	if len(chain) == 0 {
		return nil, phierr.NotFound("ledger.history", "scan_id", ErrEntryNotFound)
	}
	return append([]Entry(nil), chain...), nil
}

func (s *MemoryStore) Get(_ context.Context, entryID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[entryID]
	if !ok {
		return Entry{}, phierr.NotFound("ledger.get", "entry_id", ErrEntryNotFound)
	}
	return e, nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time) ([]Entry, error) {
	return s.heads(func(h Entry) bool {
		return h.ToState == StateRetained && h.DisposalDate != nil && h.DisposalDate.Before(now)
	}), nil
}

func (s *MemoryStore) Stalled(_ context.Context, before time.Time) ([]Entry, error) {
	return s.heads(func(h Entry) bool {
		return h.ToState == StateScanned && h.At.Before(before)
	}), nil
}

func (s *MemoryStore) Range(_ context.Context, from, to time.Time) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, chain := range s.byScan {
		for _, e := range chain {
			if !e.At.Before(from) && e.At.Before(to) {
				out = append(out, e)
			}
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *MemoryStore) heads(keep func(Entry) bool) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, chain := range s.byScan {
		if h := chain[len(chain)-1]; keep(h) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScanID < out[j].ScanID })
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if a.ScanID != b.ScanID {
			return a.ScanID < b.ScanID
		}
		return a.Seq < b.Seq
	})
}
