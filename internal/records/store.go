// Package records persists scan requests, findings, results and
// de-identification records. Finding quotes are never stored.
package records

import (
	"context"
	"errors"
	"sync"

	"github.com/wolfman30/phi-deid-engine/internal/ledger"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

// ErrScanExists is wrapped when a scan id is saved twice.
var ErrScanExists = errors.New("records: scan already exists")

// ErrNotFound is wrapped when a scan or record is missing.
var ErrNotFound = errors.New("records: not found")

// Scan is everything persisted for one scan call.
type Scan struct {
	Request  phi.ScanRequest
	Findings []phi.Finding
	Result   phi.ScanResult
}

// Store is the keyed persistence used by the engine.
type Store interface {
	// SaveScan stores the scan together with its ledger entries, all or nothing.
	SaveScan(ctx context.Context, scan Scan, entries []ledger.Entry) error
	GetScan(ctx context.Context, scanID string) (*Scan, error)
	SaveDeidentification(ctx context.Context, rec *phi.DeidentificationRecord) error
	GetDeidentification(ctx context.Context, scanID string) (*phi.DeidentificationRecord, error)
	// PurgeScan removes stored content at disposal. Ledger entries stay.
	PurgeScan(ctx context.Context, scanID string) error
}

// stripQuotes copies findings without their matched text.
func stripQuotes(findings []phi.Finding) []phi.Finding {
	out := make([]phi.Finding, len(findings))
	for i, f := range findings {
		f.Quote = ""
		out[i] = f
	}
	return out
}

// MemoryStore keeps records in process, sharing a ledger.MemoryStore so
// SaveScan stays atomic with the ledger.
type MemoryStore struct {
	ledger *ledger.MemoryStore

	mu    sync.RWMutex
	scans map[string]Scan
	deid  map[string]phi.DeidentificationRecord
}

func NewMemoryStore(l *ledger.MemoryStore) *MemoryStore {
	if l == nil {
		l = ledger.NewMemoryStore()
	}
	return &MemoryStore{
		ledger: l,
		scans:  make(map[string]Scan),
		deid:   make(map[string]phi.DeidentificationRecord),
	}
}

// Ledger returns the ledger store SaveScan appends to.
func (s *MemoryStore) Ledger() *ledger.MemoryStore { return s.ledger }

func (s *MemoryStore) SaveScan(ctx context.Context, scan Scan, entries []ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := scan.Request.ID
	if _, ok := s.scans[id]; ok {
		return phierr.Conflict("records.save_scan", "scan_id", ErrScanExists)
	}
	if err := s.ledger.AppendChain(ctx, entries); err != nil {
		return err
	}
	scan.Findings = stripQuotes(scan.Findings)
	s.scans[id] = scan
	return nil
}

func (s *MemoryStore) GetScan(_ context.Context, scanID string) (*Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return nil, phierr.NotFound("records.get_scan", "scan_id", ErrNotFound)
	}
	scan.Findings = append([]phi.Finding(nil), scan.Findings...)
	return &scan, nil
}

func (s *MemoryStore) SaveDeidentification(_ context.Context, rec *phi.DeidentificationRecord) error {
	if rec == nil {
		return phierr.Validation("records.save_deidentification", "record", errors.New("record is nil"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[rec.ScanID]; !ok {
		return phierr.NotFound("records.save_deidentification", "scan_id", ErrNotFound)
	}
	if _, ok := s.deid[rec.ScanID]; ok {
		return phierr.Conflict("records.save_deidentification", "scan_id", ErrScanExists)
	}
	s.deid[rec.ScanID] = *rec
	return nil
}

func (s *MemoryStore) GetDeidentification(_ context.Context, scanID string) (*phi.DeidentificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.deid[scanID]
	if !ok {
		return nil, phierr.NotFound("records.get_deidentification", "scan_id", ErrNotFound)
	}
	return &rec, nil
}

func (s *MemoryStore) PurgeScan(_ context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scans, scanID)
	delete(s.deid, scanID)
	return nil
}

// Scans lists stored scans; used by the in-memory report source.
func (s *MemoryStore) Scans() []Scan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Scan, 0, len(s.scans))
	for _, scan := range s.scans {
		out = append(out, scan)
	}
	return out
}

// Deidentified reports whether a record exists for scanID.
func (s *MemoryStore) Deidentified(scanID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deid[scanID]
	return ok
}
