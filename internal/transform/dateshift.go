package transform

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/wolfman30/phi-deid-engine/internal/infotype"
)

// OffsetSource draws a date shift in days from [-maxDays, maxDays] \ {0}.
type OffsetSource interface {
	Offset(maxDays int) (int, error)
}

// CryptoOffsets draws offsets from crypto/rand.
type CryptoOffsets struct{}

func (CryptoOffsets) Offset(maxDays int) (int, error) {
	if maxDays <= 0 {
		return 0, fmt.Errorf("transform: max shift days must be positive, got %d", maxDays)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(2*maxDays)))
	if err != nil {
		return 0, fmt.Errorf("transform: draw offset: %w", err)
	}
	// [0, 2m) maps onto [-m, -1] and [1, m].
	v := int(n.Int64()) - maxDays
	if v >= 0 {
		v++
	}
	return v, nil
}

// FixedOffset always returns the same shift, clamped to the allowed range.
type FixedOffset int

func (f FixedOffset) Offset(maxDays int) (int, error) {
	v := int(f)
	if v > maxDays {
		v = maxDays
	}
	if v < -maxDays {
		v = -maxDays
	}
	if v == 0 {
		v = 1
	}
	return v, nil
}

// shiftPlanner hands out one offset per subject for the lifetime of a
// single transform call.
type shiftPlanner struct {
	source  OffsetSource
	offsets map[string]int
}

func newShiftPlanner(source OffsetSource) *shiftPlanner {
	return &shiftPlanner{source: source, offsets: make(map[string]int)}
}

func (p *shiftPlanner) offsetFor(subject string, maxDays int) (int, error) {
	if v, ok := p.offsets[subject]; ok {
		return v, nil
	}
	v, err := p.source.Offset(maxDays)
	if err != nil {
		return 0, err
	}
	p.offsets[subject] = v
	return v, nil
}

// ShiftDate moves value by days and renders it in the layout it was written
// in. ok is false when value is not a supported date.
func ShiftDate(value string, days int) (string, bool) {
	t, layout, ok := infotype.ParseDate(value)
	if !ok {
		return "", false
	}
	return t.AddDate(0, 0, days).Format(layout), true
}
