package phi

import (
	"fmt"
	"strings"
)

// Likelihood is the ordered confidence bucket of a finding.
type Likelihood int

const (
	VeryUnlikely Likelihood = iota + 1
	Unlikely
	Possible
	Likely
	VeryLikely
)

var likelihoodNames = map[Likelihood]string{
	VeryUnlikely: "VERY_UNLIKELY",
	Unlikely:     "UNLIKELY",
	Possible:     "POSSIBLE",
	Likely:       "LIKELY",
	VeryLikely:   "VERY_LIKELY",
}

var likelihoodConfidence = map[Likelihood]float64{
	VeryUnlikely: 0.1,
	Unlikely:     0.25,
	Possible:     0.5,
	Likely:       0.8,
	VeryLikely:   1.0,
}

func (l Likelihood) String() string {
	if name, ok := likelihoodNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LIKELIHOOD(%d)", int(l))
}

// Valid reports whether l is one of the five defined buckets.
func (l Likelihood) Valid() bool {
	_, ok := likelihoodNames[l]
	return ok
}

// AtLeast reports whether l is greater than or equal to other.
func (l Likelihood) AtLeast(other Likelihood) bool { return l >= other }

// Raise moves l up by n buckets, saturating at VeryLikely.
func (l Likelihood) Raise(n int) Likelihood {
	out := l + Likelihood(n)
	if out > VeryLikely {
		return VeryLikely
	}
	if out < VeryUnlikely {
		return VeryUnlikely
	}
	return out
}

// Confidence maps the bucket to a score in [0,1].
func (l Likelihood) Confidence() float64 {
	return likelihoodConfidence[l]
}

// ParseLikelihood accepts the canonical upper-case names, case-insensitively.
func ParseLikelihood(s string) (Likelihood, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for l, name := range likelihoodNames {
		if name == want {
			return l, nil
		}
	}
	return 0, fmt.Errorf("phi: unknown likelihood %q", s)
}

func (l Likelihood) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("phi: invalid likelihood %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Likelihood) UnmarshalText(b []byte) error {
	parsed, err := ParseLikelihood(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Classification is the risk tier of a scan.
type Classification string

const (
	Safe         Classification = "safe"
	LowRisk      Classification = "low_risk"
	MediumRisk   Classification = "medium_risk"
	HighRisk     Classification = "high_risk"
	CriticalRisk Classification = "critical_risk"
)

var tierRank = map[Classification]int{
	Safe:         0,
	LowRisk:      1,
	MediumRisk:   2,
	HighRisk:     3,
	CriticalRisk: 4,
}

// Rank orders tiers from safe (0) to critical (4). Unknown tiers rank -1.
func (c Classification) Rank() int {
	if r, ok := tierRank[c]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether c is the same or a higher tier than other.
func (c Classification) AtLeast(other Classification) bool {
	return c.Rank() >= other.Rank()
}

// Max returns the higher of the two tiers.
func Max(a, b Classification) Classification {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// Operation is a de-identification strategy.
type Operation string

const (
	OpRedact    Operation = "REDACT"
	OpMask      Operation = "MASK"
	OpReplace   Operation = "REPLACE"
	OpHash      Operation = "HASH"
	OpDateShift Operation = "DATE_SHIFT"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpRedact, OpMask, OpReplace, OpHash, OpDateShift:
		return true
	}
	return false
}

// Synthetic reports whether the operation writes a generated, format-valid
// value into the output.
func (op Operation) Synthetic() bool {
	return op == OpReplace || op == OpHash || op == OpDateShift
}
