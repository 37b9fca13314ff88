// Package infotype is the catalog of detectable sensitive-data classes.
// Each InfoType compiles into a Detector that finds candidate spans and
// assigns them a likelihood.
package infotype

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

const defaultContextWindow = 40

// InfoType is an immutable catalog entry.
type InfoType struct {
	ID              string         `yaml:"id" json:"id"`
	Category        phi.Category   `yaml:"category" json:"category"`
	Description     string         `yaml:"description,omitempty" json:"description,omitempty"`
	Pattern         string         `yaml:"pattern" json:"pattern"`
	Group           int            `yaml:"group,omitempty" json:"group,omitempty"`
	Validator       string         `yaml:"validator,omitempty" json:"validator,omitempty"`
	RequireValid    bool           `yaml:"require_valid,omitempty" json:"require_valid,omitempty"`
	BaseLikelihood  phi.Likelihood `yaml:"base_likelihood,omitempty" json:"base_likelihood,omitempty"`
	ValidLikelihood phi.Likelihood `yaml:"valid_likelihood,omitempty" json:"valid_likelihood,omitempty"`
	ContextKeywords []string       `yaml:"context_keywords,omitempty" json:"context_keywords,omitempty"`
	ContextWindow   int            `yaml:"context_window,omitempty" json:"context_window,omitempty"`
	ContextBoost    int            `yaml:"context_boost,omitempty" json:"context_boost,omitempty"`
	BaseRiskWeight  float64        `yaml:"base_risk_weight" json:"base_risk_weight"`
	QuebecSpecific  bool           `yaml:"quebec_specific,omitempty" json:"quebec_specific,omitempty"`
	Jurisdiction    string         `yaml:"jurisdiction,omitempty" json:"jurisdiction,omitempty"`
	Replacement     string         `yaml:"replacement,omitempty" json:"replacement,omitempty"`
}

// JurisdictionKey returns the key findings of this type are counted under.
func (it InfoType) JurisdictionKey() string {
	if it.QuebecSpecific {
		return phi.JurisdictionQuebec
	}
	if j := strings.TrimSpace(it.Jurisdiction); j != "" {
		return strings.ToLower(j)
	}
	return phi.JurisdictionGeneric
}

// Candidate is one raw detector hit before it becomes a Finding.
type Candidate struct {
	Start      int
	End        int
	Likelihood phi.Likelihood
}

// Detector is a compiled InfoType. It is safe for concurrent use.
type Detector struct {
	Type      InfoType
	re        *regexp.Regexp
	validator Validator
	keywords  []string
	window    int
	boost     int
	base      phi.Likelihood
	valid     phi.Likelihood
}

// Compile validates the InfoType and builds its Detector. Any problem is a
// configuration error naming the offending field.
func Compile(it InfoType) (*Detector, error) {
	op := "infotype.compile:" + it.ID
	if strings.TrimSpace(it.ID) == "" {
		return nil, phierr.Configuration("infotype.compile", "id", errors.New("info type id is required"))
	}
	if !it.Category.Valid() {
		return nil, phierr.Configurationf(op, "category", "unknown category %q", it.Category)
	}
	if strings.TrimSpace(it.Pattern) == "" {
		return nil, phierr.Configuration(op, "pattern", errors.New("pattern is required"))
	}
	re, err := regexp.Compile(it.Pattern)
	if err != nil {
		return nil, phierr.Configuration(op, "pattern", err)
	}
	re.Longest()
	if it.Group < 0 || it.Group > re.NumSubexp() {
		return nil, phierr.Configurationf(op, "group", "group %d out of range (pattern has %d)", it.Group, re.NumSubexp())
	}
	validator, ok := LookupValidator(it.Validator)
	if !ok {
		return nil, phierr.Configurationf(op, "validator", "unknown validator %q", it.Validator)
	}
	if it.RequireValid && validator == nil {
		return nil, phierr.Configuration(op, "require_valid", errors.New("require_valid needs a validator"))
	}
	if it.BaseRiskWeight < 0 || it.BaseRiskWeight > 10 {
		return nil, phierr.Configurationf(op, "base_risk_weight", "weight %.2f outside [0,10]", it.BaseRiskWeight)
	}

	base := it.BaseLikelihood
	if base == 0 {
		base = phi.Possible
	}
	valid := it.ValidLikelihood
	if valid == 0 {
		valid = phi.Likely
	}
	if !base.Valid() {
		return nil, phierr.Configurationf(op, "base_likelihood", "invalid likelihood %d", int(base))
	}
	if !valid.Valid() {
		return nil, phierr.Configurationf(op, "valid_likelihood", "invalid likelihood %d", int(valid))
	}
	window := it.ContextWindow
	if window <= 0 {
		window = defaultContextWindow
	}
	boost := it.ContextBoost
	if boost <= 0 {
		boost = 1
	}
	keywords := make([]string, 0, len(it.ContextKeywords))
	for _, kw := range it.ContextKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}

	return &Detector{
		Type:      it,
		re:        re,
		validator: validator,
		keywords:  keywords,
		window:    window,
		boost:     boost,
		base:      base,
		valid:     valid,
	}, nil
}

// Detect returns non-overlapping candidates in ascending order. Matching is
// leftmost-longest and linear in len(text).
func (d *Detector) Detect(text string) []Candidate {
	matches := d.re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Candidate, 0, len(matches))
	lastEnd := -1
	for _, m := range matches {
		start, end := m[2*d.Type.Group], m[2*d.Type.Group+1]
		if start < 0 || end <= start || start < lastEnd {
			continue
		}
		likelihood, keep := d.score(text, start, end)
		if !keep {
			continue
		}
		out = append(out, Candidate{Start: start, End: end, Likelihood: likelihood})
		lastEnd = end
	}
	return out
}

func (d *Detector) score(text string, start, end int) (phi.Likelihood, bool) {
	likelihood := d.base
	if d.validator != nil {
		if d.validator(text[start:end]) {
			likelihood = d.valid
		} else if d.Type.RequireValid {
			return 0, false
		}
	}
	if d.hasContext(text, start) {
		likelihood = likelihood.Raise(d.boost)
	}
	return likelihood, true
}

func (d *Detector) hasContext(text string, start int) bool {
	if len(d.keywords) == 0 {
		return false
	}
	from := start - d.window
	if from < 0 {
		from = 0
	}
	window := strings.ToLower(text[from:start])
	for _, kw := range d.keywords {
		if strings.Contains(window, kw) {
			return true
		}
	}
	return false
}

func (d *Detector) String() string {
	return fmt.Sprintf("%s(%s)", d.Type.ID, d.Type.Category)
}
