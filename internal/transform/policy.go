package transform

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

const (
	defaultMinMaskedRatio = 0.6
	defaultMaxShiftDays   = 365
	defaultRedactMarker   = "[REDACTED:%s]"
	maskRunLength         = 8
)

// Rule configures the operation applied to one info type.
type Rule struct {
	Operation      phi.Operation `yaml:"operation" json:"operation"`
	MaskChar       string        `yaml:"mask_char,omitempty" json:"mask_char,omitempty"`
	KeepLeading    int           `yaml:"keep_leading,omitempty" json:"keep_leading,omitempty"`
	KeepTrailing   int           `yaml:"keep_trailing,omitempty" json:"keep_trailing,omitempty"`
	PreserveLength bool          `yaml:"preserve_length,omitempty" json:"preserve_length,omitempty"`
	MinMaskedRatio float64       `yaml:"min_masked_ratio,omitempty" json:"min_masked_ratio,omitempty"`
	MaxShiftDays   int           `yaml:"max_shift_days,omitempty" json:"max_shift_days,omitempty"`
	Replacement    string        `yaml:"replacement,omitempty" json:"replacement,omitempty"`
}

func (r Rule) maskRune() rune {
	if r.MaskChar == "" {
		return '*'
	}
	c, _ := utf8.DecodeRuneInString(r.MaskChar)
	return c
}

func (r Rule) minMaskedRatio() float64 {
	if r.MinMaskedRatio <= 0 {
		return defaultMinMaskedRatio
	}
	return r.MinMaskedRatio
}

func (r Rule) maxShiftDays() int {
	if r.MaxShiftDays <= 0 {
		return defaultMaxShiftDays
	}
	return r.MaxShiftDays
}

func (r Rule) validate(field string) error {
	if !r.Operation.Valid() {
		return phierr.Configurationf("transform.policy", field, "unknown operation %q", r.Operation)
	}
	if r.MaskChar != "" && utf8.RuneCountInString(r.MaskChar) != 1 {
		return phierr.Configurationf("transform.policy", field, "mask_char must be a single character, got %q", r.MaskChar)
	}
	if r.MaskChar != "" {
		if c := r.maskRune(); isAlnum(c) {
			return phierr.Configurationf("transform.policy", field, "mask_char %q must not be a letter or digit", r.MaskChar)
		}
	}
	if r.KeepLeading < 0 || r.KeepTrailing < 0 {
		return phierr.Configurationf("transform.policy", field, "keep_leading/keep_trailing must not be negative")
	}
	if r.MinMaskedRatio < 0 || r.MinMaskedRatio > 1 {
		return phierr.Configurationf("transform.policy", field, "min_masked_ratio %.2f outside [0,1]", r.MinMaskedRatio)
	}
	if r.MaxShiftDays < 0 {
		return phierr.Configurationf("transform.policy", field, "max_shift_days must not be negative")
	}
	return nil
}

// Policy maps info types to operations. It is immutable once validated.
type Policy struct {
	Version                   int             `yaml:"version" json:"version"`
	Default                   Rule            `yaml:"default" json:"default"`
	Rules                     map[string]Rule `yaml:"rules" json:"rules"`
	Reversible                bool            `yaml:"reversible" json:"reversible"`
	ReversalKeyID             string          `yaml:"reversal_key_id,omitempty" json:"reversal_key_id,omitempty"`
	AllowIrreversibleFallback bool            `yaml:"allow_irreversible_fallback" json:"allow_irreversible_fallback"`
	AuthorizedRoles           []string        `yaml:"authorized_roles,omitempty" json:"authorized_roles,omitempty"`
	RedactMarker              string          `yaml:"redact_marker,omitempty" json:"redact_marker,omitempty"`
}

// DefaultPolicy redacts everything not listed, masks Quebec identifiers and
// shifts dates.
func DefaultPolicy() Policy {
	return Policy{
		Version: 1,
		Default: Rule{Operation: phi.OpRedact},
		Rules: map[string]Rule{
			"QUEBEC_RAMQ_NUMBER":    {Operation: phi.OpMask, PreserveLength: true},
			"QUEBEC_DRIVER_LICENSE": {Operation: phi.OpMask, PreserveLength: true},
			"CANADIAN_SIN":          {Operation: phi.OpMask, PreserveLength: true},
			"CREDIT_CARD_NUMBER":    {Operation: phi.OpMask, PreserveLength: true, KeepTrailing: 4},
			"DATE":                  {Operation: phi.OpDateShift},
			"EMAIL_ADDRESS":         {Operation: phi.OpReplace},
			"PHONE_NUMBER":          {Operation: phi.OpReplace},
			"MEDICAL_RECORD_NUMBER": {Operation: phi.OpHash},
		},
	}
}

// Validate reports the first problem as a configuration error.
func (p Policy) Validate() error {
	if p.Version <= 0 {
		return phierr.Configurationf("transform.policy", "version", "version must be positive, got %d", p.Version)
	}
	if err := p.Default.validate("default"); err != nil {
		return err
	}
	for id, rule := range p.Rules {
		if strings.TrimSpace(id) == "" {
			return phierr.Configuration("transform.policy", "rules", errors.New("rule with empty info type"))
		}
		if err := rule.validate("rules." + id); err != nil {
			return err
		}
	}
	if p.RedactMarker != "" && strings.Count(p.RedactMarker, "%s") != 1 {
		return phierr.Configurationf("transform.policy", "redact_marker", "marker must contain exactly one %%s, got %q", p.RedactMarker)
	}
	if p.Reversible {
		if strings.TrimSpace(p.ReversalKeyID) == "" {
			return phierr.Configuration("transform.policy", "reversal_key_id", errors.New("reversible policy needs a reversal key id"))
		}
		if len(p.AuthorizedRoles) == 0 {
			return phierr.Configuration("transform.policy", "authorized_roles", errors.New("reversible policy needs authorized roles"))
		}
	}
	return nil
}

// RuleFor returns the rule for infoType, or the default rule.
func (p Policy) RuleFor(infoType string) Rule {
	if r, ok := p.Rules[infoType]; ok {
		return r
	}
	return p.Default
}

func (p Policy) marker() string {
	if p.RedactMarker == "" {
		return defaultRedactMarker
	}
	return p.RedactMarker
}
