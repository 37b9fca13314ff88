// Package classifier turns a set of findings into a risk tier and score.
package classifier

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

// MaxScore caps the risk score.
const MaxScore = 10.0

// IssueCriticalContent is recorded whenever the final tier is critical.
const IssueCriticalContent = "critical_risk_content"

// IssueJurisdictionPrefix prefixes the informational issue raised when a
// request requires a jurisdiction and no finding belongs to it.
const IssueJurisdictionPrefix = "jurisdiction_required:"

// Thresholds are the upper bounds of the low, medium and high tiers. A zero
// score is always safe; anything above High is critical.
type Thresholds struct {
	Low    float64 `yaml:"low" json:"low"`
	Medium float64 `yaml:"medium" json:"medium"`
	High   float64 `yaml:"high" json:"high"`
}

// DefaultThresholds are the starting values; deployments are expected to
// override them per jurisdiction.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 2, Medium: 5, High: 8}
}

// Validate requires strictly increasing bounds inside (0, MaxScore].
func (t Thresholds) Validate() error {
	if t.Low <= 0 || t.Low >= t.Medium || t.Medium >= t.High || t.High > MaxScore {
		return phierr.Configurationf("classifier.thresholds", "thresholds",
			"need 0 < low < medium < high <= %.0f, got %.2f/%.2f/%.2f", MaxScore, t.Low, t.Medium, t.High)
	}
	return nil
}

// Tier maps a score to a classification.
func (t Thresholds) Tier(score float64) phi.Classification {
	switch {
	case score <= 0:
		return phi.Safe
	case score <= t.Low:
		return phi.LowRisk
	case score <= t.Medium:
		return phi.MediumRisk
	case score <= t.High:
		return phi.HighRisk
	default:
		return phi.CriticalRisk
	}
}

// OverrideRule forces a minimum tier when any finding of Category reaches
// MinLikelihood, whatever the score.
type OverrideRule struct {
	Name          string             `yaml:"name" json:"name"`
	Category      phi.Category       `yaml:"category" json:"category"`
	MinLikelihood phi.Likelihood     `yaml:"min_likelihood" json:"min_likelihood"`
	MinTier       phi.Classification `yaml:"min_tier" json:"min_tier"`
}

// QuebecOverride is the regulatory rule for Quebec health identifiers.
func QuebecOverride() OverrideRule {
	return OverrideRule{
		Name:          "quebec_identifier_override",
		Category:      phi.CategoryQuebecIdentifier,
		MinLikelihood: phi.Likely,
		MinTier:       phi.HighRisk,
	}
}

// Config is the externally supplied classifier configuration.
type Config struct {
	Thresholds    Thresholds     `yaml:"thresholds" json:"thresholds"`
	Overrides     []OverrideRule `yaml:"overrides" json:"overrides"`
	DefaultWeight float64        `yaml:"default_weight" json:"default_weight"`
}

// DefaultConfig returns the default thresholds and the Quebec override.
func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		Overrides:     []OverrideRule{QuebecOverride()},
		DefaultWeight: 1.0,
	}
}

// Classifier is stateless after construction and safe for concurrent use.
type Classifier struct {
	cfg     Config
	weights map[string]float64
}

// New validates cfg. weights maps info type ids to base risk weights.
func New(cfg Config, weights map[string]float64) (*Classifier, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultWeight < 0 {
		return nil, phierr.Configurationf("classifier.config", "default_weight", "negative weight %.2f", cfg.DefaultWeight)
	}
	for i, rule := range cfg.Overrides {
		if rule.Name == "" {
			return nil, phierr.Configurationf("classifier.config", "overrides", "override %d has no name", i)
		}
		if !rule.Category.Valid() || !rule.MinLikelihood.Valid() || rule.MinTier.Rank() < 0 {
			return nil, phierr.Configurationf("classifier.config", "overrides", "override %q is incomplete", rule.Name)
		}
	}
	w := make(map[string]float64, len(weights))
	for id, weight := range weights {
		if weight < 0 {
			return nil, phierr.Configurationf("classifier.config", "weights", "negative weight for %s", id)
		}
		w[id] = weight
	}
	return &Classifier{cfg: cfg, weights: w}, nil
}

// Classify aggregates findings into a ScanResult. The outcome depends only
// on the set of findings, never on their order.
func (c *Classifier) Classify(scanID string, findings []phi.Finding) phi.ScanResult {
	sorted := make([]phi.Finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.InfoType != b.InfoType {
			return a.InfoType < b.InfoType
		}
		if a.Span.Start != b.Span.Start {
			return a.Span.Start < b.Span.Start
		}
		return a.Span.End < b.Span.End
	})

	result := phi.ScanResult{
		ScanID:             scanID,
		FindingCount:       len(sorted),
		CategoryCounts:     make(map[phi.Category]int),
		JurisdictionCounts: make(map[string]int),
		ComplianceIssues:   []string{},
	}

	score := 0.0
	for _, f := range sorted {
		result.CategoryCounts[f.Category]++
		result.JurisdictionCounts[jurisdictionOf(f)]++
		score += c.weight(f.InfoType) * f.Confidence
	}
	score = math.Round(score*1e4) / 1e4
	if score > MaxScore {
		score = MaxScore
	}
	result.RiskScore = score
	result.Classification = c.cfg.Thresholds.Tier(score)

	for _, rule := range c.cfg.Overrides {
		if !fires(rule, sorted) {
			continue
		}
		if !result.Classification.AtLeast(rule.MinTier) {
			result.Classification = rule.MinTier
		}
		result.ComplianceIssues = append(result.ComplianceIssues, rule.Name)
	}
	if result.Classification == phi.CriticalRisk {
		result.ComplianceIssues = append(result.ComplianceIssues, IssueCriticalContent)
	}
	return result
}

// ClassifyWithOptions is Classify plus the request-level checks driven by
// the scan options.
func (c *Classifier) ClassifyWithOptions(scanID string, findings []phi.Finding, opts phi.ScanOptions) phi.ScanResult {
	result := c.Classify(scanID, findings)
	want := strings.ToLower(strings.TrimSpace(opts.JurisdictionRequired))
	if want != "" && result.JurisdictionCounts[want] == 0 {
		result.ComplianceIssues = append(result.ComplianceIssues, IssueJurisdictionPrefix+want)
	}
	return result
}

func (c *Classifier) weight(infoType string) float64 {
	if w, ok := c.weights[infoType]; ok {
		return w
	}
	return c.cfg.DefaultWeight
}

func fires(rule OverrideRule, findings []phi.Finding) bool {
	for _, f := range findings {
		if f.Category == rule.Category && f.Likelihood.AtLeast(rule.MinLikelihood) {
			return true
		}
	}
	return false
}

func jurisdictionOf(f phi.Finding) string {
	if f.QuebecSpecific {
		return phi.JurisdictionQuebec
	}
	if f.Jurisdiction != "" {
		return f.Jurisdiction
	}
	return phi.JurisdictionGeneric
}

func (c *Classifier) String() string {
	t := c.cfg.Thresholds
	return fmt.Sprintf("classifier(low=%.2f medium=%.2f high=%.2f overrides=%d)", t.Low, t.Medium, t.High, len(c.cfg.Overrides))
}
