// Package phi holds the data model shared by the scanner, classifier,
// transformer and ledger. These types are also the storage contract.
package phi

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Category groups InfoTypes for classification and reporting.
type Category string

const (
	CategoryQuebecIdentifier Category = "quebec_identifier"
	CategoryMedicalInfo      Category = "medical_info"
	CategoryPersonalInfo     Category = "personal_info"
	CategoryContactInfo      Category = "contact_info"
	CategoryFinancialInfo    Category = "financial_info"
	CategoryOther            Category = "other"
)

// Categories lists every known category in reporting order.
var Categories = []Category{
	CategoryQuebecIdentifier,
	CategoryMedicalInfo,
	CategoryPersonalInfo,
	CategoryContactInfo,
	CategoryFinancialInfo,
	CategoryOther,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// JurisdictionQuebec is the jurisdiction key used for Quebec-specific findings.
const JurisdictionQuebec = "quebec"

// JurisdictionGeneric is used when an InfoType is not tied to a jurisdiction.
const JurisdictionGeneric = "generic"

// Span locates a finding in the scanned text. Start/End are byte offsets
// (half-open); rune offsets and 1-based line/column are derived from them.
type Span struct {
	Start     int `json:"start"`
	End       int `json:"end"`
	RuneStart int `json:"rune_start"`
	RuneEnd   int `json:"rune_end"`
	Line      int `json:"line"`
	Column    int `json:"column"`
}

// Len returns the byte length of the span.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Finding is one located occurrence of an InfoType.
type Finding struct {
	ID             string     `json:"id"`
	ScanID         string     `json:"scan_id"`
	InfoType       string     `json:"info_type"`
	Category       Category   `json:"category"`
	Likelihood     Likelihood `json:"likelihood"`
	Confidence     float64    `json:"confidence"`
	Span           Span       `json:"span"`
	QuebecSpecific bool       `json:"quebec_specific"`
	Jurisdiction   string     `json:"jurisdiction,omitempty"`

	// Quote is the matched substring. It only lives in memory and is never
	// serialized.
	Quote string `json:"-"`
}

// AuditLevel controls how much detail the ledger keeps.
type AuditLevel string

const (
	AuditMinimal  AuditLevel = "minimal"
	AuditStandard AuditLevel = "standard"
	AuditDetailed AuditLevel = "detailed"
)

// ScanContext carries caller references. None of them are PHI by themselves.
type ScanContext struct {
	PatientRef      string   `json:"patient_ref,omitempty"`
	ProfessionalRef string   `json:"professional_ref,omitempty"`
	SessionRef      string   `json:"session_ref,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// ScanOptions are the per-request switches.
type ScanOptions struct {
	EnableDeidentification bool       `json:"enable_deidentification"`
	AuditLevel             AuditLevel `json:"audit_level,omitempty"`
	JurisdictionRequired   string     `json:"jurisdiction_required,omitempty"`
}

// ScanRequest is created per scan call and immutable once persisted.
type ScanRequest struct {
	ID            string      `json:"id"`
	ContentHash   string      `json:"content_hash"`
	ContentLength int         `json:"content_length"`
	Context       ScanContext `json:"context"`
	Options       ScanOptions `json:"options"`
	ConfigVersion int         `json:"config_version"`
	Principal     string      `json:"principal"`
	SubmittedAt   time.Time   `json:"submitted_at"`
}

// ScanResult is the derived classification of one ScanRequest.
type ScanResult struct {
	ScanID             string           `json:"scan_id"`
	FindingCount       int              `json:"finding_count"`
	CategoryCounts     map[Category]int `json:"category_counts"`
	JurisdictionCounts map[string]int   `json:"jurisdiction_counts"`
	Classification     Classification   `json:"classification"`
	RiskScore          float64          `json:"risk_score"`
	ComplianceIssues   []string         `json:"compliance_issues"`
	ProcessingTime     time.Duration    `json:"processing_time"`
	CompletedAt        time.Time        `json:"completed_at"`
}

// Transformation describes one rewritten span in the de-identified output.
// Start/End are offsets into the output text.
type Transformation struct {
	InfoType  string    `json:"info_type"`
	Operation Operation `json:"operation"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Synthetic bool      `json:"synthetic"`
}

// DeidentificationRecord is created only when a transform was requested.
// ReversalEnvelope holds ciphertext; key material never lives here.
type DeidentificationRecord struct {
	ScanID           string           `json:"scan_id"`
	OriginalHash     string           `json:"original_hash"`
	DeidentifiedHash string           `json:"deidentified_hash"`
	Transformations  []Transformation `json:"transformations_applied"`
	Reversible       bool             `json:"reversible"`
	ReversalKeyID    string           `json:"reversal_key_id,omitempty"`
	ReversalEnvelope []byte           `json:"reversal_envelope,omitempty"`
	AuthorizedRoles  []string         `json:"authorized_roles,omitempty"`
	Fallback         bool             `json:"irreversible_fallback,omitempty"`
	PolicyVersion    int              `json:"policy_version"`
	CreatedAt        time.Time        `json:"created_at"`
}

// SyntheticRanges returns the output ranges holding generated values.
func (r *DeidentificationRecord) SyntheticRanges() []Span {
	if r == nil {
		return nil
	}
	var out []Span
	for _, t := range r.Transformations {
		if t.Synthetic {
			out = append(out, Span{Start: t.Start, End: t.End})
		}
	}
	return out
}

// HashContent returns the hex sha256 of text.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Principal is the authenticated caller of an operation.
type Principal struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// HasAnyRole reports whether the principal holds at least one of roles.
func (p Principal) HasAnyRole(roles []string) bool {
	for _, want := range roles {
		for _, have := range p.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}
