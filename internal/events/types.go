package events

import (
	"sort"
	"time"

	"github.com/wolfman30/phi-deid-engine/internal/phi"
)

// BreachNotificationWindow is the time allowed to notify after a high-risk
// detection.
const BreachNotificationWindow = 72 * time.Hour

const (
	TypeHighRiskDetectedV1      = "phi.scan.high_risk_detected.v1"
	TypeComplianceReportReadyV1 = "phi.report.compliance_ready.v1"
)

// HighRiskDetectedV1 is emitted when a scan classifies at high_risk or
// above. It carries no matched text.
type HighRiskDetectedV1 struct {
	EventID          string             `json:"event_id"`
	ScanID           string             `json:"scan_id"`
	Classification   phi.Classification `json:"classification"`
	RiskScore        float64            `json:"risk_score"`
	Categories       []phi.Category     `json:"categories"`
	ComplianceIssues []string           `json:"compliance_issues,omitempty"`
	ConfigVersion    int                `json:"config_version"`
	DetectedAt       time.Time          `json:"detected_at"`
	NotifyBy         time.Time          `json:"notify_by"`
}

func (HighRiskDetectedV1) EventType() string { return TypeHighRiskDetectedV1 }

// NewHighRiskDetected builds the event for result.
func NewHighRiskDetected(eventID string, result phi.ScanResult, configVersion int) HighRiskDetectedV1 {
	var categories []phi.Category
	for c, n := range result.CategoryCounts {
		if n > 0 {
			categories = append(categories, c)
		}
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
	detected := result.CompletedAt.UTC()
	return HighRiskDetectedV1{
		EventID:          eventID,
		ScanID:           result.ScanID,
		Classification:   result.Classification,
		RiskScore:        result.RiskScore,
		Categories:       categories,
		ComplianceIssues: append([]string(nil), result.ComplianceIssues...),
		ConfigVersion:    configVersion,
		DetectedAt:       detected,
		NotifyBy:         detected.Add(BreachNotificationWindow),
	}
}

// ComplianceReportReadyV1 is emitted after a report is archived.
type ComplianceReportReadyV1 struct {
	EventID        string    `json:"event_id"`
	Period         string    `json:"period"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	TotalScans     int       `json:"total_scans"`
	HighRiskScans  int       `json:"high_risk_scans"`
	ComplianceRate float64   `json:"compliance_rate"`
	S3Key          string    `json:"s3_key,omitempty"`
	GeneratedAt    time.Time `json:"generated_at"`
}

func (ComplianceReportReadyV1) EventType() string { return TypeComplianceReportReadyV1 }
