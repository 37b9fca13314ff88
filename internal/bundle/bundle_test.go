package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/phi-deid-engine/internal/infotype"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

func TestLoadFileResolvesLatestApproved(t *testing.T) {
	bundles, err := LoadFile(filepath.Join("testdata", "bundles.yaml"))
	require.NoError(t, err)
	require.Len(t, bundles, 3)

	active, err := Latest(bundles)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.Equal(t, "privacy-office", active.ApprovedBy)
	assert.NotEmpty(t, active.Digest)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), active.CreatedAt)

	chart, ok := active.Registry.Lookup("CLINIC_CHART_NUMBER")
	require.True(t, ok)
	assert.Equal(t, phi.CategoryMedicalInfo, chart.Category)
	assert.Equal(t, phi.Likely, chart.BaseLikelihood)
	_, ok = active.Registry.Lookup(infotype.QuebecRAMQNumber)
	assert.True(t, ok, "defaults should be merged in")

	assert.Equal(t, 2, active.Policy.Version, "policy inherits the bundle version")
	assert.Equal(t, phi.OpHash, active.Policy.RuleFor("CLINIC_CHART_NUMBER").Operation)
	assert.Equal(t, phi.OpRedact, active.Policy.RuleFor(infotype.EmailAddress).Operation)
	assert.Equal(t, 3650, active.Retention.ClinicalDays)
	assert.Equal(t, 4000, active.Retention.CategoryDays[phi.CategoryFinancialInfo])

	result := active.Classifier.Classify("scan-1", []phi.Finding{{
		ScanID: "scan-1", InfoType: "CLINIC_CHART_NUMBER", Category: phi.CategoryMedicalInfo,
		Likelihood: phi.Likely, Confidence: phi.Likely.Confidence(), Span: phi.Span{Start: 0, End: 9},
	}})
	// 3.0 x 0.8 = 2.4 sits in the custom (1.5, 4] medium band.
	assert.Equal(t, phi.MediumRisk, result.Classification)
}

func TestDefaultBundle(t *testing.T) {
	b := Default()
	assert.True(t, b.Approved())
	assert.Equal(t, 1, b.Version)
	assert.Len(t, b.Registry.Types(), len(infotype.DefaultTypes()))
	assert.NoError(t, b.Policy.Validate())
}

func TestParseRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{
			name:  "zero version",
			doc:   "version: 0\nstatus: draft\ninclude_defaults: true\n",
			field: "version",
		},
		{
			name:  "unknown status",
			doc:   "version: 1\nstatus: live\ninclude_defaults: true\n",
			field: "status",
		},
		{
			name:  "approved without approver",
			doc:   "version: 1\nstatus: approved\ninclude_defaults: true\n",
			field: "approved_by",
		},
		{
			name:  "unknown field",
			doc:   "version: 1\nstatus: draft\ninclude_defaults: true\nthreshold: 3\n",
			field: "document",
		},
		{
			name:  "policy rule for unknown type",
			doc:   "version: 1\nstatus: draft\ninclude_defaults: true\npolicy:\n  default:\n    operation: REDACT\n  rules:\n    NOPE:\n      operation: MASK\n",
			field: "policy.rules.NOPE",
		},
		{
			name:  "bad operation",
			doc:   "version: 1\nstatus: draft\ninclude_defaults: true\npolicy:\n  default:\n    operation: SHRED\n",
			field: "default",
		},
		{
			name:  "bad pattern",
			doc:   "version: 1\nstatus: draft\ninfo_types:\n  - id: BROKEN\n    category: other\n    pattern: '(unclosed'\n    base_risk_weight: 1\n",
			field: "pattern",
		},
		{
			name:  "thresholds out of order",
			doc:   "version: 1\nstatus: draft\ninclude_defaults: true\nclassifier:\n  thresholds:\n    low: 5\n    medium: 4\n    high: 8\n",
			field: "thresholds",
		},
		{
			name:  "duplicate versions",
			doc:   "version: 1\nstatus: draft\ninclude_defaults: true\n---\nversion: 1\nstatus: draft\ninclude_defaults: true\n",
			field: "version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, phierr.ErrConfiguration)
			var perr *phierr.Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.field, perr.Field)
		})
	}
}

func TestStaticSourceWithoutApprovedBundle(t *testing.T) {
	draft, err := Build(Document{Version: 4, Status: StatusDraft, IncludeDefaults: true})
	require.NoError(t, err)

	_, err = NewStaticSource(draft).Active(context.Background())
	assert.ErrorIs(t, err, ErrNoApprovedConfig)
	assert.ErrorIs(t, err, phierr.ErrConfiguration)

	active, err := NewStaticSource(draft, Default()).Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}

func TestFileSourceReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundles.yaml")
	writeBundle(t, path, "version: 1\nstatus: approved\napproved_by: a\ninclude_defaults: true\n", time.Now().Add(-time.Hour))

	src, err := NewFileSource(path, nil)
	require.NoError(t, err)

	b, err := src.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, b.Version)

	writeBundle(t, path, "version: 1\nstatus: retired\napproved_by: a\ninclude_defaults: true\n---\nversion: 2\nstatus: approved\napproved_by: b\ninclude_defaults: true\n", time.Now())
	b, err = src.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, b.Version)

	// A broken edit keeps the last good bundles.
	writeBundle(t, path, "version: [\n", time.Now().Add(time.Hour))
	b, err = src.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, b.Version)
}

func TestNewFileSourceFailsOnMissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorIs(t, err, phierr.ErrConfiguration)
}

func writeBundle(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}
