package transform

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/phi-deid-engine/internal/kms"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

const sample = "Patient RAMQ: ABCD 1234 5678 09, DOB 1990-01-01"

var testSalt = []byte("0123456789abcdef0123456789abcdef")

func sampleFindings() []phi.Finding {
	ramqStart := strings.Index(sample, "ABCD")
	dateStart := strings.Index(sample, "1990")
	return []phi.Finding{
		{ID: "f1", InfoType: "QUEBEC_RAMQ_NUMBER", Likelihood: phi.VeryLikely, Confidence: 1,
			Span: phi.Span{Start: ramqStart, End: ramqStart + 17}, Quote: "ABCD 1234 5678 09"},
		{ID: "f2", InfoType: "DATE", Likelihood: phi.Likely, Confidence: 0.8,
			Span: phi.Span{Start: dateStart, End: dateStart + 10}, Quote: "1990-01-01"},
	}
}

func examplePolicy() Policy {
	return Policy{
		Version: 1,
		Default: Rule{Operation: phi.OpRedact},
		Rules: map[string]Rule{
			"QUEBEC_RAMQ_NUMBER": {Operation: phi.OpMask, PreserveLength: true},
			"DATE":               {Operation: phi.OpDateShift},
		},
	}
}

func newTransformer(t *testing.T, keys kms.KeyService) *Transformer {
	t.Helper()
	tr, err := New(keys, Config{
		HashSalt: testSalt,
		Offsets:  FixedOffset(45),
		Now:      func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) },
	}, nil)
	require.NoError(t, err)
	return tr
}

func TestTransformExample(t *testing.T) {
	tr := newTransformer(t, nil)
	res, err := tr.Transform(context.Background(), Input{ScanID: "scan-1", Text: sample, Findings: sampleFindings()}, examplePolicy())
	require.NoError(t, err)

	assert.Equal(t, "Patient RAMQ: **** **** **** **, DOB 1990-02-15", res.Text)

	rec := res.Record
	assert.Equal(t, "scan-1", rec.ScanID)
	assert.Equal(t, phi.HashContent(sample), rec.OriginalHash)
	assert.Equal(t, phi.HashContent(res.Text), rec.DeidentifiedHash)
	assert.False(t, rec.Reversible)
	require.Len(t, rec.Transformations, 2)
	assert.Equal(t, phi.OpMask, rec.Transformations[0].Operation)
	assert.False(t, rec.Transformations[0].Synthetic)
	assert.Equal(t, phi.OpDateShift, rec.Transformations[1].Operation)
	assert.True(t, rec.Transformations[1].Synthetic)
	date := rec.Transformations[1]
	assert.Equal(t, "1990-02-15", res.Text[date.Start:date.End])
}

func TestTransformNoFindingsIsIdentity(t *testing.T) {
	tr := newTransformer(t, nil)
	res, err := tr.Transform(context.Background(), Input{ScanID: "scan-1", Text: "nothing here"}, examplePolicy())
	require.NoError(t, err)
	assert.Equal(t, "nothing here", res.Text)
	assert.Empty(t, res.Record.Transformations)
	assert.Equal(t, res.Record.OriginalHash, res.Record.DeidentifiedHash)
}

func TestTransformOperations(t *testing.T) {
	text := "mail jean@example.com mrn 00482913 ref 2021-15-99"
	find := func(infoType, quote string, conf float64) phi.Finding {
		i := strings.Index(text, quote)
		return phi.Finding{InfoType: infoType, Confidence: conf, Span: phi.Span{Start: i, End: i + len(quote)}, Quote: quote}
	}
	policy := Policy{
		Version: 3,
		Default: Rule{Operation: phi.OpRedact},
		Rules: map[string]Rule{
			"EMAIL_ADDRESS":         {Operation: phi.OpReplace},
			"MEDICAL_RECORD_NUMBER": {Operation: phi.OpHash},
			"DATE":                  {Operation: phi.OpDateShift},
		},
	}
	in := Input{
		ScanID: "scan-9",
		Text:   text,
		Findings: []phi.Finding{
			find("EMAIL_ADDRESS", "jean@example.com", 1),
			find("MEDICAL_RECORD_NUMBER", "00482913", 0.8),
			find("DATE", "2021-15-99", 0.5),
		},
		Replacements: map[string]string{"EMAIL_ADDRESS": "patient@example.invalid"},
	}

	res, err := newTransformer(t, nil).Transform(context.Background(), in, policy)
	require.NoError(t, err)

	hash := Hash("MEDICAL_RECORD_NUMBER", "00482913", testSalt)
	assert.Equal(t, "mail patient@example.invalid mrn "+hash+" ref [REDACTED:DATE]", res.Text)
	assert.Equal(t, 3, res.Record.PolicyVersion)
	// An unparseable date falls back to redaction.
	assert.Equal(t, phi.OpRedact, res.Record.Transformations[2].Operation)
	assert.False(t, res.Record.Transformations[2].Synthetic)
}

func TestTransformConsistentShiftPerSubject(t *testing.T) {
	text := "admit 2020-03-01 discharge 2020-03-10"
	var findings []phi.Finding
	for _, q := range []string{"2020-03-01", "2020-03-10"} {
		i := strings.Index(text, q)
		findings = append(findings, phi.Finding{InfoType: "DATE", Confidence: 0.8, Span: phi.Span{Start: i, End: i + 10}, Quote: q})
	}

	tr, err := New(nil, Config{HashSalt: testSalt}, nil)
	require.NoError(t, err)
	res, err := tr.Transform(context.Background(), Input{ScanID: "s", Text: text, Findings: findings, Subject: "patient-1"}, examplePolicy())
	require.NoError(t, err)

	var dates []time.Time
	for _, tf := range res.Record.Transformations {
		d, err := time.Parse("2006-01-02", res.Text[tf.Start:tf.End])
		require.NoError(t, err)
		dates = append(dates, d)
	}
	require.Len(t, dates, 2)
	assert.Equal(t, 9*24*time.Hour, dates[1].Sub(dates[0]))
	assert.NotEqual(t, "2020-03-01", res.Text[res.Record.Transformations[0].Start:res.Record.Transformations[0].End])
}

func TestSelectResolvesOverlaps(t *testing.T) {
	text := "id 046 454 286 0000"
	findings := []phi.Finding{
		{InfoType: "CREDIT_CARD_NUMBER", Confidence: 0.5, Span: phi.Span{Start: 3, End: 19}},
		{InfoType: "CANADIAN_SIN", Confidence: 1, Span: phi.Span{Start: 3, End: 14}},
		{InfoType: "B", Confidence: 1, Span: phi.Span{Start: 3, End: 14}},
	}
	a, err := Select(text, findings)
	require.NoError(t, err)
	b, err := Select(text, []phi.Finding{findings[2], findings[0], findings[1]})
	require.NoError(t, err)

	require.Len(t, a, 1)
	assert.Equal(t, "B", a[0].InfoType)
	assert.Equal(t, 3, a[0].Span.Start)
	assert.Equal(t, 19, a[0].Span.End)
	assert.Equal(t, a, b)

	_, err = Select(text, []phi.Finding{{Span: phi.Span{Start: 10, End: 99}}})
	assert.ErrorIs(t, err, phierr.ErrValidation)
	_, err = Select(text, []phi.Finding{{Span: phi.Span{Start: 0, End: 2}, Quote: "zz"}})
	assert.ErrorIs(t, err, phierr.ErrValidation)
}

func TestSelectMergesChainedOverlaps(t *testing.T) {
	text := "x aaaa bbbb cccc y"
	findings := []phi.Finding{
		{InfoType: "A", Confidence: 0.5, Span: phi.Span{Start: 2, End: 9}, Quote: "aaaa bb"},
		{InfoType: "B", Confidence: 0.9, Span: phi.Span{Start: 7, End: 11}, Quote: "bbbb"},
		{InfoType: "C", Confidence: 0.3, Span: phi.Span{Start: 10, End: 16}, Quote: "b cccc"},
		{InfoType: "D", Confidence: 0.3, Span: phi.Span{Start: 17, End: 18}, Quote: "y"},
	}
	kept, err := Select(text, findings)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "B", kept[0].InfoType)
	assert.Equal(t, phi.Span{Start: 2, End: 16}, kept[0].Span)
	assert.Equal(t, "aaaa bbbb cccc", kept[0].Quote)
	assert.Equal(t, "D", kept[1].InfoType)
}

func TestTransformMasksWholeOverlapGroup(t *testing.T) {
	tr := newTransformer(t, nil)
	text := "SIN 046-454-286-555-1234"
	findings := []phi.Finding{
		{ID: "sin", InfoType: "CANADIAN_SIN", Likelihood: phi.VeryLikely, Confidence: 1,
			Span: phi.Span{Start: 4, End: 15}, Quote: "046-454-286"},
		{ID: "phone", InfoType: "PHONE_NUMBER", Likelihood: phi.Likely, Confidence: 0.8,
			Span: phi.Span{Start: 12, End: 24}, Quote: "286-555-1234"},
	}
	res, err := tr.Transform(context.Background(), Input{ScanID: "scan-1", Text: text, Findings: findings}, DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, "SIN ***-***-***-***-****", res.Text)
	require.Len(t, res.Record.Transformations, 1)
	tf := res.Record.Transformations[0]
	assert.Equal(t, "CANADIAN_SIN", tf.InfoType)
	assert.Equal(t, phi.OpMask, tf.Operation)
	assert.Equal(t, 4, tf.Start)
	assert.Equal(t, len(text), tf.End)

	reversed, err := tr.Transform(context.Background(), Input{ScanID: "scan-1", Text: text,
		Findings: []phi.Finding{findings[1], findings[0]}}, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, res.Text, reversed.Text)
}

func TestReversibleRoundTrip(t *testing.T) {
	keys := kms.NewLocalKeyService(map[string]string{"reversal-v1": "secret"})
	tr := newTransformer(t, keys)
	policy := examplePolicy()
	policy.Reversible = true
	policy.ReversalKeyID = "reversal-v1"
	policy.AuthorizedRoles = []string{"privacy_officer"}

	res, err := tr.Transform(context.Background(), Input{ScanID: "scan-1", Text: sample, Findings: sampleFindings()}, policy)
	require.NoError(t, err)
	rec := res.Record
	assert.True(t, rec.Reversible)
	assert.Equal(t, "reversal-v1", rec.ReversalKeyID)
	assert.NotEmpty(t, rec.ReversalEnvelope)
	assert.NotContains(t, string(rec.ReversalEnvelope), "ABCD")

	_, err = tr.Reverse(context.Background(), rec, res.Text, phi.Principal{ID: "u1", Roles: []string{"analyst"}})
	assert.ErrorIs(t, err, phierr.ErrAuthorization)

	_, err = tr.Reverse(context.Background(), rec, res.Text+" tampered", phi.Principal{ID: "u2", Roles: []string{"privacy_officer"}})
	assert.ErrorIs(t, err, phierr.ErrValidation)

	restored, err := tr.Reverse(context.Background(), rec, res.Text, phi.Principal{ID: "u2", Roles: []string{"privacy_officer"}})
	require.NoError(t, err)
	assert.Equal(t, sample, restored)
}

func TestReversibleKeyFailure(t *testing.T) {
	keys := kms.NewLocalKeyService(map[string]string{"reversal-v1": "secret"})
	keys.Disable("reversal-v1")
	tr := newTransformer(t, keys)

	policy := examplePolicy()
	policy.Reversible = true
	policy.ReversalKeyID = "reversal-v1"
	policy.AuthorizedRoles = []string{"privacy_officer"}

	_, err := tr.Transform(context.Background(), Input{ScanID: "scan-1", Text: sample, Findings: sampleFindings()}, policy)
	require.Error(t, err)
	assert.ErrorIs(t, err, phierr.ErrKeyManagement)
	assert.True(t, phierr.IsRetryable(err))

	policy.AllowIrreversibleFallback = true
	res, err := tr.Transform(context.Background(), Input{ScanID: "scan-1", Text: sample, Findings: sampleFindings()}, policy)
	require.NoError(t, err)
	assert.False(t, res.Record.Reversible)
	assert.True(t, res.Record.Fallback)
	assert.Empty(t, res.Record.ReversalEnvelope)

	_, err = tr.Reverse(context.Background(), res.Record, res.Text, phi.Principal{Roles: []string{"privacy_officer"}})
	assert.ErrorIs(t, err, phierr.ErrValidation)
}

func TestNewRequiresSalt(t *testing.T) {
	_, err := New(nil, Config{HashSalt: []byte("short")}, nil)
	assert.ErrorIs(t, err, phierr.ErrConfiguration)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(*Policy)
		field  string
	}{
		{"version", func(p *Policy) { p.Version = 0 }, "version"},
		{"bad default", func(p *Policy) { p.Default.Operation = "SHRED" }, "default"},
		{"bad rule", func(p *Policy) { p.Rules["DATE"] = Rule{Operation: "SHRED"} }, "rules.DATE"},
		{"alnum mask char", func(p *Policy) { p.Rules["X"] = Rule{Operation: phi.OpMask, MaskChar: "x"} }, "rules.X"},
		{"ratio", func(p *Policy) { p.Rules["X"] = Rule{Operation: phi.OpMask, MinMaskedRatio: 1.5} }, "rules.X"},
		{"marker", func(p *Policy) { p.RedactMarker = "[gone]" }, "redact_marker"},
		{"reversible without key", func(p *Policy) { p.Reversible = true; p.AuthorizedRoles = []string{"r"} }, "reversal_key_id"},
		{"reversible without roles", func(p *Policy) { p.Reversible = true; p.ReversalKeyID = "k" }, "authorized_roles"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			assert.ErrorIs(t, err, phierr.ErrConfiguration)
			assert.Equal(t, tt.field, phierr.FieldOf(err))
		})
	}
}
