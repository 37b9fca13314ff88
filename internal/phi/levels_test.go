package phi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLikelihoodRaiseSaturates(t *testing.T) {
	assert.Equal(t, Likely, Possible.Raise(1))
	assert.Equal(t, VeryLikely, Likely.Raise(5))
	assert.Equal(t, VeryUnlikely, Unlikely.Raise(-4))
}

func TestLikelihoodConfidence(t *testing.T) {
	want := map[Likelihood]float64{VeryUnlikely: 0.1, Unlikely: 0.25, Possible: 0.5, Likely: 0.8, VeryLikely: 1.0}
	for l, c := range want {
		assert.Equal(t, c, l.Confidence(), l.String())
	}
}

func TestLikelihoodJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		L Likelihood `json:"l"`
	}{L: VeryLikely})
	require.NoError(t, err)
	assert.JSONEq(t, `{"l":"VERY_LIKELY"}`, string(data))

	var out struct {
		L Likelihood `json:"l"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"l":"possible"}`), &out))
	assert.Equal(t, Possible, out.L)

	assert.Error(t, json.Unmarshal([]byte(`{"l":"sometimes"}`), &out))
}

func TestFindingQuoteNeverSerialized(t *testing.T) {
	f := Finding{ID: "f1", InfoType: "DATE", Likelihood: Likely, Quote: "1990-01-01"}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "1990-01-01")
}

func TestClassificationOrdering(t *testing.T) {
	assert.True(t, CriticalRisk.AtLeast(HighRisk))
	assert.False(t, LowRisk.AtLeast(MediumRisk))
	assert.Equal(t, HighRisk, Max(LowRisk, HighRisk))
	assert.Equal(t, -1, Classification("unknown").Rank())
}

func TestSyntheticRanges(t *testing.T) {
	rec := &DeidentificationRecord{Transformations: []Transformation{
		{InfoType: "DATE", Operation: OpDateShift, Start: 4, End: 14, Synthetic: true},
		{InfoType: "EMAIL_ADDRESS", Operation: OpRedact, Start: 20, End: 40},
	}}
	ranges := rec.SyntheticRanges()
	require.Len(t, ranges, 1)
	assert.Equal(t, 4, ranges[0].Start)
	assert.Nil(t, (*DeidentificationRecord)(nil).SyntheticRanges())
}
