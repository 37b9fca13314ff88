package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMask(t *testing.T) {
	tests := []struct {
		name  string
		value string
		rule  Rule
		want  string
	}{
		{"preserve length", "ABCD 1234 5678 09", Rule{PreserveLength: true}, "**** **** **** **"},
		{"keep trailing", "4111 1111 1111 1111", Rule{PreserveLength: true, KeepTrailing: 4}, "**** **** **** 1111"},
		{"custom char", "123-456", Rule{PreserveLength: true, MaskChar: "#"}, "###-###"},
		{"fixed run", "jean@example.com", Rule{}, "********"},
		{"fixed run keeps ends", "H2X 1Y4", Rule{KeepLeading: 1, KeepTrailing: 1}, "H********4"},
		// 6 alphanumerics at 0.6 leave at most 2 unmasked.
		{"clamped", "123456", Rule{PreserveLength: true, KeepLeading: 3, KeepTrailing: 3}, "****56"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Mask(tt.value, tt.rule))
		})
	}
}

func TestMaskIsIdempotent(t *testing.T) {
	rule := Rule{PreserveLength: true}
	once := Mask("ABCD 1234 5678 09", rule)
	assert.Equal(t, once, Mask(once, rule))
}

func TestClampKept(t *testing.T) {
	lead, trail := clampKept(10, 4, 4, 0.6)
	assert.Equal(t, 0, lead)
	assert.Equal(t, 4, trail)

	lead, trail = clampKept(0, 2, 2, 0.6)
	assert.Zero(t, lead+trail)
}

func TestHash(t *testing.T) {
	a := Hash("EMAIL_ADDRESS", "jean@example.com", testSalt)
	assert.Equal(t, a, Hash("EMAIL_ADDRESS", "jean@example.com", testSalt))
	assert.NotEqual(t, a, Hash("EMAIL_ADDRESS", "jean@example.com", []byte("another-salt-value")))
	assert.NotEqual(t, a, Hash("PHONE_NUMBER", "jean@example.com", testSalt))
	assert.Regexp(t, `^EMAIL_ADDRESS:[0-9a-f]{16}$`, a)
}

func TestSynthesize(t *testing.T) {
	assert.Equal(t, "XXXX 0000 0000 00", Synthesize("ABCD 1234 5678 09"))
	assert.Equal(t, "X0X 0X0", Synthesize("H2X 1Y4"))
	assert.Equal(t, "xxxx@xxxxxxx.xxx", Synthesize("jean@example.com"))
}

func TestShiftDate(t *testing.T) {
	tests := []struct {
		in   string
		days int
		want string
	}{
		{"1990-01-01", 45, "1990-02-15"},
		{"31/12/2023", 1, "01/01/2024"},
		{"15.03.2021", -15, "28.02.2021"},
	}
	for _, tt := range tests {
		got, ok := ShiftDate(tt.in, tt.days)
		require.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got)
	}
	_, ok := ShiftDate("someday", 3)
	assert.False(t, ok)
}

func TestCryptoOffsetsNeverZero(t *testing.T) {
	src := CryptoOffsets{}
	for i := 0; i < 200; i++ {
		v, err := src.Offset(2)
		require.NoError(t, err)
		assert.NotZero(t, v)
		assert.LessOrEqual(t, v, 2)
		assert.GreaterOrEqual(t, v, -2)
	}
	_, err := src.Offset(0)
	assert.Error(t, err)
}

func TestFixedOffsetClamps(t *testing.T) {
	v, _ := FixedOffset(500).Offset(365)
	assert.Equal(t, 365, v)
	v, _ = FixedOffset(0).Offset(365)
	assert.Equal(t, 1, v)
}
