package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEquivalentForms(t *testing.T) {
	forms := []string{
		"0501234567",
		"380501234567",
		"+380501234567",
		"501234567",
		"+38 (050) 123-45-67",
		"050 123 45 67",
	}

	for _, raw := range forms {
		t.Run(raw, func(t *testing.T) {
			got, err := Normalize(raw)
			require.NoError(t, err)
			assert.Equal(t, "+380501234567", got)
		})
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "12345", "050123456", "38050123456", "+1 415 555 0100", "0001234567", "3800501234567"} {
		t.Run(raw, func(t *testing.T) {
			_, err := Normalize(raw)
			assert.ErrorIs(t, err, ErrInvalidPhone)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"0501234567", true},
		{"0671234567", true},
		{"0931234567", true},
		{"0441234567", false}, // Kyiv landline
		{"0321234567", false}, // Lviv landline
		{"0811234567", false},
		{"abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, Validate(tt.raw))
		})
	}
}

func TestNormalizeMobile(t *testing.T) {
	got, err := NormalizeMobile("380971112233")
	require.NoError(t, err)
	assert.Equal(t, "+380971112233", got)

	_, err = NormalizeMobile("0441234567")
	assert.ErrorIs(t, err, ErrInvalidPhone)
}

func TestOperator(t *testing.T) {
	assert.Equal(t, "Vodafone", Operator("+380501234567"))
	assert.Equal(t, "Kyivstar", Operator("+380671234567"))
	assert.Equal(t, "lifecell", Operator("+380631234567"))
	assert.Equal(t, "", Operator("+380441234567"))
	assert.Equal(t, "", Operator("0501234567"))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "+380*****4567", Mask("+380501234567"))
	assert.Equal(t, "***", Mask("123"))
}
