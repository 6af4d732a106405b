package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID("esc_0123456789abcdef01234567"))
	assert.True(t, IsValidID("dsp_abcdef0123456789"))
	assert.False(t, IsValidID(""))
	assert.False(t, IsValidID("esc_"))
	assert.False(t, IsValidID("esc_XYZ"))
	assert.False(t, IsValidID("0123456789abcdef"))
	assert.False(t, IsValidID("esc_0123'; DROP TABLE escrows--"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "he", SanitizeString("hello", 2))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("milestone_id", ""),
		PositiveAmount("amount", -5),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "milestone_id", errs[0].Field)
	assert.Contains(t, errs.Error(), "milestone_id")
}

func TestValidate_NoErrors(t *testing.T) {
	errs := Validate(
		Required("milestone_id", "mls_0123456789abcdef"),
		PositiveAmount("amount", 1000),
		MaxLength("reason", "short", MaxReasonLength),
	)
	assert.Empty(t, errs)
}

func TestPositiveAmount(t *testing.T) {
	assert.NotNil(t, PositiveAmount("amount", 0)())
	assert.NotNil(t, PositiveAmount("amount", -1)())
	assert.Nil(t, PositiveAmount("amount", 1)())
}
