package matchmaking

import (
	"testing"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplementaryRule_IsSymmetric(t *testing.T) {
	r := ComplementaryRule()
	classes := []string{"any", "male", "female", "other"}
	for _, a := range classes {
		for _, b := range classes {
			assert.Equal(t, r.Matches(a, b), r.Matches(b, a), "%s/%s", a, b)
		}
	}

	assert.True(t, r.Matches("male", "female"))
	assert.True(t, r.Matches("other", "other"))
	assert.True(t, r.Matches("any", "any"))
	assert.True(t, r.Matches("any", "male"))
	assert.False(t, r.Matches("male", "male"))
	assert.False(t, r.Matches("female", "other"))

	assert.Equal(t, []string{"any", "female"}, r.Compatible("male"))
}

func TestOpenRule(t *testing.T) {
	r := OpenRule()
	class, err := r.Normalize("")
	require.NoError(t, err)
	assert.Equal(t, ClassAny, class)
	assert.Equal(t, []string{ClassAny}, r.Compatible(ClassAny))

	_, err = r.Normalize("male")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestNewRule_RejectsUndeclaredClasses(t *testing.T) {
	_, err := NewRule("bad", []string{"a"}, "", [2]string{"a", "b"})
	assert.Error(t, err)

	_, err = NewRule("bad", []string{"a"}, "star")
	assert.Error(t, err)
}

func TestRuleByName(t *testing.T) {
	r, err := RuleByName("complementary")
	require.NoError(t, err)
	assert.Equal(t, RuleComplementary, r.Name())

	r, err = RuleByName("")
	require.NoError(t, err)
	assert.Equal(t, RuleOpen, r.Name())

	_, err = RuleByName("nope")
	assert.Error(t, err)
}
