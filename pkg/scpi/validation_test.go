package scpi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	rule, err := ParseRule("")
	require.NoError(t, err)
	assert.Nil(t, rule)

	rule, err = ParseRule("range:0,10")
	require.NoError(t, err)
	assert.Equal(t, RuleRange, rule.Kind)
	assert.Equal(t, 0.0, rule.Min)
	assert.Equal(t, 10.0, rule.Max)

	rule, err = ParseRule("enum:A, b ,C")
	require.NoError(t, err)
	assert.Equal(t, RuleEnum, rule.Kind)
	assert.Equal(t, []string{"A", "B", "C"}, rule.Values)

	rule, err = ParseRule("bool")
	require.NoError(t, err)
	assert.Equal(t, RuleBool, rule.Kind)

	_, err = ParseRule("range:low,high")
	assert.Error(t, err)
	_, err = ParseRule("range:5")
	assert.Error(t, err)
	_, err = ParseRule("enum:")
	assert.Error(t, err)
	_, err = ParseRule("regex:.*")
	assert.Error(t, err)
}

func TestRangeRuleCheck(t *testing.T) {
	rule, err := ParseRule("range:0,10")
	require.NoError(t, err)

	assert.Nil(t, rule.Check("5"))
	assert.Nil(t, rule.Check("0"))
	assert.Nil(t, rule.Check("10"))

	out := rule.Check("11")
	require.NotNil(t, out)
	assert.Equal(t, CodeDataOutOfRange, out.Code)
	assert.Equal(t, `-222,"Data out of range; expected 0 to 10, got 11"`, out.Error())

	bad := rule.Check("abc")
	require.NotNil(t, bad)
	assert.Equal(t, CodeDataTypeError, bad.Code)
	assert.Contains(t, bad.Error(), "cannot convert 'abc'")
}

func TestEnumRuleCheck(t *testing.T) {
	rule, err := ParseRule("enum:A,B,C")
	require.NoError(t, err)

	assert.Nil(t, rule.Check("A"))
	assert.Nil(t, rule.Check("b"))

	out := rule.Check("D")
	require.NotNil(t, out)
	assert.Equal(t, CodeParameterNotAllowed, out.Code)
	assert.Contains(t, out.Error(), "got 'D'")
}

func TestBoolRuleCheck(t *testing.T) {
	rule, err := ParseRule("bool")
	require.NoError(t, err)

	for _, ok := range []string{"ON", "off", "1", "0", "On"} {
		assert.Nil(t, rule.Check(ok), ok)
	}

	out := rule.Check("yes")
	require.NotNil(t, out)
	assert.Equal(t, CodeParameterNotAllowed, out.Code)
	assert.Contains(t, out.Error(), "expected ON/OFF/1/0")
}

func TestNilRuleAcceptsAnything(t *testing.T) {
	var rule *Rule
	assert.Nil(t, rule.Check("whatever"))
}
