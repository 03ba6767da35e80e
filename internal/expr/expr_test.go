package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eval(t *testing.T, src string, scope Scope) any {
	t.Helper()
	v, err := Evaluate(src, scope)
	require.NoError(t, err, "expression: %s", src)
	return v
}

func TestEvaluateLiterals(t *testing.T) {
	assert.Equal(t, 42.0, eval(t, "42", nil))
	assert.Equal(t, 1.5, eval(t, "1.5", nil))
	assert.Equal(t, "hi", eval(t, "'hi'", nil))
	assert.Equal(t, "hi", eval(t, `"hi"`, nil))
	assert.Equal(t, true, eval(t, "true", nil))
	assert.Equal(t, false, eval(t, "false", nil))
	assert.Nil(t, eval(t, "null", nil))
	assert.Nil(t, eval(t, "undefined", nil))
	assert.Equal(t, []any{1.0, 2.0}, eval(t, "[1, 2]", nil))
	assert.Equal(t, map[string]any{"a": 1.0}, eval(t, "{a: 1}", nil))
}

func TestEvaluateArithmetic(t *testing.T) {
	assert.Equal(t, 3.0, eval(t, "1 + 2", nil))
	assert.Equal(t, 2.0, eval(t, "value + 1", Scope{"value": 1.0}))
	assert.Equal(t, 6.0, eval(t, "2 * 3", nil))
	assert.Equal(t, 2.5, eval(t, "5 / 2", nil))
	assert.Equal(t, 1.0, eval(t, "7 % 3", nil))
	assert.Equal(t, -4.0, eval(t, "-(2 + 2)", nil))
	assert.Equal(t, 7.0, eval(t, "1 + 2 * 3", nil))
	assert.Equal(t, 9.0, eval(t, "(1 + 2) * 3", nil))
}

func TestEvaluateComparison(t *testing.T) {
	assert.Equal(t, true, eval(t, "1 < 2", nil))
	assert.Equal(t, true, eval(t, "2 <= 2", nil))
	assert.Equal(t, false, eval(t, "1 > 2", nil))
	assert.Equal(t, true, eval(t, "'a' < 'b'", nil))
	assert.Equal(t, true, eval(t, "1 == '1'", nil))
	assert.Equal(t, false, eval(t, "1 === '1'", nil))
	assert.Equal(t, true, eval(t, "1 !== '1'", nil))
	assert.Equal(t, true, eval(t, "null == null", nil))
	assert.Equal(t, false, eval(t, "null == 0", nil))
}

func TestEvaluateLogical(t *testing.T) {
	assert.Equal(t, true, eval(t, "true && true", nil))
	assert.Equal(t, false, eval(t, "true && false", nil))
	// && and || return operand values.
	assert.Equal(t, "b", eval(t, "'a' && 'b'", nil))
	assert.Equal(t, "a", eval(t, "'a' || 'b'", nil))
	assert.Equal(t, "fallback", eval(t, "missing ?? 'fallback'", Scope{"missing": nil}))
	assert.Equal(t, 0.0, eval(t, "zero ?? 5", Scope{"zero": 0.0}))
	assert.Equal(t, "yes", eval(t, "1 < 2 ? 'yes' : 'no'", nil))
}

func TestEvaluateMemberAccess(t *testing.T) {
	scope := Scope{
		"data": map[string]any{
			"user":  map[string]any{"name": "ada"},
			"items": []any{10.0, 20.0},
		},
	}
	assert.Equal(t, "ada", eval(t, "data.user.name", scope))
	assert.Equal(t, "ada", eval(t, "data['user']['name']", scope))
	assert.Equal(t, 20.0, eval(t, "data.items[1]", scope))
	assert.Equal(t, 2.0, eval(t, "data.items.length", scope))
	assert.Nil(t, eval(t, "data.user.missing", scope))
}

func TestEvaluateStringMethods(t *testing.T) {
	scope := Scope{"s": "Hello World"}
	assert.Equal(t, "hello world", eval(t, "s.toLowerCase()", scope))
	assert.Equal(t, "HELLO WORLD", eval(t, "s.toUpperCase()", scope))
	assert.Equal(t, true, eval(t, "s.includes('World')", scope))
	assert.Equal(t, true, eval(t, "s.startsWith('Hello')", scope))
	assert.Equal(t, true, eval(t, "s.endsWith('World')", scope))
	assert.Equal(t, "Hello", eval(t, "s.slice(0, 5)", scope))
	assert.Equal(t, "World", eval(t, "s.slice(-5)", scope))
	assert.Equal(t, "Hello", eval(t, "s.substring(5, 0)", scope))
	assert.Equal(t, []any{"Hello", "World"}, eval(t, "s.split(' ')", scope))
	assert.Equal(t, "Jello World", eval(t, "s.replace('H', 'J')", scope))
	assert.Equal(t, "x", eval(t, "'  x  '.trim()", nil))

	m := eval(t, "s.match('W(or)ld')", scope)
	assert.Equal(t, []any{"World", "or"}, m)
	assert.Nil(t, eval(t, "s.match('zzz')", scope))
}

func TestEvaluateTemplateStrings(t *testing.T) {
	scope := Scope{"name": "ada", "n": 2.0}
	assert.Equal(t, "hi ada", eval(t, "`hi ${name}`", scope))
	assert.Equal(t, "n=3", eval(t, "`n=${n + 1}`", scope))
	assert.Equal(t, "plain", eval(t, "`plain`", nil))
}

func TestRejectedConstructs(t *testing.T) {
	cases := []string{
		"a = 1",
		"a++",
		"--a",
		"() => 1",
		"function f() {}",
		"new Date()",
		"foo()",
		"s.padStart(2)",
		"Math.max(1, 2)",
	}
	for _, src := range cases {
		_, err := Evaluate(src, Scope{"a": 1.0, "s": "x", "foo": 1.0, "Math": map[string]any{}})
		assert.Error(t, err, "expression should be rejected: %s", src)
	}
}

func TestDeniedTokens(t *testing.T) {
	cases := []string{
		"process.env.PATH",
		"global.x",
		"globalThis.x",
		"x.constructor",
		"x.prototype",
		"require",
		"eval",
		"'harmless' + process",
	}
	for _, src := range cases {
		_, err := Evaluate(src, Scope{"x": map[string]any{}})
		require.Error(t, err, "token should be denied: %s", src)
	}
}

func TestUnknownIdentifier(t *testing.T) {
	_, err := Evaluate("nope + 1", Scope{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownIdentifier)
}

func TestDeterminism(t *testing.T) {
	scope := Scope{"data": map[string]any{"score": 0.93}}
	c, err := Compile("data.score >= 0.9 ? 'pass' : 'fail'")
	require.NoError(t, err)
	for range 50 {
		v, err := c.Eval(scope)
		require.NoError(t, err)
		assert.Equal(t, "pass", v)
	}
}

func TestCompiledReuse(t *testing.T) {
	c, err := Compile("value + 1")
	require.NoError(t, err)
	for i := range 5 {
		v, err := c.Eval(Scope{"value": float64(i)})
		require.NoError(t, err)
		assert.Equal(t, float64(i+1), v)
	}
}
