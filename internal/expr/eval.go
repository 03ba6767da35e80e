package expr

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type evalCtx struct {
	scope    Scope
	deadline time.Time
}

func (c *evalCtx) check() error {
	if !c.deadline.IsZero() && time.Now().After(c.deadline) {
		return ErrBudgetExceeded
	}
	return nil
}

type node interface {
	eval(*evalCtx) (any, error)
}

type litNode struct{ val any }

func (n *litNode) eval(*evalCtx) (any, error) { return n.val, nil }

type identNode struct{ name string }

func (n *identNode) eval(c *evalCtx) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	v, ok := c.scope[n.name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, n.name)
	}
	return v, nil
}

type memberNode struct {
	obj      node
	prop     node
	computed bool
}

func (n *memberNode) eval(c *evalCtx) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	obj, err := n.obj.eval(c)
	if err != nil {
		return nil, err
	}
	prop, err := n.prop.eval(c)
	if err != nil {
		return nil, err
	}
	return member(obj, prop)
}

// member resolves property access structurally. Missing members yield nil
// rather than an error, matching loose-object semantics for gate data.
func member(obj, prop any) (any, error) {
	switch o := obj.(type) {
	case map[string]any:
		key := stringify(prop)
		return o[key], nil
	case []any:
		if key, ok := prop.(string); ok {
			if key == "length" {
				return float64(len(o)), nil
			}
			return nil, nil
		}
		idx, ok := toIndex(prop)
		if !ok || idx < 0 || idx >= len(o) {
			return nil, nil
		}
		return o[idx], nil
	case string:
		if key, ok := prop.(string); ok && key == "length" {
			return float64(len([]rune(o))), nil
		}
		if idx, ok := toIndex(prop); ok {
			runes := []rune(o)
			if idx >= 0 && idx < len(runes) {
				return string(runes[idx]), nil
			}
		}
		return nil, nil
	case nil:
		return nil, fmt.Errorf("%w: member access on null", ErrEval)
	default:
		return nil, nil
	}
}

type unaryNode struct {
	op      string
	operand node
}

func (n *unaryNode) eval(c *evalCtx) (any, error) {
	v, err := n.operand.eval(c)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := toNumber(v)
		if !ok {
			return math.NaN(), nil
		}
		return -f, nil
	case "+":
		f, ok := toNumber(v)
		if !ok {
			return math.NaN(), nil
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: unary %q", ErrEval, n.op)
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(c *evalCtx) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	l, err := n.left.eval(c)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(c)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	case "===":
		return strictEqual(l, r), nil
	case "!==":
		return !strictEqual(l, r), nil
	case "+":
		if ls, ok := l.(string); ok {
			return ls + stringify(r), nil
		}
		if rs, ok := r.(string); ok {
			return stringify(l) + rs, nil
		}
		return arith(l, r, func(a, b float64) float64 { return a + b }), nil
	case "-":
		return arith(l, r, func(a, b float64) float64 { return a - b }), nil
	case "*":
		return arith(l, r, func(a, b float64) float64 { return a * b }), nil
	case "/":
		return arith(l, r, func(a, b float64) float64 { return a / b }), nil
	case "%":
		return arith(l, r, math.Mod), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r), nil
	}
	return nil, fmt.Errorf("%w: binary %q", ErrEval, n.op)
}

type logicalNode struct {
	op          string
	left, right node
}

func (n *logicalNode) eval(c *evalCtx) (any, error) {
	l, err := n.left.eval(c)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !truthy(l) {
			return l, nil
		}
	case "||":
		if truthy(l) {
			return l, nil
		}
	case "??":
		if l != nil {
			return l, nil
		}
	}
	return n.right.eval(c)
}

type condNode struct {
	test, cons, alt node
}

func (n *condNode) eval(c *evalCtx) (any, error) {
	t, err := n.test.eval(c)
	if err != nil {
		return nil, err
	}
	if truthy(t) {
		return n.cons.eval(c)
	}
	return n.alt.eval(c)
}

type arrayNode struct{ elems []node }

func (n *arrayNode) eval(c *evalCtx) (any, error) {
	out := make([]any, 0, len(n.elems))
	for _, e := range n.elems {
		v, err := e.eval(c)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type objectNode struct {
	keys []string
	vals []node
}

func (n *objectNode) eval(c *evalCtx) (any, error) {
	out := make(map[string]any, len(n.keys))
	for i, k := range n.keys {
		v, err := n.vals[i].eval(c)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

type tplSeg struct {
	literal string
	expr    node
	isExpr  bool
}

type templateNode struct{ segs []tplSeg }

func (n *templateNode) eval(c *evalCtx) (any, error) {
	var b strings.Builder
	for _, s := range n.segs {
		if !s.isExpr {
			b.WriteString(s.literal)
			continue
		}
		v, err := s.expr.eval(c)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

type callNode struct {
	obj    node
	method string
	args   []node
}

func (n *callNode) eval(c *evalCtx) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	recv, err := n.obj.eval(c)
	if err != nil {
		return nil, err
	}
	s, ok := recv.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s on non-string value", ErrCallNotAllowed, n.method)
	}
	args := make([]any, 0, len(n.args))
	for _, a := range n.args {
		v, err := a.eval(c)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return callStringMethod(s, n.method, args)
}

func callStringMethod(s, method string, args []any) (any, error) {
	argStr := func(i int) string {
		if i < len(args) {
			return stringify(args[i])
		}
		return ""
	}
	switch method {
	case "toLowerCase":
		return strings.ToLower(s), nil
	case "toUpperCase":
		return strings.ToUpper(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "includes":
		return strings.Contains(s, argStr(0)), nil
	case "startsWith":
		return strings.HasPrefix(s, argStr(0)), nil
	case "endsWith":
		return strings.HasSuffix(s, argStr(0)), nil
	case "slice":
		return sliceString(s, args), nil
	case "substring":
		return substring(s, args), nil
	case "split":
		if len(args) == 0 {
			return []any{s}, nil
		}
		parts := strings.Split(s, argStr(0))
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "replace":
		// Replaces the first occurrence only.
		return strings.Replace(s, argStr(0), argStr(1), 1), nil
	case "match":
		re, err := regexp.Compile(argStr(0))
		if err != nil {
			return nil, fmt.Errorf("%w: bad pattern: %v", ErrEval, err)
		}
		m := re.FindStringSubmatch(s)
		if m == nil {
			return nil, nil
		}
		out := make([]any, len(m))
		for i, g := range m {
			out[i] = g
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrCallNotAllowed, method)
}

func sliceString(s string, args []any) string {
	runes := []rune(s)
	n := len(runes)
	start, end := 0, n
	if len(args) > 0 {
		if f, ok := toNumber(args[0]); ok {
			start = clampIndex(int(f), n)
		}
	}
	if len(args) > 1 {
		if f, ok := toNumber(args[1]); ok {
			end = clampIndex(int(f), n)
		}
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}

// clampIndex resolves a possibly negative index against length n.
func clampIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func substring(s string, args []any) string {
	runes := []rune(s)
	n := len(runes)
	start, end := 0, n
	if len(args) > 0 {
		if f, ok := toNumber(args[0]); ok {
			start = int(f)
		}
	}
	if len(args) > 1 {
		if f, ok := toNumber(args[1]); ok {
			end = int(f)
		}
	}
	// substring clamps negatives to zero and swaps out-of-order bounds.
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	if start > end {
		start, end = end, start
	}
	return string(runes[start:end])
}

// ---- value helpers ----

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	default:
		return true
	}
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func arith(l, r any, f func(a, b float64) float64) any {
	a, ok1 := toNumber(l)
	b, ok2 := toNumber(r)
	if !ok1 || !ok2 {
		return math.NaN()
	}
	return f(a, b)
}

func compare(op string, l, r any) bool {
	if ls, lok := l.(string); lok {
		if rs, rok := r.(string); rok {
			switch op {
			case "<":
				return ls < rs
			case "<=":
				return ls <= rs
			case ">":
				return ls > rs
			case ">=":
				return ls >= rs
			}
		}
	}
	a, ok1 := toNumber(l)
	b, ok2 := toNumber(r)
	if !ok1 || !ok2 {
		return false
	}
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

// looseEqual compares with numeric coercion across types; nil equals only nil.
func looseEqual(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if strictEqual(l, r) {
		return true
	}
	a, ok1 := toNumber(l)
	b, ok2 := toNumber(r)
	if ok1 && ok2 {
		return a == b
	}
	return false
}

func strictEqual(l, r any) bool {
	switch lv := l.(type) {
	case float64:
		rv, ok := r.(float64)
		return ok && lv == rv
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	case nil:
		return r == nil
	default:
		return false
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}
