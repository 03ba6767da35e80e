// Package expr evaluates a restricted, side-effect-free expression language
// used by expression gates and edge transforms. It is an explicit AST walker
// over a parsed subset: no assignment, no function definitions, no calls
// except an allow-list of string methods, and no access outside the provided
// scope. Screening of the raw source happens before parsing so that parser
// quirks cannot smuggle forbidden constructs through.
package expr

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrParse reports a lexing or parsing failure.
	ErrParse = errors.New("expression parse error")
	// ErrEval reports a runtime evaluation failure.
	ErrEval = errors.New("expression evaluation error")
	// ErrUnknownIdentifier reports a reference outside the provided scope.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrCallNotAllowed reports a call to anything but the string-method allow-list.
	ErrCallNotAllowed = errors.New("function calls are not allowed")
	// ErrForbiddenToken reports a denylisted token in the raw source.
	ErrForbiddenToken = errors.New("forbidden token")
	// ErrBudgetExceeded reports that evaluation overran its wall-clock budget.
	ErrBudgetExceeded = errors.New("evaluation budget exceeded")
)

// DefaultBudget bounds a single evaluation.
const DefaultBudget = 30 * time.Millisecond

// Scope is the set of identifiers visible to an expression.
type Scope map[string]any

// allowedChars is the pre-parse character allowlist. Anything outside it is
// rejected before the lexer runs.
var allowedChars = regexp.MustCompile("^[a-zA-Z0-9_$\\s.,()\\[\\]{}'\"`+\\-*/%!=<>&|?:\\\\^#@;~]*$")

// deniedTokens are rejected as whole words wherever they appear, including
// inside strings, to defend against parser-level smuggling.
var deniedTokens = regexp.MustCompile(`\b(process|global|globalThis|window|self|prototype|constructor|__proto__|import|require|eval|Function|fetch|XMLHttpRequest|setTimeout|setInterval|setImmediate|queueMicrotask)\b`)

// Compiled is a parsed expression ready for repeated evaluation.
type Compiled struct {
	src  string
	root node
}

// Compile screens and parses the expression source.
func Compile(src string) (*Compiled, error) {
	if !allowedChars.MatchString(src) {
		return nil, fmt.Errorf("%w: disallowed character in expression", ErrParse)
	}
	if m := deniedTokens.FindString(src); m != "" {
		return nil, fmt.Errorf("%w: %s", ErrForbiddenToken, m)
	}
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	return &Compiled{src: src, root: root}, nil
}

// Eval evaluates the compiled expression against the scope within the default
// wall-clock budget.
func (c *Compiled) Eval(scope Scope) (any, error) {
	return c.EvalWithBudget(scope, DefaultBudget)
}

// EvalWithBudget evaluates with an explicit budget. A zero budget disables
// the deadline.
func (c *Compiled) EvalWithBudget(scope Scope, budget time.Duration) (any, error) {
	ctx := &evalCtx{scope: scope}
	if budget > 0 {
		ctx.deadline = time.Now().Add(budget)
	}
	return c.root.eval(ctx)
}

// Evaluate is the one-shot convenience: compile then evaluate.
func Evaluate(src string, scope Scope) (any, error) {
	c, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return c.Eval(scope)
}
