package expr

import (
	"fmt"
	"strconv"
)

// allowedMethods is the full set of callable names. These are string methods;
// any other call expression is rejected outright.
var allowedMethods = map[string]bool{
	"toLowerCase": true,
	"toUpperCase": true,
	"trim":        true,
	"includes":    true,
	"startsWith":  true,
	"endsWith":    true,
	"slice":       true,
	"substring":   true,
	"split":       true,
	"replace":     true,
	"match":       true,
}

// reservedWords are rejected wherever they appear as an identifier.
var reservedWords = map[string]bool{
	"function": true,
	"class":    true,
	"new":      true,
	"this":     true,
	"return":   true,
	"var":      true,
	"let":      true,
	"const":    true,
	"typeof":   true,
	"delete":   true,
	"in":       true,
	"of":       true,
	"await":    true,
	"async":    true,
	"yield":    true,
}

type parser struct {
	toks []token
	pos  int
}

func parse(src string) (node, error) {
	toks, err := newLexer(src).lex()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errf("unexpected trailing input %q", p.peek().text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(punct string) bool {
	if t := p.peek(); t.kind == tokPunct && t.text == punct {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(punct string) error {
	if !p.accept(punct) {
		return p.errf("expected %q, got %q", punct, p.peek().text)
	}
	return nil
}

func (p *parser) errf(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, v...))
}

// parseConditional handles the ternary, the lowest-precedence construct.
func (p *parser) parseConditional() (node, error) {
	test, err := p.parseNullish()
	if err != nil {
		return nil, err
	}
	if !p.accept("?") {
		return test, nil
	}
	cons, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	alt, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	return &condNode{test: test, cons: cons, alt: alt}, nil
}

func (p *parser) parseNullish() (node, error) {
	left, err := p.parseLogicalOr()
	if err != nil {
		return nil, err
	}
	for p.accept("??") {
		right, err := p.parseLogicalOr()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "??", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseLogicalOr() (node, error) {
	left, err := p.parseLogicalAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		right, err := p.parseLogicalAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseLogicalAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept("==="):
			op = "==="
		case p.accept("!=="):
			op = "!=="
		case p.accept("=="):
			op = "=="
		case p.accept("!="):
			op = "!="
		default:
			return left, nil
		}
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseRelational() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept("<="):
			op = "<="
		case p.accept(">="):
			op = ">="
		case p.accept("<"):
			op = "<"
		case p.accept(">"):
			op = ">"
		default:
			return left, nil
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept("+"):
			op = "+"
		case p.accept("-"):
			op = "-"
		default:
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept("*"):
			op = "*"
		case p.accept("/"):
			op = "/"
		case p.accept("%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	for _, op := range []string{"!", "-", "+"} {
		if p.accept(op) {
			operand, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &unaryNode{op: op, operand: operand}, nil
		}
	}
	return p.parsePostfix()
}

// parsePostfix parses member access chains and allow-listed method calls.
func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept("."):
			t := p.next()
			if t.kind != tokIdent {
				return nil, p.errf("expected property name after '.'")
			}
			if p.accept("(") {
				if !allowedMethods[t.text] {
					return nil, fmt.Errorf("%w: %s", ErrCallNotAllowed, t.text)
				}
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				n = &callNode{obj: n, method: t.text, args: args}
				continue
			}
			n = &memberNode{obj: n, prop: &litNode{val: t.text}}
		case p.accept("["):
			idx, err := p.parseConditional()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			n = &memberNode{obj: n, prop: idx, computed: true}
		case p.peek().kind == tokPunct && p.peek().text == "(":
			return nil, ErrCallNotAllowed
		default:
			return n, nil
		}
	}
}

func (p *parser) parseArgs() ([]node, error) {
	var args []node
	if p.accept(")") {
		return args, nil
	}
	for {
		a, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		if p.accept(")") {
			return args, nil
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errf("bad number %q", t.text)
		}
		return &litNode{val: f}, nil

	case tokString:
		p.next()
		return &litNode{val: t.text}, nil

	case tokTemplate:
		p.next()
		return p.buildTemplate(t)

	case tokIdent:
		p.next()
		switch t.text {
		case "true":
			return &litNode{val: true}, nil
		case "false":
			return &litNode{val: false}, nil
		case "null", "undefined":
			return &litNode{val: nil}, nil
		}
		if reservedWords[t.text] {
			return nil, p.errf("reserved word %q", t.text)
		}
		return &identNode{name: t.text}, nil

	case tokPunct:
		switch t.text {
		case "(":
			p.next()
			n, err := p.parseConditional()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return n, nil
		case "[":
			return p.parseArray()
		case "{":
			return p.parseObject()
		case "=", "=>", "++", "--", "**":
			return nil, p.errf("operator %q is not allowed", t.text)
		}
	}
	return nil, p.errf("unexpected token %q", t.text)
}

func (p *parser) parseArray() (node, error) {
	p.next() // consume '['
	arr := &arrayNode{}
	if p.accept("]") {
		return arr, nil
	}
	for {
		e, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		arr.elems = append(arr.elems, e)
		if p.accept("]") {
			return arr, nil
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseObject() (node, error) {
	p.next() // consume '{'
	obj := &objectNode{}
	if p.accept("}") {
		return obj, nil
	}
	for {
		t := p.next()
		if t.kind != tokIdent && t.kind != tokString && t.kind != tokNumber {
			return nil, p.errf("expected object key, got %q", t.text)
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		v, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		obj.keys = append(obj.keys, t.text)
		obj.vals = append(obj.vals, v)
		if p.accept("}") {
			return obj, nil
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
}

func (p *parser) buildTemplate(t token) (node, error) {
	tpl := &templateNode{}
	for _, part := range t.parts {
		if !part.isExpr {
			tpl.segs = append(tpl.segs, tplSeg{literal: part.literal})
			continue
		}
		inner, err := parse(part.expr)
		if err != nil {
			return nil, err
		}
		tpl.segs = append(tpl.segs, tplSeg{expr: inner, isExpr: true})
	}
	return tpl, nil
}
