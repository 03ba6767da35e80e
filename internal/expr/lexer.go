package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokTemplate
	tokIdent
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int

	// template string parts; literal chunks and ${...} expression sources
	// alternate, starting with a literal chunk.
	parts []templatePart
}

type templatePart struct {
	literal string
	expr    string
	isExpr  bool
}

type lexer struct {
	src []rune
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src)}
}

func (l *lexer) errf(format string, v ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrParse, fmt.Sprintf(format, v...), l.pos)
}

// lex tokenizes the whole input up front; expressions are short so a single
// pass is simpler than streaming.
func (l *lexer) lex() ([]token, error) {
	var toks []token
	for {
		l.skipSpace()
		if l.pos >= len(l.src) {
			toks = append(toks, token{kind: tokEOF, pos: l.pos})
			return toks, nil
		}
		start := l.pos
		r := l.src[l.pos]
		switch {
		case unicode.IsDigit(r) || (r == '.' && l.pos+1 < len(l.src) && unicode.IsDigit(l.src[l.pos+1])):
			text, err := l.lexNumber()
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokNumber, text: text, pos: start})
		case r == '\'' || r == '"':
			text, err := l.lexString(r)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: text, pos: start})
		case r == '`':
			parts, err := l.lexTemplate()
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokTemplate, pos: start, parts: parts})
		case unicode.IsLetter(r) || r == '_' || r == '$':
			toks = append(toks, token{kind: tokIdent, text: l.lexIdent(), pos: start})
		default:
			text, err := l.lexPunct()
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokPunct, text: text, pos: start})
		}
	}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) && unicode.IsSpace(l.src[l.pos]) {
		l.pos++
	}
}

func (l *lexer) lexNumber() (string, error) {
	start := l.pos
	seenDot := false
	for l.pos < len(l.src) {
		r := l.src[l.pos]
		if r == '.' {
			if seenDot {
				break // member access on a number literal is not meaningful here
			}
			// Distinguish 1.5 from 1.toFixed style access.
			if l.pos+1 >= len(l.src) || !unicode.IsDigit(l.src[l.pos+1]) {
				break
			}
			seenDot = true
			l.pos++
			continue
		}
		if !unicode.IsDigit(r) {
			break
		}
		l.pos++
	}
	return string(l.src[start:l.pos]), nil
}

func (l *lexer) lexString(quote rune) (string, error) {
	l.pos++ // consume opening quote
	var b strings.Builder
	for l.pos < len(l.src) {
		r := l.src[l.pos]
		if r == '\\' {
			if l.pos+1 >= len(l.src) {
				return "", l.errf("unterminated escape")
			}
			l.pos++
			b.WriteRune(unescape(l.src[l.pos]))
			l.pos++
			continue
		}
		if r == quote {
			l.pos++
			return b.String(), nil
		}
		b.WriteRune(r)
		l.pos++
	}
	return "", l.errf("unterminated string")
}

func unescape(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return r
	}
}

// lexTemplate consumes a backtick template, collecting literal chunks and the
// raw source of each ${...} interpolation. Nested templates inside an
// interpolation are not supported.
func (l *lexer) lexTemplate() ([]templatePart, error) {
	l.pos++ // consume opening backtick
	var parts []templatePart
	var lit strings.Builder
	for l.pos < len(l.src) {
		r := l.src[l.pos]
		switch {
		case r == '\\' && l.pos+1 < len(l.src):
			l.pos++
			lit.WriteRune(unescape(l.src[l.pos]))
			l.pos++
		case r == '`':
			l.pos++
			parts = append(parts, templatePart{literal: lit.String()})
			return parts, nil
		case r == '$' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '{':
			parts = append(parts, templatePart{literal: lit.String()})
			lit.Reset()
			l.pos += 2
			depth := 1
			start := l.pos
			for l.pos < len(l.src) && depth > 0 {
				switch l.src[l.pos] {
				case '{':
					depth++
				case '}':
					depth--
				}
				if depth > 0 {
					l.pos++
				}
			}
			if depth != 0 {
				return nil, l.errf("unterminated template interpolation")
			}
			parts = append(parts, templatePart{expr: string(l.src[start:l.pos]), isExpr: true})
			l.pos++ // consume closing brace
		default:
			lit.WriteRune(r)
			l.pos++
		}
	}
	return nil, l.errf("unterminated template string")
}

func (l *lexer) lexIdent() string {
	start := l.pos
	for l.pos < len(l.src) {
		r := l.src[l.pos]
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '$' {
			break
		}
		l.pos++
	}
	return string(l.src[start:l.pos])
}

// multi-rune operators, longest first.
var punctuators = []string{
	"===", "!==", "**", "=>", "++", "--",
	"==", "!=", "<=", ">=", "&&", "||", "??",
	"+", "-", "*", "/", "%", "!", "<", ">",
	"?", ":", ".", ",", "(", ")", "[", "]", "{", "}", "=",
}

func (l *lexer) lexPunct() (string, error) {
	rest := string(l.src[l.pos:])
	for _, p := range punctuators {
		if strings.HasPrefix(rest, p) {
			l.pos += len(p)
			return p, nil
		}
	}
	return "", l.errf("unexpected character %q", string(l.src[l.pos]))
}
