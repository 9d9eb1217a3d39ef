package condition

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var ErrInvalidExpression = errors.New("invalid expression")

// Expression is a parsed condition-node expression. Evaluation never runs
// user-supplied code; only field lookups and the comparison operators are
// available.
type Expression interface {
	Eval(data map[string]any) (bool, error)
	String() string
}

// Parse compiles src into an Expression.
//
//	expr  := or
//	or    := and (("OR" | "||") and)*
//	and   := unary (("AND" | "&&") unary)*
//	unary := ("NOT" | "!") unary | "(" expr ")" | cmp
//	cmp   := path [op literal]
//	op    := "==" | "!=" | ">" | ">=" | "<" | "<=" | "contains" | "matches" | "in"
func Parse(src string) (Expression, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}

	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if !p.done() {
		return nil, fmt.Errorf("%w: unexpected %q at position %d", ErrInvalidExpression, p.peek().text, p.peek().pos)
	}

	return expr, nil
}

// EvaluateExpression parses and evaluates src in one step.
func EvaluateExpression(src string, data map[string]any) (bool, error) {
	expr, err := Parse(src)
	if err != nil {
		return false, err
	}

	return expr.Eval(data)
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var tokens []token

	runes := []rune(src)
	i := 0

	for i < len(runes) {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case r == '[':
			tokens = append(tokens, token{tokLBracket, "[", i})
			i++
		case r == ']':
			tokens = append(tokens, token{tokRBracket, "]", i})
			i++
		case r == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case r == '"' || r == '\'':
			start := i
			i++

			var sb strings.Builder

			for i < len(runes) && runes[i] != r {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}

				sb.WriteRune(runes[i])
				i++
			}

			if i >= len(runes) {
				return nil, fmt.Errorf("%w: unterminated string at position %d", ErrInvalidExpression, start)
			}

			i++

			tokens = append(tokens, token{tokString, sb.String(), start})
		case strings.ContainsRune("=!<>&|", r):
			start := i

			two := ""
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}

			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tokOp, two, start})
				i += 2

				continue
			}

			switch r {
			case '>', '<', '!':
				tokens = append(tokens, token{tokOp, string(r), start})
				i++
			default:
				return nil, fmt.Errorf("%w: unexpected %q at position %d", ErrInvalidExpression, r, start)
			}
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++

			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}

			tokens = append(tokens, token{tokNumber, string(runes[start:i]), start})
		case isIdentRune(r, true):
			start := i

			jsonPath := r == '$'

			for i < len(runes) && (isIdentRune(runes[i], false) || jsonPath && strings.ContainsRune("[]*", runes[i])) {
				i++
			}

			tokens = append(tokens, token{tokIdent, string(runes[start:i]), start})
		default:
			return nil, fmt.Errorf("%w: unexpected %q at position %d", ErrInvalidExpression, r, i)
		}
	}

	return tokens, nil
}

func isIdentRune(r rune, first bool) bool {
	if unicode.IsLetter(r) || r == '_' || r == '$' {
		return true
	}

	if first {
		return false
	}

	return unicode.IsDigit(r) || r == '.'
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.done() {
		return token{pos: -1}
	}

	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++

	return t
}

func (p *parser) keyword(words ...string) bool {
	if p.done() {
		return false
	}

	t := p.peek()
	if t.kind != tokIdent && t.kind != tokOp {
		return false
	}

	for _, w := range words {
		if strings.EqualFold(t.text, w) {
			return true
		}
	}

	return false
}

func (p *parser) parseOr() (Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.keyword("OR", "||") {
		p.next()

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = &logical{op: "OR", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.keyword("AND", "&&") {
		p.next()

		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		left = &logical{op: "AND", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseUnary() (Expression, error) {
	if p.done() {
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrInvalidExpression)
	}

	if p.keyword("NOT", "!") {
		p.next()

		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return &not{inner: inner}, nil
	}

	if p.peek().kind == tokLParen {
		p.next()

		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if p.done() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrInvalidExpression)
		}

		p.next()

		return inner, nil
	}

	return p.parseComparison()
}

var comparisonOps = map[string]string{
	"==": "==", "!=": "!=", ">": ">", ">=": ">=", "<": "<", "<=": "<=",
	"contains": "contains", "matches": "matches", "in": "in",
}

func (p *parser) parseComparison() (Expression, error) {
	t := p.next()
	if t.kind != tokIdent || isReserved(t.text) {
		return nil, fmt.Errorf("%w: expected field path at position %d, got %q", ErrInvalidExpression, t.pos, t.text)
	}

	if p.done() {
		return &truthy{path: t.text}, nil
	}

	opTok := p.peek()

	op, ok := comparisonOps[strings.ToLower(opTok.text)]
	if !ok || (opTok.kind != tokOp && opTok.kind != tokIdent) {
		return &truthy{path: t.text}, nil
	}

	p.next()

	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}

	cmp := &comparison{path: t.text, op: op, value: value}

	if op == "matches" {
		pattern := ToString(value)

		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid pattern %q: %v", ErrInvalidExpression, pattern, err)
		}

		cmp.re = re
	}

	return cmp, nil
}

func isReserved(word string) bool {
	switch strings.ToUpper(word) {
	case "AND", "OR", "NOT", "CONTAINS", "MATCHES", "IN":
		return true
	}

	return false
}

func (p *parser) parseLiteral() (any, error) {
	if p.done() {
		return nil, fmt.Errorf("%w: expected value", ErrInvalidExpression)
	}

	t := p.next()

	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrInvalidExpression, t.text)
		}

		return f, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil":
			return nil, nil
		}

		return t.text, nil
	case tokLBracket:
		list := []any{}

		for {
			if p.done() {
				return nil, fmt.Errorf("%w: unterminated list", ErrInvalidExpression)
			}

			if p.peek().kind == tokRBracket {
				p.next()

				return list, nil
			}

			item, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}

			list = append(list, item)

			if !p.done() && p.peek().kind == tokComma {
				p.next()
			}
		}
	default:
		return nil, fmt.Errorf("%w: unexpected %q at position %d", ErrInvalidExpression, t.text, t.pos)
	}
}

type logical struct {
	op          string
	left, right Expression
}

func (l *logical) Eval(data map[string]any) (bool, error) {
	lv, err := l.left.Eval(data)
	if err != nil {
		return false, err
	}

	if l.op == "AND" && !lv {
		return false, nil
	}

	if l.op == "OR" && lv {
		return true, nil
	}

	return l.right.Eval(data)
}

func (l *logical) String() string {
	return "(" + l.left.String() + " " + l.op + " " + l.right.String() + ")"
}

type not struct{ inner Expression }

func (n *not) Eval(data map[string]any) (bool, error) {
	v, err := n.inner.Eval(data)

	return !v, err
}

func (n *not) String() string { return "NOT " + n.inner.String() }

type truthy struct{ path string }

func (t *truthy) Eval(data map[string]any) (bool, error) {
	v, ok := Lookup(data, t.path)

	return ok && Truthy(v), nil
}

func (t *truthy) String() string { return t.path }

type comparison struct {
	path  string
	op    string
	value any
	re    *regexp.Regexp
}

func (c *comparison) Eval(data map[string]any) (bool, error) {
	actual, found := Lookup(data, c.path)

	switch c.op {
	case "==":
		return found && Equal(actual, c.value) || !found && c.value == nil, nil
	case "!=":
		if !found {
			return c.value != nil, nil
		}

		return !Equal(actual, c.value), nil
	}

	if !found {
		return false, nil
	}

	switch c.op {
	case ">", ">=", "<", "<=":
		a, okA := ToFloat(actual)
		b, okB := ToFloat(c.value)

		if !okA || !okB {
			return false, nil
		}

		switch c.op {
		case ">":
			return a > b, nil
		case ">=":
			return a >= b, nil
		case "<":
			return a < b, nil
		default:
			return a <= b, nil
		}
	case "contains":
		return contains(actual, c.value), nil
	case "matches":
		return c.re.MatchString(ToString(actual)), nil
	case "in":
		return Compare(OpIn, actual, c.value, "")
	}

	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, c.op)
}

func (c *comparison) String() string {
	return fmt.Sprintf("%s %s %v", c.path, c.op, c.value)
}
