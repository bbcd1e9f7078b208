package rules

import (
	"regexp"

	"github.com/firecow/gitlab-local-pipeline/pkg/api"
	"github.com/pkg/errors"
)

// Outcome is the result of evaluating a job's rules list.
type Outcome struct {
	When         string
	AllowFailure bool
	Variables    map[string]string
}

// Evaluate walks the ordered rules and returns the first matching rule's
// outcome. A rule without an `if` always matches. When no rule matches the
// job is ruled out with when=never.
func Evaluate(list []api.Rule, scope map[string]string) (Outcome, error) {
	for _, r := range list {
		matched := true
		if r.If != "" {
			var err error
			matched, err = EvaluateIf(r.If, scope)
			if err != nil {
				return Outcome{}, err
			}
		}
		if !matched {
			continue
		}
		when := r.When
		if when == "" {
			when = api.WhenOnSuccess
		}
		return Outcome{When: when, AllowFailure: r.AllowFailure, Variables: r.Variables}, nil
	}
	return Outcome{When: api.WhenNever}, nil
}

// EvaluateIf evaluates a single `if` expression under the given scope.
// The expression is parsed explicitly; no substituted text is ever handed
// to an interpreter.
func EvaluateIf(expr string, scope map[string]string) (bool, error) {
	tokens, err := lex(expr)
	if err != nil {
		return false, err
	}
	p := parser{tokens: tokens, scope: scope, expr: expr}
	res, err := p.expression()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.tokens) {
		return false, errors.Errorf("rule syntax error: trailing tokens in %q", expr)
	}
	return res, nil
}

// value is an operand: a string or null.
type value struct {
	str  string
	null bool
}

type parser struct {
	tokens []token
	pos    int
	scope  map[string]string
	expr   string
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

// expression evaluates term ((&&|'||') term)* strictly left-to-right,
// without precedence between the two junctors.
func (p *parser) expression() (bool, error) {
	res, err := p.term()
	if err != nil {
		return false, err
	}
	for {
		t, ok := p.peek()
		if !ok || (t.kind != tokenAnd && t.kind != tokenOr) {
			return res, nil
		}
		p.pos++
		rhs, err := p.term()
		if err != nil {
			return false, err
		}
		if t.kind == tokenAnd {
			res = res && rhs
		} else {
			res = res || rhs
		}
	}
}

// term is a parenthesized expression, or an operand optionally compared to
// a second operand.
func (p *parser) term() (bool, error) {
	t, ok := p.peek()
	if !ok {
		return false, errors.Errorf("rule syntax error: unexpected end of %q", p.expr)
	}
	if t.kind == tokenLParen {
		p.pos++
		res, err := p.expression()
		if err != nil {
			return false, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokenRParen {
			return false, errors.Errorf("rule syntax error: missing ')' in %q", p.expr)
		}
		p.pos++
		return res, nil
	}

	left, err := p.operand()
	if err != nil {
		return false, err
	}

	op, ok := p.peek()
	if !ok || !isComparison(op.kind) {
		// A bare operand is truthy when defined and non-empty.
		return !left.null && left.str != "", nil
	}
	p.pos++

	if op.kind == tokenMatch || op.kind == tokenNotMatch {
		re, err := p.regexOperand()
		if err != nil {
			return false, err
		}
		if left.null {
			return false, nil
		}
		matched := re.MatchString(left.str)
		if op.kind == tokenNotMatch {
			matched = !matched
		}
		return matched, nil
	}

	right, err := p.operand()
	if err != nil {
		return false, err
	}
	eq := left.null == right.null && left.str == right.str
	if op.kind == tokenNotEq {
		eq = !eq
	}
	return eq, nil
}

func (p *parser) operand() (value, error) {
	t, ok := p.peek()
	if !ok {
		return value{}, errors.Errorf("rule syntax error: missing operand in %q", p.expr)
	}
	p.pos++
	switch t.kind {
	case tokenVariable:
		if v, defined := p.scope[t.text]; defined {
			return value{str: v}, nil
		}
		return value{null: true}, nil
	case tokenString:
		return value{str: t.text}, nil
	case tokenNull:
		return value{null: true}, nil
	}
	return value{}, errors.Errorf("rule syntax error: unexpected token %q in %q", t.text, p.expr)
}

func (p *parser) regexOperand() (*regexp.Regexp, error) {
	t, ok := p.peek()
	if !ok || t.kind != tokenRegex {
		return nil, errors.Errorf("rule syntax error: =~ and !~ need a regex right-hand side in %q", p.expr)
	}
	p.pos++
	re, err := regexp.Compile(t.text)
	if err != nil {
		return nil, errors.Wrapf(err, "rule syntax error: bad regex in %q", p.expr)
	}
	return re, nil
}

func isComparison(k tokenKind) bool {
	return k == tokenEq || k == tokenNotEq || k == tokenMatch || k == tokenNotMatch
}
