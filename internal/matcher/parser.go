package matcher

import (
	"errors"
	"fmt"
	"regexp"
)

// BadMatcher is the sentinel wrapped around every compile-time failure:
// malformed DSL source, an unknown header name, or an operator paired
// with an incompatible literal (e.g. NIL with <).
var BadMatcher = errors.New("matcher: bad matcher expression")

var headerNames = map[string]bool{
	"Uuid": true, "Timestamp": true, "Type": true, "Logger": true,
	"Severity": true, "Payload": true, "EnvVersion": true,
	"Pid": true, "Hostname": true,
}

type parser struct {
	lex *lexer
	cur token
}

func newParser(src string) (*parser, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	if p.cur.kind != k {
		return token{}, fmt.Errorf("%w: expected %s at position %d", BadMatcher, what, p.cur.pos)
	}
	t := p.cur
	return t, p.advance()
}

// parseExpression parses: Expression = Term ('||' Term)*
func (p *parser) parseExpression() (*node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &node{kind: nodeOr, left: left, right: right}
	}
	return left, nil
}

// parseTerm parses: Term = Test ('&&' Test)*
func (p *parser) parseTerm() (*node, error) {
	left, err := p.parseTest()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseTest()
		if err != nil {
			return nil, err
		}
		left = &node{kind: nodeAnd, left: left, right: right}
	}
	return left, nil
}

// parseTest parses: Test = comparison | '(' Expression ')' | TRUE | FALSE
func (p *parser) parseTest() (*node, error) {
	switch p.cur.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokTrue:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &node{kind: nodeTrue}, nil
	case tokFalse:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &node{kind: nodeFalse}, nil
	default:
		return p.parseComparison()
	}
}

func (p *parser) parseComparison() (*node, error) {
	ref, err := p.parseFieldRef()
	if err != nil {
		return nil, err
	}

	op, err := p.parseOperator()
	if err != nil {
		return nil, err
	}

	lit, err := p.parseLiteral(op)
	if err != nil {
		return nil, err
	}

	return &node{kind: nodeCompare, ref: ref, op: op, lit: lit}, nil
}

func (p *parser) parseFieldRef() (*fieldRef, error) {
	switch p.cur.kind {
	case tokFields:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if _, err := p.expect(tokLBracket, "'['"); err != nil {
			return nil, err
		}
		var name string
		switch p.cur.kind {
		case tokString:
			name = p.cur.text
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokIdent:
			name = p.cur.text
			if err := p.advance(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: expected a field name at position %d", BadMatcher, p.cur.pos)
		}
		if _, err := p.expect(tokRBracket, "']'"); err != nil {
			return nil, err
		}

		ref := &fieldRef{fieldName: name}

		if p.cur.kind == tokLBracket {
			idx, err := p.parseIndex()
			if err != nil {
				return nil, err
			}
			ref.valueIndex = idx
			if p.cur.kind == tokLBracket {
				idx2, err := p.parseIndex()
				if err != nil {
					return nil, err
				}
				ref.arrayIndex = idx2
			}
		}
		return ref, nil

	case tokIdent:
		if !headerNames[p.cur.text] {
			return nil, fmt.Errorf("%w: unknown header field %q at position %d", BadMatcher, p.cur.text, p.cur.pos)
		}
		ref := &fieldRef{header: p.cur.text}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ref, nil

	default:
		return nil, fmt.Errorf("%w: expected a comparison variable at position %d", BadMatcher, p.cur.pos)
	}
}

func (p *parser) parseIndex() (int, error) {
	if _, err := p.expect(tokLBracket, "'['"); err != nil {
		return 0, err
	}
	if p.cur.kind != tokNumber {
		return 0, fmt.Errorf("%w: expected an integer index at position %d", BadMatcher, p.cur.pos)
	}
	n := int(p.cur.num)
	if err := p.advance(); err != nil {
		return 0, err
	}
	if _, err := p.expect(tokRBracket, "']'"); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *parser) parseOperator() (compareOp, error) {
	var op compareOp
	switch p.cur.kind {
	case tokEq:
		op = opEq
	case tokNe:
		op = opNe
	case tokLt:
		op = opLt
	case tokLe:
		op = opLe
	case tokGt:
		op = opGt
	case tokGe:
		op = opGe
	case tokMatch:
		op = opMatch
	case tokNotMatch:
		op = opNotMatch
	default:
		return 0, fmt.Errorf("%w: expected a comparison operator at position %d", BadMatcher, p.cur.pos)
	}
	return op, p.advance()
}

func (p *parser) parseLiteral(op compareOp) (literal, error) {
	switch p.cur.kind {
	case tokString:
		s := p.cur.text
		if err := p.advance(); err != nil {
			return literal{}, err
		}
		if op == opMatch || op == opNotMatch {
			re, err := regexp.Compile(s)
			if err != nil {
				return literal{}, fmt.Errorf("%w: invalid regex %q: %v", BadMatcher, s, err)
			}
			return literal{kind: litString, str: s, re: re}, nil
		}
		return literal{kind: litString, str: s}, nil
	case tokNumber:
		n := p.cur.num
		if err := p.advance(); err != nil {
			return literal{}, err
		}
		if op == opMatch || op == opNotMatch {
			return literal{}, fmt.Errorf("%w: regex operators require a string literal", BadMatcher)
		}
		return literal{kind: litNumber, num: n}, nil
	case tokTrue, tokFalse:
		b := p.cur.kind == tokTrue
		if err := p.advance(); err != nil {
			return literal{}, err
		}
		if op == opMatch || op == opNotMatch {
			return literal{}, fmt.Errorf("%w: regex operators require a string literal", BadMatcher)
		}
		return literal{kind: litBool, boolean: b}, nil
	case tokNil:
		if err := p.advance(); err != nil {
			return literal{}, err
		}
		if op != opEq && op != opNe {
			return literal{}, fmt.Errorf("%w: NIL is only valid with == or !=", BadMatcher)
		}
		return literal{kind: litNil}, nil
	default:
		return literal{}, fmt.Errorf("%w: expected a literal at position %d", BadMatcher, p.cur.pos)
	}
}
