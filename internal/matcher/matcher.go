package matcher

import (
	"encoding/hex"

	"github.com/hindsightlabs/hindsight/internal/frame"
)

// Matcher is an immutable compiled boolean-expression tree. It is built
// once per plugin and is safe for concurrent read-only evaluation.
// Eval does not allocate, except for Uuid comparisons, which hex-encode
// the message's identifier on every evaluation.
type Matcher struct {
	src  string
	root *node
}

// Compile parses src into an immutable Matcher tree. A compile failure
// is reported as BadMatcher; it never happens at evaluation time.
func Compile(src string) (*Matcher, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, BadMatcherAt(p.cur.pos)
	}
	return &Matcher{src: src, root: root}, nil
}

// BadMatcherAt reports trailing, unparsed input after a syntactically
// complete expression.
func BadMatcherAt(pos int) error {
	return &badMatcherError{pos: pos}
}

type badMatcherError struct{ pos int }

func (e *badMatcherError) Error() string { return "matcher: unexpected trailing input" }
func (e *badMatcherError) Unwrap() error { return BadMatcher }

// Source returns the original DSL text the matcher was compiled from.
func (m *Matcher) Source() string { return m.src }

// Eval evaluates the compiled tree against msg, short-circuiting
// left-to-right. It performs no allocation unless the tree compares the
// Uuid header, whose hex encoding is built per call.
func (m *Matcher) Eval(msg *frame.Message) bool {
	return evalNode(m.root, msg)
}

func evalNode(n *node, msg *frame.Message) bool {
	switch n.kind {
	case nodeTrue:
		return true
	case nodeFalse:
		return false
	case nodeAnd:
		return evalNode(n.left, msg) && evalNode(n.right, msg)
	case nodeOr:
		return evalNode(n.left, msg) || evalNode(n.right, msg)
	case nodeCompare:
		return evalCompare(n, msg)
	default:
		return false
	}
}

type operandKind int

const (
	operandMissing operandKind = iota
	operandString
	operandNumber
)

func evalCompare(n *node, msg *frame.Message) bool {
	kind, str, num := resolveOperand(n.ref, msg)

	if n.lit.kind == litNil {
		exists := kind != operandMissing
		if n.op == opEq {
			return !exists
		}
		return exists
	}

	if kind == operandMissing {
		return false
	}

	switch n.op {
	case opMatch, opNotMatch:
		if kind != operandString {
			return false
		}
		matched := n.lit.re.MatchString(str)
		if n.op == opNotMatch {
			return !matched
		}
		return matched
	}

	switch n.lit.kind {
	case litString:
		if kind != operandString {
			return false
		}
		return compareStrings(str, n.lit.str, n.op)
	case litNumber, litBool:
		if kind != operandNumber {
			return false
		}
		litNum := n.lit.num
		if n.lit.kind == litBool && n.lit.boolean {
			litNum = 1
		} else if n.lit.kind == litBool {
			litNum = 0
		}
		return compareNumbers(num, litNum, n.op)
	default:
		return false
	}
}

func compareStrings(a, b string, op compareOp) bool {
	switch op {
	case opEq:
		return a == b
	case opNe:
		return a != b
	case opLt:
		return a < b
	case opLe:
		return a <= b
	case opGt:
		return a > b
	case opGe:
		return a >= b
	default:
		return false
	}
}

func compareNumbers(a, b float64, op compareOp) bool {
	switch op {
	case opEq:
		return a == b
	case opNe:
		return a != b
	case opLt:
		return a < b
	case opLe:
		return a <= b
	case opGt:
		return a > b
	case opGe:
		return a >= b
	default:
		return false
	}
}

// resolveOperand reads the value a fieldRef points at out of msg.
// valueIndex selects which field instance among those sharing fieldName
// (a message can carry more than one field with the same name);
// arrayIndex then selects which value within that field's Values. Either
// index landing out of range is treated as missing, matching the
// "missing field" semantics for NIL comparisons.
func resolveOperand(ref *fieldRef, msg *frame.Message) (kind operandKind, str string, num float64) {
	if ref.header != "" {
		switch ref.header {
		case "Uuid":
			return operandString, hex.EncodeToString(msg.Uuid[:]), 0
		case "Timestamp":
			return operandNumber, "", float64(msg.Timestamp)
		case "Type":
			return operandString, msg.Type, 0
		case "Logger":
			return operandString, msg.Logger, 0
		case "Severity":
			return operandNumber, "", float64(msg.Severity)
		case "Payload":
			return operandString, msg.Payload, 0
		case "EnvVersion":
			return operandString, msg.EnvVersion, 0
		case "Pid":
			return operandNumber, "", float64(msg.Pid)
		case "Hostname":
			return operandString, msg.Hostname, 0
		default:
			return operandMissing, "", 0
		}
	}

	f, ok := msg.FieldAt(ref.fieldName, ref.valueIndex)
	if !ok || ref.arrayIndex >= len(f.Values) {
		return operandMissing, "", 0
	}
	v := f.Values[ref.arrayIndex]

	switch f.Type {
	case frame.ValueString:
		return operandString, v.Str, 0
	case frame.ValueBytes:
		return operandString, string(v.Bytes), 0
	case frame.ValueInteger:
		return operandNumber, "", float64(v.Int)
	case frame.ValueDouble:
		return operandNumber, "", v.Double
	case frame.ValueBool:
		n := 0.0
		if v.Bool {
			n = 1.0
		}
		return operandNumber, "", n
	default:
		return operandMissing, "", 0
	}
}
