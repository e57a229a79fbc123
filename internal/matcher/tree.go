package matcher

import "regexp"

type nodeKind int

const (
	nodeAnd nodeKind = iota
	nodeOr
	nodeTrue
	nodeFalse
	nodeCompare
)

type compareOp int

const (
	opEq compareOp = iota
	opNe
	opLt
	opLe
	opGt
	opGe
	opMatch
	opNotMatch
)

// fieldRef identifies which message value a comparison reads: either a
// fixed header, or Fields[name][valueIndex][arrayIndex] (both indices
// default to 0, per the grammar).
type fieldRef struct {
	header     string // one of Uuid/Timestamp/Type/Logger/Severity/Payload/EnvVersion/Pid/Hostname, or "" for a Fields ref
	fieldName  string
	valueIndex int
	arrayIndex int
}

// literal is the right-hand side of a comparison. Exactly one of the
// typed fields is meaningful, selected by kind.
type literal struct {
	kind    literalKind
	str     string
	num     float64
	boolean bool
	re      *regexp.Regexp
}

type literalKind int

const (
	litString literalKind = iota
	litNumber
	litBool
	litNil
)

// node is one element of the immutable tree built once per plugin by
// Compile. Interior nodes (nodeAnd/nodeOr) have Left/Right children;
// leaves (nodeCompare, nodeTrue, nodeFalse) do not.
type node struct {
	kind  nodeKind
	left  *node
	right *node

	ref *fieldRef
	op  compareOp
	lit literal
}
