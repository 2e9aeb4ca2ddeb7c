package fieldvalue

import "fmt"

// Operator is one of the six comparison operators a simple-field or
// composite-primary predicate can use.
type Operator string

const (
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "="
	OpNotEqual       Operator = "!="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
)

// ParseOperator validates a caller-supplied operator string.
func ParseOperator(s string) (Operator, error) {
	switch Operator(s) {
	case OpLess, OpLessOrEqual, OpEqual, OpNotEqual, OpGreater, OpGreaterOrEqual:
		return Operator(s), nil
	default:
		return "", fmt.Errorf("fieldvalue: invalid operator %q", s)
	}
}

// Inverse returns the operator INV such that "document_value OP operand" is
// equivalent to "operand INV document_value" — i.e. the operator with sides
// swapped. This is the inversion the single-field matcher (spec §4.4) needs
// to test "does the document's value satisfy op stored_operand" by instead
// asking "does stored_operand satisfy Inverse(op) document_value", so the
// stored operand stays on the comparator's right-hand side as the engine
// requires.
func (op Operator) Inverse() Operator {
	switch op {
	case OpLess:
		return OpGreater
	case OpLessOrEqual:
		return OpGreaterOrEqual
	case OpGreater:
		return OpLess
	case OpGreaterOrEqual:
		return OpLessOrEqual
	default: // =, != are self-inverse
		return op
	}
}

// Satisfies reports whether value satisfies "value OP operand" under the
// spec's total order, including cross-representation numeric comparison
// (an integer-stored value of 3 satisfies `< 3.5`, `= 3.0`, etc.)
func Satisfies(value Value, op Operator, operand Value) bool {
	c := value.Compare(operand)
	switch op {
	case OpLess:
		return c < 0
	case OpLessOrEqual:
		return c <= 0
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpGreater:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	default:
		return false
	}
}

// OperatorPair pairs an operator with its inverse, used by the single-field
// matcher to enumerate "stored (field_name, operator)" buckets that could
// possibly be satisfied by a given document field (spec §4.4): for each of
// the six operators the document's field might need to be tested against, a
// stored subscription uses the paired operator on the other side.
var OperatorPairs = []struct{ Op, Inverse Operator }{
	{OpLess, OpGreater},
	{OpLessOrEqual, OpGreaterOrEqual},
	{OpEqual, OpEqual},
	{OpNotEqual, OpNotEqual},
	{OpGreater, OpLess},
	{OpGreaterOrEqual, OpLessOrEqual},
}
