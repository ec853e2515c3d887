package queue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/msageha/taskrouter/internal/model"
)

const (
	OpEq     = "eq"
	OpNeq    = "neq"
	OpGt     = "gt"
	OpGte    = "gte"
	OpLt     = "lt"
	OpLte    = "lte"
	OpExists = "exists"
)

var validOperators = map[string]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true, OpExists: true,
}

// ValidateExpression checks that every node sets exactly one of term, and, or.
func ValidateExpression(expr model.Expression) error {
	set := 0
	if expr.Term != nil {
		set++
	}
	if len(expr.And) > 0 {
		set++
	}
	if len(expr.Or) > 0 {
		set++
	}
	if set != 1 {
		return fmt.Errorf("expression must set exactly one of term, and, or (got %d)", set)
	}
	if expr.Term != nil {
		if expr.Term.Attribute == "" {
			return fmt.Errorf("term attribute is required")
		}
		if !validOperators[expr.Term.Operator] {
			return fmt.Errorf("unknown operator %q", expr.Term.Operator)
		}
		return nil
	}
	for _, sub := range append(expr.And, expr.Or...) {
		if err := ValidateExpression(sub); err != nil {
			return err
		}
	}
	return nil
}

// Match evaluates expr against an agent's routing attributes.
func Match(expr model.Expression, attrs map[string]string) bool {
	switch {
	case expr.Term != nil:
		return matchTerm(*expr.Term, attrs)
	case len(expr.And) > 0:
		for _, sub := range expr.And {
			if !Match(sub, attrs) {
				return false
			}
		}
		return true
	case len(expr.Or) > 0:
		for _, sub := range expr.Or {
			if Match(sub, attrs) {
				return true
			}
		}
	}
	return false
}

func matchTerm(t model.Term, attrs map[string]string) bool {
	value, exists := attrs[t.Attribute]
	switch t.Operator {
	case OpExists:
		return exists && value != ""
	case OpNeq:
		return !exists || compare(value, t.Value) != 0
	}
	if !exists {
		return false
	}
	c := compare(value, t.Value)
	switch t.Operator {
	case OpEq:
		return c == 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// compare orders numerically when both sides parse as numbers and
// case-insensitively as strings otherwise.
func compare(a, b string) int {
	af, aerr := strconv.ParseFloat(strings.TrimSpace(a), 64)
	bf, berr := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}
