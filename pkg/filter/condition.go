// Package filter evaluates configuration filter conditions against entity attributes.
package filter

import (
	"errors"
	"fmt"
	"strings"
)

// Define static errors
var (
	// ErrUnknownOperator is returned when a condition uses an unsupported operator
	ErrUnknownOperator = errors.New("unknown filter operator")
	// ErrFieldRequired is returned when a condition has no field
	ErrFieldRequired = errors.New("filter condition field is required")
)

// Condition is a single field/operator/value predicate. Conditions on the same
// configuration are combined with AND semantics.
type Condition struct {
	Field       string `yaml:"field" json:"field"`
	Operator    string `yaml:"operator" json:"operator"`
	Value       any    `yaml:"value" json:"value"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Supported condition operators
const (
	OpEqual        = "eq"
	OpNotEqual     = "neq"
	OpGreater      = "gt"
	OpGreaterEqual = "gte"
	OpLess         = "lt"
	OpLessEqual    = "lte"
	OpIn           = "in"
	OpNotIn        = "not_in"
	OpContains     = "contains"
)

// Validate checks that the condition can be compiled.
func (c Condition) Validate() error {
	if c.Field == "" {
		return ErrFieldRequired
	}

	switch c.Operator {
	case OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpIn, OpNotIn, OpContains:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
	}
}

// expression renders the condition as a CEL expression over the "attrs" map.
func (c Condition) expression() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	field := fmt.Sprintf("attrs[%q]", c.Field)
	value, err := renderValue(c.Value)
	if err != nil {
		return "", err
	}

	switch c.Operator {
	case OpEqual:
		return fmt.Sprintf("%s == %s", field, value), nil
	case OpNotEqual:
		return fmt.Sprintf("%s != %s", field, value), nil
	case OpGreater:
		return fmt.Sprintf("%s > %s", field, value), nil
	case OpGreaterEqual:
		return fmt.Sprintf("%s >= %s", field, value), nil
	case OpLess:
		return fmt.Sprintf("%s < %s", field, value), nil
	case OpLessEqual:
		return fmt.Sprintf("%s <= %s", field, value), nil
	case OpIn:
		return fmt.Sprintf("%s in %s", field, value), nil
	case OpNotIn:
		return fmt.Sprintf("!(%s in %s)", field, value), nil
	case OpContains:
		return fmt.Sprintf("%s in %s", value, field), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
	}
}

// renderValue converts a condition value to CEL literal syntax.
func renderValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return fmt.Sprintf("%q", val), nil
	case bool:
		return fmt.Sprintf("%t", val), nil
	case int:
		return fmt.Sprintf("%d.0", val), nil
	case int32:
		return fmt.Sprintf("%d.0", val), nil
	case int64:
		return fmt.Sprintf("%d.0", val), nil
	case float32:
		return fmt.Sprintf("%g", float64(val)), nil
	case float64:
		return fmt.Sprintf("%g", val), nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			rendered, err := renderValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, rendered)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	default:
		return "", fmt.Errorf("unsupported filter value type %T", v)
	}
}
