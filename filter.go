package mzdex

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mzdex/mzdex/spectrum"
)

// Op is a comparison operator in a query filter.
type Op uint8

// Comparison operators supported by Query.
const (
	OpEqual Op = iota + 1
	OpNotEqual
	OpGreaterThan
	OpGreaterEqual
	OpLessThan
	OpLessEqual
)

// Queryable scalar field names. Peak arrays are never queryable.
const (
	FieldID                 = "id"
	FieldPrecursorMZ        = "precursor_mz"
	FieldPrecursorIntensity = "precursor_intensity"
	FieldCharge             = "charge"
	FieldRetentionTime      = "retention_time"
)

// Filter is a single comparison over one scalar metadata field. A Query takes
// a conjunction of filters: a record matches when every filter matches.
type Filter struct {
	Field string
	Op    Op
	// Value is the comparison operand: a string for FieldID, a numeric value
	// (int or float64) for the other fields.
	Value interface{}
}

// Eq returns an equality filter on field.
func Eq(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

// Gt returns a greater-than filter on field.
func Gt(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpGreaterThan, Value: value}
}

// Lt returns a less-than filter on field.
func Lt(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpLessThan, Value: value}
}

// Validate checks that the filter names a queryable field, uses a known
// operator and carries an operand of the right type.
func (f Filter) Validate() error {
	if f.Op < OpEqual || f.Op > OpLessEqual {
		return errors.Errorf("unknown operator in filter on %q", f.Field)
	}

	switch f.Field {
	case FieldID:
		if _, ok := f.Value.(string); !ok {
			return errors.Errorf("filter on %q requires a string operand", f.Field)
		}
	case FieldPrecursorMZ, FieldPrecursorIntensity, FieldCharge, FieldRetentionTime:
		if _, ok := toFloat(f.Value); !ok {
			return errors.Errorf("filter on %q requires a numeric operand", f.Field)
		}
	default:
		return errors.Errorf("field %q is not queryable", f.Field)
	}

	return nil
}

// Matches reports whether the record satisfies the filter. The filter must
// have been validated first; an unvalidated filter matches nothing.
func (f Filter) Matches(r *spectrum.Record) bool {
	if f.Field == FieldID {
		want, ok := f.Value.(string)
		if !ok {
			return false
		}

		return compareStrings(r.ID, f.Op, want)
	}

	var have float64
	switch f.Field {
	case FieldPrecursorMZ:
		have = r.PrecursorMZ
	case FieldPrecursorIntensity:
		have = r.PrecursorIntensity
	case FieldCharge:
		have = float64(r.Charge)
	case FieldRetentionTime:
		have = r.RetentionTime
	default:
		return false
	}

	want, ok := toFloat(f.Value)
	if !ok {
		return false
	}

	return compareFloats(have, f.Op, want)
}

// MatchesAll reports whether the record satisfies every filter.
func MatchesAll(r *spectrum.Record, filters []Filter) bool {
	for _, f := range filters {
		if !f.Matches(r) {
			return false
		}
	}

	return true
}

// ValidateFilters validates each filter, returning the first error.
func ValidateFilters(filters []Filter) error {
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}

	return nil
}

var opTokens = map[string]Op{
	"==": OpEqual,
	"!=": OpNotEqual,
	">":  OpGreaterThan,
	">=": OpGreaterEqual,
	"<":  OpLessThan,
	"<=": OpLessEqual,
}

// ParseFilter parses a textual filter of the form "<field> <op> <value>",
// e.g. "charge == 2" or "precursor_mz > 500". The value parses as a number
// unless the field is id.
func ParseFilter(s string) (Filter, error) {
	parts := strings.Fields(s)
	if len(parts) != 3 {
		return Filter{}, errors.Errorf("could not parse filter %q: want <field> <op> <value>", s)
	}

	op, ok := opTokens[parts[1]]
	if !ok {
		return Filter{}, errors.Errorf("unknown operator %q in filter %q", parts[1], s)
	}

	f := Filter{Field: parts[0], Op: op}
	if f.Field == FieldID {
		f.Value = parts[2]
	} else {
		v, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return Filter{}, errors.Wrapf(err, "could not parse value in filter %q", s)
		}
		f.Value = v
	}

	if err := f.Validate(); err != nil {
		return Filter{}, err
	}

	return f, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func compareFloats(have float64, op Op, want float64) bool {
	switch op {
	case OpEqual:
		return have == want
	case OpNotEqual:
		return have != want
	case OpGreaterThan:
		return have > want
	case OpGreaterEqual:
		return have >= want
	case OpLessThan:
		return have < want
	case OpLessEqual:
		return have <= want
	default:
		return false
	}
}

func compareStrings(have string, op Op, want string) bool {
	switch op {
	case OpEqual:
		return have == want
	case OpNotEqual:
		return have != want
	case OpGreaterThan:
		return have > want
	case OpGreaterEqual:
		return have >= want
	case OpLessThan:
		return have < want
	case OpLessEqual:
		return have <= want
	default:
		return false
	}
}
