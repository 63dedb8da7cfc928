package backend

import (
	"fmt"
	"strings"
)

type Op int

const (
	Eq Op = iota
	Ne
	Lt
	Le
	Gt
	Ge
)

var opSymbols = [...]string{Eq: "=", Ne: "<>", Lt: "<", Le: "<=", Gt: ">", Ge: ">="}

func (op Op) String() string {
	if op >= 0 && int(op) < len(opSymbols) {
		return opSymbols[op]
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

func (op Op) Valid() bool {
	return op >= Eq && op <= Ge
}

// Holds reports whether the op is satisfied by a three-way comparison result.
func (op Op) Holds(c int) bool {
	switch op {
	case Eq:
		return c == 0
	case Ne:
		return c != 0
	case Lt:
		return c < 0
	case Le:
		return c <= 0
	case Gt:
		return c > 0
	case Ge:
		return c >= 0
	default:
		return false
	}
}

// Filter is a predicate over the projected columns of a table. A nil Filter
// matches every row.
type Filter interface {
	isFilter()
	String() string
}

// Cond compares one column to a normalized value.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

type And []Filter

type Or []Filter

func (Cond) isFilter() {}
func (And) isFilter()  {}
func (Or) isFilter()   {}

func (c Cond) String() string {
	return fmt.Sprintf("%s %s %s", c.Column, c.Op, formatValue(c.Value))
}

func (f And) String() string { return joinFilters(f, " AND ") }
func (f Or) String() string  { return joinFilters(f, " OR ") }

func joinFilters(terms []Filter, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case []byte:
		return fmt.Sprintf("x'%x'", v)
	default:
		return fmt.Sprint(v)
	}
}

// Columns returns the names of all columns the filter references.
func Columns(f Filter) []string {
	var names []string
	var walk func(f Filter)
	walk = func(f Filter) {
		switch f := f.(type) {
		case Cond:
			names = append(names, f.Column)
		case And:
			for _, t := range f {
				walk(t)
			}
		case Or:
			for _, t := range f {
				walk(t)
			}
		}
	}
	walk(f)
	return names
}

// Match evaluates the filter against a row's column values in process, with
// SQL NULL semantics: a comparison involving NULL never holds.
func Match(f Filter, cols map[string]any) bool {
	switch f := f.(type) {
	case nil:
		return true
	case Cond:
		c, ok := CompareValues(cols[f.Column], f.Value)
		return ok && f.Op.Holds(c)
	case And:
		for _, t := range f {
			if !Match(t, cols) {
				return false
			}
		}
		return true
	case Or:
		for _, t := range f {
			if Match(t, cols) {
				return true
			}
		}
		return false
	default:
		panic(fmt.Errorf("unsupported filter %T", f))
	}
}
