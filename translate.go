package hybriddb

import (
	"errors"
	"reflect"
	"strings"

	"github.com/andreyvit/hybriddb/backend"
)

// QueryPlan is the translation of a query predicate. Pushed is sent to the
// backend (nil scans the whole table); Residual, if any, is evaluated in
// process on each deserialized candidate.
type QueryPlan struct {
	Table    string
	Pushed   backend.Filter
	Residual Predicate

	residual boundNode
}

// FullyPushed reports whether the backend alone decides the result.
func (plan *QueryPlan) FullyPushed() bool {
	return plan.Residual == nil
}

func (plan *QueryPlan) String() string {
	var buf strings.Builder
	buf.WriteString("SCAN ")
	buf.WriteString(plan.Table)
	if plan.Pushed != nil {
		buf.WriteString(" WHERE ")
		buf.WriteString(plan.Pushed.String())
	}
	if plan.Residual != nil {
		buf.WriteString(" FILTER ")
		buf.WriteString(plan.Residual.String())
	}
	return buf.String()
}

// translate splits pred into the conjuncts the backend can evaluate on
// projected columns and the rest. A comparison is pushable when its path is
// projected; a conjunction or disjunction is pushable when all its terms are.
// Everything is validated before any backend access.
func translate(dt *docType, pred Predicate) (*QueryPlan, error) {
	plan := &QueryPlan{Table: dt.table}
	if pred == nil {
		return plan, nil
	}
	root, err := bind(dt, pred)
	if err != nil {
		return nil, err
	}

	var pushed []backend.Filter
	var residual boundAnd
	for _, conj := range flattenAnd(root) {
		if f, ok := conj.filter(); ok {
			pushed = append(pushed, f)
		} else {
			residual = append(residual, conj)
		}
	}

	switch len(pushed) {
	case 0:
	case 1:
		plan.Pushed = pushed[0]
	default:
		plan.Pushed = backend.And(pushed)
	}
	switch len(residual) {
	case 0:
	case 1:
		plan.residual = residual[0]
		plan.Residual = residual[0].predicate()
	default:
		plan.residual = residual
		plan.Residual = residual.predicate()
	}
	return plan, nil
}

func flattenAnd(n boundNode) []boundNode {
	and, ok := n.(boundAnd)
	if !ok {
		return []boundNode{n}
	}
	var result []boundNode
	for _, t := range and {
		result = append(result, flattenAnd(t)...)
	}
	return result
}

type boundNode interface {
	filter() (backend.Filter, bool)
	match(docVal reflect.Value) (bool, error)
	predicate() Predicate
}

// operand is a validated field access: either a projection or a plain
// field path evaluated by reflection.
type operand struct {
	path  string
	ct    backend.ColumnType
	proj  *Projection
	field *fieldPath
}

func (op *operand) value(docVal reflect.Value) (any, error) {
	if op.proj != nil {
		return op.proj.valueOf(docVal)
	}
	v, ok := op.field.value(docVal)
	if !ok {
		return nil, nil
	}
	return backend.Normalize(op.ct, v.Interface())
}

func (dt *docType) operand(path string) (*operand, error) {
	if p := dt.projByPath[path]; p != nil {
		return &operand{path: path, ct: p.Type, proj: p, field: p.field}, nil
	}
	fp, err := resolvePath(dt.typ, path)
	if err != nil {
		var pe *pathError
		if errors.As(err, &pe) && pe.isMethod {
			return nil, queryErrf(dt.typ, path, err, "method calls cannot be translated")
		}
		return nil, queryErrf(dt.typ, path, err, "unknown path")
	}
	ct := scalarColumnType(fp.leaf)
	if ct == 0 {
		return nil, queryErrf(dt.typ, path, nil, "cannot compare non-scalar %v", fp.leaf)
	}
	return &operand{path: path, ct: ct, field: fp}, nil
}

func bind(dt *docType, pred Predicate) (boundNode, error) {
	switch pred := pred.(type) {
	case Comparison:
		if !pred.Op.Valid() {
			return nil, queryErrf(dt.typ, pred.Path, nil, "invalid operator %v", pred.Op)
		}
		op, err := dt.operand(pred.Path)
		if err != nil {
			return nil, err
		}
		v, err := backend.Normalize(op.ct, pred.Value)
		if err != nil {
			return nil, queryErrf(dt.typ, pred.Path, err, "invalid literal")
		}
		if v == nil {
			return nil, queryErrf(dt.typ, pred.Path, nil, "cannot compare with nil")
		}
		return &boundCmp{op: op, cmp: pred.Op, value: v}, nil
	case Conjunction:
		result := make(boundAnd, 0, len(pred))
		for _, t := range pred {
			b, err := bind(dt, t)
			if err != nil {
				return nil, err
			}
			result = append(result, b)
		}
		return result, nil
	case Disjunction:
		result := make(boundOr, 0, len(pred))
		for _, t := range pred {
			b, err := bind(dt, t)
			if err != nil {
				return nil, err
			}
			result = append(result, b)
		}
		return result, nil
	case nil:
		return nil, queryErrf(dt.typ, "", nil, "nil predicate")
	default:
		return nil, queryErrf(dt.typ, "", nil, "unsupported predicate %T", pred)
	}
}

type boundCmp struct {
	op    *operand
	cmp   backend.Op
	value any
}

func (b *boundCmp) filter() (backend.Filter, bool) {
	if b.op.proj == nil {
		return nil, false
	}
	return backend.Cond{Column: b.op.proj.Column, Op: b.cmp, Value: b.value}, true
}

// match uses the same NULL semantics as the backends: no comparison with
// NULL holds.
func (b *boundCmp) match(docVal reflect.Value) (bool, error) {
	v, err := b.op.value(docVal)
	if err != nil {
		return false, err
	}
	c, ok := backend.CompareValues(v, b.value)
	return ok && b.cmp.Holds(c), nil
}

func (b *boundCmp) predicate() Predicate {
	return Comparison{Path: b.op.path, Op: b.cmp, Value: b.value}
}

type boundAnd []boundNode

func (b boundAnd) filter() (backend.Filter, bool) {
	result := make(backend.And, 0, len(b))
	for _, t := range b {
		f, ok := t.filter()
		if !ok {
			return nil, false
		}
		result = append(result, f)
	}
	return result, true
}

func (b boundAnd) match(docVal reflect.Value) (bool, error) {
	for _, t := range b {
		ok, err := t.match(docVal)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (b boundAnd) predicate() Predicate {
	result := make(Conjunction, len(b))
	for i, t := range b {
		result[i] = t.predicate()
	}
	return result
}

type boundOr []boundNode

func (b boundOr) filter() (backend.Filter, bool) {
	result := make(backend.Or, 0, len(b))
	for _, t := range b {
		f, ok := t.filter()
		if !ok {
			return nil, false
		}
		result = append(result, f)
	}
	return result, true
}

func (b boundOr) match(docVal reflect.Value) (bool, error) {
	for _, t := range b {
		ok, err := t.match(docVal)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (b boundOr) predicate() Predicate {
	result := make(Disjunction, len(b))
	for i, t := range b {
		result[i] = t.predicate()
	}
	return result
}
