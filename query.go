package hybriddb

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/andreyvit/hybriddb/backend"
)

// Predicate is a condition over document field paths. Build one with Eq,
// Ne, Lt, Le, Gt, Ge, And and Or.
type Predicate interface {
	String() string
	isPredicate()
}

// Comparison compares the value at a dotted field path with a literal.
type Comparison struct {
	Path  string
	Op    backend.Op
	Value any
}

// Conjunction holds when all its terms hold. An empty one always holds.
type Conjunction []Predicate

// Disjunction holds when any of its terms holds. An empty one never holds.
type Disjunction []Predicate

func (Comparison) isPredicate()  {}
func (Conjunction) isPredicate() {}
func (Disjunction) isPredicate() {}

func Eq(path string, value any) Predicate { return Comparison{path, backend.Eq, value} }
func Ne(path string, value any) Predicate { return Comparison{path, backend.Ne, value} }
func Lt(path string, value any) Predicate { return Comparison{path, backend.Lt, value} }
func Le(path string, value any) Predicate { return Comparison{path, backend.Le, value} }
func Gt(path string, value any) Predicate { return Comparison{path, backend.Gt, value} }
func Ge(path string, value any) Predicate { return Comparison{path, backend.Ge, value} }

func And(preds ...Predicate) Predicate { return Conjunction(preds) }
func Or(preds ...Predicate) Predicate  { return Disjunction(preds) }

func (c Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Path, c.Op, formatLiteral(c.Value))
}

func (p Conjunction) String() string { return joinPredicates(p, " AND ") }
func (p Disjunction) String() string { return joinPredicates(p, " OR ") }

func joinPredicates(terms []Predicate, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func formatLiteral(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case string:
		return fmt.Sprintf("%q", v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case []byte:
		return fmt.Sprintf("x'%x'", v)
	default:
		return fmt.Sprint(v)
	}
}

// QueryBuilder is a lazy query over documents of type T. Nothing touches the
// backend until List, First or Count. Where and Limit return a new builder.
//
// Results always reflect the backend: changes not yet saved by SaveChanges
// are invisible. Documents already tracked by the session are returned as
// the tracked instances; others start being tracked as unchanged.
type QueryBuilder[T any] struct {
	s     *Session
	preds []Predicate
	limit int
}

func Query[T any](s *Session) *QueryBuilder[T] {
	return &QueryBuilder[T]{s: s}
}

// Where adds a condition; multiple conditions are combined with And.
func (q *QueryBuilder[T]) Where(p Predicate) *QueryBuilder[T] {
	q2 := *q
	q2.preds = append(slices.Clip(q.preds), p)
	return &q2
}

// Limit caps the number of documents returned. Zero means no limit.
func (q *QueryBuilder[T]) Limit(n int) *QueryBuilder[T] {
	q2 := *q
	q2.limit = n
	return &q2
}

func (q *QueryBuilder[T]) predicate() Predicate {
	switch len(q.preds) {
	case 0:
		return nil
	case 1:
		return q.preds[0]
	default:
		return Conjunction(q.preds)
	}
}

// Explain translates the query without running it.
func (q *QueryBuilder[T]) Explain() (*QueryPlan, error) {
	if q.s.closed {
		return nil, ErrSessionClosed
	}
	dt, err := q.s.store.docTypeOf(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	return translate(dt, q.predicate())
}

func (q *QueryBuilder[T]) List(ctx context.Context) ([]*T, error) {
	var result []*T
	err := q.run(ctx, true, func(docVal reflect.Value) bool {
		result = append(result, docVal.Interface().(*T))
		return q.limit <= 0 || len(result) < q.limit
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// First returns the matching document with the smallest identifier, or nil.
func (q *QueryBuilder[T]) First(ctx context.Context) (*T, error) {
	var result *T
	err := q.run(ctx, true, func(docVal reflect.Value) bool {
		result = docVal.Interface().(*T)
		return false
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Count returns the number of matching documents without tracking them.
func (q *QueryBuilder[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := q.run(ctx, false, func(reflect.Value) bool {
		n++
		return q.limit <= 0 || n < q.limit
	})
	return n, err
}

// run yields matching documents in identifier order. Without track, docVal
// is only valid when a residual predicate forced deserialization.
func (q *QueryBuilder[T]) run(ctx context.Context, track bool, yield func(docVal reflect.Value) bool) error {
	s := q.s
	if s.closed {
		return ErrSessionClosed
	}
	store := s.store
	dt, err := store.docTypeOf(reflect.TypeFor[T]())
	if err != nil {
		return err
	}
	plan, err := translate(dt, q.predicate())
	if err != nil {
		return err
	}

	rows, err := store.be.Scan(ctx, dt.table, plan.Pushed)
	if err != nil {
		return fmt.Errorf("hybriddb: query %s: %w", dt.table, err)
	}
	store.QueryCount.Add(1)
	store.ReadCount.Add(uint64(len(rows)))
	if plan.FullyPushed() {
		store.PushedCount.Add(1)
	} else {
		store.FallbackCount.Add(1)
	}
	store.logVerbose(ctx, "hybriddb: QUERY",
		slog.String("plan", plan.String()),
		slog.Int("candidates", len(rows)))

	for _, row := range rows {
		var docVal reflect.Value
		if plan.residual != nil {
			docVal, err = dt.decode(row.Payload)
			if err != nil {
				return fmt.Errorf("hybriddb: %s/%v: %w", dt.table, row.ID, err)
			}
			if err := dt.fillID(docVal, row.ID); err != nil {
				return fmt.Errorf("hybriddb: %s/%v: %w", dt.table, row.ID, err)
			}
			ok, err := plan.residual.match(docVal)
			if err != nil {
				return fmt.Errorf("hybriddb: %s/%v: %w", dt.table, row.ID, err)
			}
			if !ok {
				store.RejectedCount.Add(1)
				continue
			}
		}

		if track {
			e := s.entries[entryKey{dt.table, row.ID}]
			if e == nil && docVal.IsValid() {
				e = s.track(dt, entryKey{dt.table, row.ID}, docVal, StatusUnchanged, row.Payload)
			} else if e == nil {
				e, err = s.trackRow(dt, row)
				if err != nil {
					return err
				}
			}
			docVal = e.doc
		}

		if !yield(docVal) {
			break
		}
	}
	return nil
}
