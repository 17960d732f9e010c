package docstore

import (
	"fmt"
)

// DocumentID addresses the document id in filters and orderings.
const DocumentID = "__id__"

// Operator is a filter comparison.
type Operator string

const (
	OpEq            Operator = "=="
	OpIn            Operator = "in"
	OpGt            Operator = ">"
	OpGte           Operator = ">="
	OpLt            Operator = "<"
	OpLte           Operator = "<="
	OpArrayContains Operator = "array-contains"
)

// Filter restricts a query to documents whose Field satisfies Op against Value.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

func Eq(field string, value any) Filter  { return Filter{Field: field, Op: OpEq, Value: value} }
func Gt(field string, value any) Filter  { return Filter{Field: field, Op: OpGt, Value: value} }
func Gte(field string, value any) Filter { return Filter{Field: field, Op: OpGte, Value: value} }
func Lt(field string, value any) Filter  { return Filter{Field: field, Op: OpLt, Value: value} }
func Lte(field string, value any) Filter { return Filter{Field: field, Op: OpLte, Value: value} }

// ArrayContains matches documents whose array Field holds value.
func ArrayContains(field string, value any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: value}
}

// In matches documents whose Field equals one of values.
func In[T any](field string, values []T) Filter {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return Filter{Field: field, Op: OpIn, Value: vals}
}

// Direction is a sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Order is one sort key.
type Order struct {
	Field     string
	Direction Direction
}

func OrderAsc(field string) Order  { return Order{Field: field, Direction: Asc} }
func OrderDesc(field string) Order { return Order{Field: field, Direction: Desc} }

// Query selects documents from one collection. StartAfter holds cursor values
// aligned with OrderBy; results begin strictly after that position. Documents
// missing an ordered field are excluded. Ties on every key are broken by
// document id ascending.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []Order
	StartAfter []any
	Limit      int
}

// Validate checks q against the backend limits.
func (q Query) Validate(limits Limits) error {
	if q.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidQuery)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	if len(q.StartAfter) > len(q.OrderBy) {
		return fmt.Errorf("%w: cursor has %d values for %d sort keys", ErrInvalidQuery, len(q.StartAfter), len(q.OrderBy))
	}
	inFilters := 0
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("%w: filter without field", ErrInvalidQuery)
		}
		switch f.Op {
		case OpEq, OpGt, OpGte, OpLt, OpLte, OpArrayContains:
		case OpIn:
			inFilters++
			vals, ok := f.Value.([]any)
			if !ok {
				return fmt.Errorf("%w: in filter on %q needs a list", ErrInvalidQuery, f.Field)
			}
			if len(vals) == 0 {
				return fmt.Errorf("%w: in filter on %q is empty", ErrInvalidQuery, f.Field)
			}
			if limits.MaxInFilter > 0 && len(vals) > limits.MaxInFilter {
				return fmt.Errorf("%w: in filter on %q has %d values, limit is %d",
					ErrInvalidQuery, f.Field, len(vals), limits.MaxInFilter)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Op)
		}
	}
	if inFilters > 1 {
		return fmt.Errorf("%w: at most one in filter per query", ErrInvalidQuery)
	}
	return nil
}
