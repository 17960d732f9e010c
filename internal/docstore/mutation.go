package docstore

import "time"

type mutationKind int

const (
	mutSet mutationKind = iota
	mutArrayUnion
	mutArrayRemove
	mutIncrement
	mutServerTimestamp
	mutDeleteField
)

// Mutation is a single field-level change applied atomically with the others
// passed to the same Update call.
type Mutation struct {
	Field  string
	kind   mutationKind
	value  any
	values []any
}

// Set replaces Field with value.
func Set(field string, value any) Mutation {
	return Mutation{Field: field, kind: mutSet, value: value}
}

// ArrayUnion adds each value to the array Field unless already present.
func ArrayUnion(field string, values ...any) Mutation {
	return Mutation{Field: field, kind: mutArrayUnion, values: values}
}

// ArrayRemove removes every occurrence of each value from the array Field.
func ArrayRemove(field string, values ...any) Mutation {
	return Mutation{Field: field, kind: mutArrayRemove, values: values}
}

// Increment adds delta to the numeric Field, treating a missing field as zero.
func Increment(field string, delta int64) Mutation {
	return Mutation{Field: field, kind: mutIncrement, value: delta}
}

// SetServerTimestamp sets Field to the store's current time.
func SetServerTimestamp(field string) Mutation {
	return Mutation{Field: field, kind: mutServerTimestamp}
}

// DeleteField removes Field from the document.
func DeleteField(field string) Mutation {
	return Mutation{Field: field, kind: mutDeleteField}
}

type serverTimestamp struct{}

// ServerTimestamp may be used as a value in Create and Put data; the store
// replaces it with its current time.
var ServerTimestamp any = serverTimestamp{}

func resolveTimestamps(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

// UpdateOption adds a precondition to Update.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	version    *int64
	conditions []Filter
}

// IfVersion makes the update fail with ErrConflict unless the document is at version v.
func IfVersion(v int64) UpdateOption {
	return func(o *updateOptions) { o.version = &v }
}

// IfMatch makes the update fail with ErrConflict unless the document satisfies f.
func IfMatch(f Filter) UpdateOption {
	return func(o *updateOptions) { o.conditions = append(o.conditions, f) }
}

func collectOptions(opts []UpdateOption) updateOptions {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o updateOptions) hasPreconditions() bool {
	return o.version != nil || len(o.conditions) > 0
}
