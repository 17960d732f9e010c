package docstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for development, single-node
// deployments and tests. All mutations are atomic under one lock and it
// supports transactions and live queries.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*record
	limits      Limits
	now         func() time.Time
	subs        map[uint64]*subscription
	nextSubID   uint64
	closed      bool
}

type record struct {
	data    map[string]any
	version int64
}

func (r *record) document(id string) Document {
	return Document{ID: id, Data: cloneMap(r.data), Version: r.version}
}

type subscription struct {
	query Query
	ch    chan Snapshot
	done  chan struct{}
}

// deliver replaces any snapshot the consumer has not read yet.
func (s *subscription) deliver(snap Snapshot) {
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxInFilter sets the largest accepted in-filter. Zero disables the cap.
func WithMaxInFilter(n int) MemoryOption {
	return func(s *MemoryStore) { s.limits.MaxInFilter = n }
}

// WithClock overrides the time source used for server timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		collections: make(map[string]map[string]*record),
		limits:      Limits{MaxInFilter: DefaultMaxInFilter},
		now:         time.Now,
		subs:        make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Limits() Limits { return s.limits }

func (s *MemoryStore) collection(name string) map[string]*record {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]*record)
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) timestamp() time.Time {
	return s.now().UTC()
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	doc := rec.document(id)
	return &doc, nil
}

func (s *MemoryStore) Create(ctx context.Context, collection, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c := s.collection(collection)
	if _, exists := c[id]; exists {
		return ErrAlreadyExists
	}
	c[id] = &record{data: normalizeMap(resolveTimestamps(data, s.timestamp())), version: 1}
	s.notify(collection)
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, collection, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c := s.collection(collection)
	version := int64(1)
	if prev, ok := c[id]; ok {
		version = prev.version + 1
	}
	c[id] = &record{data: normalizeMap(resolveTimestamps(data, s.timestamp())), version: version}
	s.notify(collection)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, mutations []Mutation, opts ...UpdateOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec, ok := s.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	next, err := s.mutate(id, rec, mutations, collectOptions(opts))
	if err != nil {
		return err
	}
	s.collections[collection][id] = next
	s.notify(collection)
	return nil
}

// mutate returns the record that results from applying mutations to rec,
// leaving rec untouched.
func (s *MemoryStore) mutate(id string, rec *record, mutations []Mutation, o updateOptions) (*record, error) {
	if o.version != nil && *o.version != rec.version {
		return nil, ErrConflict
	}
	for _, cond := range o.conditions {
		if !matches(id, rec.data, cond) {
			return nil, ErrConflict
		}
	}
	data := cloneMap(rec.data)
	if err := applyMutations(data, mutations, s.timestamp()); err != nil {
		return nil, err
	}
	return &record{data: data, version: rec.version + 1}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.collections[collection][id]; !ok {
		return ErrNotFound
	}
	delete(s.collections[collection], id)
	s.notify(collection)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(s.limits); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.runQuery(q), nil
}

// runQuery evaluates q. Callers hold s.mu.
func (s *MemoryStore) runQuery(q Query) []Document {
	var docs []Document
	for id, rec := range s.collections[q.Collection] {
		if !matchesAll(id, rec.data, q.Filters) || !hasOrderFields(id, rec.data, q.OrderBy) {
			continue
		}
		docs = append(docs, Document{ID: id, Data: rec.data, Version: rec.version})
	}

	slices.SortFunc(docs, func(a, b Document) int {
		return compareDocs(a, b, q.OrderBy)
	})

	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if len(q.StartAfter) > 0 && !isAfterCursor(d, q.OrderBy, q.StartAfter) {
			continue
		}
		out = append(out, Document{ID: d.ID, Data: cloneMap(d.Data), Version: d.Version})
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

func (s *MemoryStore) Subscribe(ctx context.Context, q Query) (<-chan Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(s.limits); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &subscription{query: q, ch: make(chan Snapshot, 1), done: make(chan struct{})}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub
	sub.deliver(Snapshot{Documents: s.runQuery(q)})
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}()

	return sub.ch, nil
}

// notify re-evaluates live queries on the given collections. Callers hold s.mu for writing.
func (s *MemoryStore) notify(collections ...string) {
	for _, sub := range s.subs {
		if slices.Contains(collections, sub.query.Collection) {
			sub.deliver(Snapshot{Documents: s.runQuery(sub.query)})
		}
	}
}

// RunTransaction runs fn with exclusive access to the store. fn must only use
// tx; calling methods on the store itself from inside fn deadlocks.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx := &memoryTx{store: s, staged: make(map[docKey]*record)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var touched []string
	for key, rec := range tx.staged {
		if rec == nil {
			delete(s.collection(key.collection), key.id)
		} else {
			s.collection(key.collection)[key.id] = rec
		}
		if !slices.Contains(touched, key.collection) {
			touched = append(touched, key.collection)
		}
	}
	s.notify(touched...)
	return nil
}

// Close ends all live queries and rejects further calls.
func (s *MemoryStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub.done)
		close(sub.ch)
		delete(s.subs, id)
	}
	return nil
}

type docKey struct {
	collection string
	id         string
}

// memoryTx stages writes; a nil record marks a deletion.
type memoryTx struct {
	store  *MemoryStore
	staged map[docKey]*record
}

func (t *memoryTx) lookup(collection, id string) (*record, bool) {
	if rec, ok := t.staged[docKey{collection, id}]; ok {
		return rec, rec != nil
	}
	rec, ok := t.store.collections[collection][id]
	return rec, ok
}

func (t *memoryTx) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := t.lookup(collection, id)
	if !ok {
		return nil, ErrNotFound
	}
	doc := rec.document(id)
	return &doc, nil
}

func (t *memoryTx) Create(ctx context.Context, collection, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.lookup(collection, id); ok {
		return ErrAlreadyExists
	}
	t.staged[docKey{collection, id}] = &record{
		data:    normalizeMap(resolveTimestamps(data, t.store.timestamp())),
		version: 1,
	}
	return nil
}

func (t *memoryTx) Update(ctx context.Context, collection, id string, mutations []Mutation, opts ...UpdateOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok := t.lookup(collection, id)
	if !ok {
		return ErrNotFound
	}
	next, err := t.store.mutate(id, rec, mutations, collectOptions(opts))
	if err != nil {
		return err
	}
	t.staged[docKey{collection, id}] = next
	return nil
}

func (t *memoryTx) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.lookup(collection, id); !ok {
		return ErrNotFound
	}
	t.staged[docKey{collection, id}] = nil
	return nil
}

func applyMutations(data map[string]any, mutations []Mutation, now time.Time) error {
	for _, m := range mutations {
		switch m.kind {
		case mutSet:
			if _, ok := m.value.(serverTimestamp); ok {
				data[m.Field] = now
				continue
			}
			data[m.Field] = normalize(m.value)
		case mutArrayUnion, mutArrayRemove:
			arr, err := arrayField(data, m.Field)
			if err != nil {
				return err
			}
			for _, raw := range m.values {
				v := normalize(raw)
				if m.kind == mutArrayUnion {
					if !containsValue(arr, v) {
						arr = append(arr, v)
					}
					continue
				}
				arr = slices.DeleteFunc(arr, func(e any) bool { return valuesEqual(e, v) })
			}
			data[m.Field] = arr
		case mutIncrement:
			delta := m.value.(int64)
			switch cur := data[m.Field].(type) {
			case nil:
				data[m.Field] = delta
			case int64:
				data[m.Field] = cur + delta
			case float64:
				data[m.Field] = cur + float64(delta)
			default:
				return fmt.Errorf("%w: field %q is not numeric", ErrInvalidMutation, m.Field)
			}
		case mutServerTimestamp:
			data[m.Field] = now
		case mutDeleteField:
			delete(data, m.Field)
		}
	}
	return nil
}

func arrayField(data map[string]any, field string) ([]any, error) {
	switch cur := data[field].(type) {
	case nil:
		return []any{}, nil
	case []any:
		return slices.Clone(cur), nil
	default:
		return nil, fmt.Errorf("%w: field %q is not an array", ErrInvalidMutation, field)
	}
}

func fieldValue(id string, data map[string]any, field string) (any, bool) {
	if field == DocumentID {
		return id, true
	}
	v, ok := data[field]
	return v, ok
}

func matchesAll(id string, data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matches(id, data, f) {
			return false
		}
	}
	return true
}

func matches(id string, data map[string]any, f Filter) bool {
	v, ok := fieldValue(id, data, f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEq:
		return valuesEqual(v, normalize(f.Value))
	case OpIn:
		vals, _ := normalize(f.Value).([]any)
		return containsValue(vals, v)
	case OpArrayContains:
		arr, isArr := v.([]any)
		return isArr && containsValue(arr, normalize(f.Value))
	}

	c, comparable := compareValues(v, normalize(f.Value))
	if !comparable {
		return false
	}
	switch f.Op {
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

func hasOrderFields(id string, data map[string]any, order []Order) bool {
	for _, o := range order {
		if _, ok := fieldValue(id, data, o.Field); !ok {
			return false
		}
	}
	return true
}

func compareDocs(a, b Document, order []Order) int {
	for _, o := range order {
		av, _ := fieldValue(a.ID, a.Data, o.Field)
		bv, _ := fieldValue(b.ID, b.Data, o.Field)
		c, _ := compareValues(av, bv)
		if o.Direction == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func isAfterCursor(d Document, order []Order, cursor []any) bool {
	for i, raw := range cursor {
		o := order[i]
		v, _ := fieldValue(d.ID, d.Data, o.Field)
		c, _ := compareValues(v, normalize(raw))
		if o.Direction == Desc {
			c = -c
		}
		if c != 0 {
			return c > 0
		}
	}
	return false
}
