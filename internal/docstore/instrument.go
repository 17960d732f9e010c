package docstore

import (
	"context"
	"errors"
	"time"

	"plaza/internal/observability"
)

// Instrument wraps s so every call is traced, timed into the store latency
// histogram and bounded by timeout when the caller set no deadline. The
// returned Store still implements Transactor when s does.
func Instrument(s Store, timeout time.Duration) Store {
	base := &instrumented{inner: s, timeout: timeout}
	if t, ok := s.(Transactor); ok {
		return &instrumentedTransactor{instrumented: base, tx: t}
	}
	return base
}

type instrumented struct {
	inner   Store
	timeout time.Duration
}

func (s *instrumented) begin(ctx context.Context, op, collection string) (context.Context, func(error)) {
	start := time.Now()
	span, ctx := observability.StartStoreSpan(ctx, op, collection)
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func(err error) {
		cancel()
		observability.ObserveStore(op, collection, start, err)
		span.SetError(err)
		span.End()
	}
}

func (s *instrumented) Get(ctx context.Context, collection, id string) (doc *Document, err error) {
	ctx, done := s.begin(ctx, "get", collection)
	defer func() { done(unexpected(err)) }()
	return s.inner.Get(ctx, collection, id)
}

func (s *instrumented) Create(ctx context.Context, collection, id string, data map[string]any) (err error) {
	ctx, done := s.begin(ctx, "create", collection)
	defer func() { done(unexpected(err)) }()
	return s.inner.Create(ctx, collection, id, data)
}

func (s *instrumented) Put(ctx context.Context, collection, id string, data map[string]any) (err error) {
	ctx, done := s.begin(ctx, "put", collection)
	defer func() { done(unexpected(err)) }()
	return s.inner.Put(ctx, collection, id, data)
}

func (s *instrumented) Update(ctx context.Context, collection, id string, mutations []Mutation, opts ...UpdateOption) (err error) {
	ctx, done := s.begin(ctx, "update", collection)
	defer func() { done(unexpected(err)) }()
	return s.inner.Update(ctx, collection, id, mutations, opts...)
}

func (s *instrumented) Delete(ctx context.Context, collection, id string) (err error) {
	ctx, done := s.begin(ctx, "delete", collection)
	defer func() { done(unexpected(err)) }()
	return s.inner.Delete(ctx, collection, id)
}

func (s *instrumented) Query(ctx context.Context, q Query) (docs []Document, err error) {
	ctx, done := s.begin(ctx, "query", q.Collection)
	defer func() { done(unexpected(err)) }()
	return s.inner.Query(ctx, q)
}

// Subscribe is not bounded by the call timeout; the stream lives as long as ctx.
func (s *instrumented) Subscribe(ctx context.Context, q Query) (<-chan Snapshot, error) {
	start := time.Now()
	ch, err := s.inner.Subscribe(ctx, q)
	observability.ObserveStore("subscribe", q.Collection, start, err)
	return ch, err
}

func (s *instrumented) Limits() Limits { return s.inner.Limits() }

func (s *instrumented) Close(ctx context.Context) error { return s.inner.Close(ctx) }

type instrumentedTransactor struct {
	*instrumented
	tx Transactor
}

func (s *instrumentedTransactor) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	ctx, done := s.begin(ctx, "transaction", "*")
	defer func() { done(unexpected(err)) }()
	return s.tx.RunTransaction(ctx, fn)
}

// unexpected filters out the sentinel outcomes callers branch on, so spans
// and the error label only reflect genuine failures.
func unexpected(err error) error {
	switch {
	case err == nil:
		return nil
	case isOneOf(err, ErrNotFound, ErrAlreadyExists, ErrConflict):
		return nil
	}
	return err
}

func isOneOf(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
