package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...MemoryOption) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(opts...)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestMemoryStore_CreateGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, "users", "u1", map[string]any{"handle": "ana", "age": 30}))
	assert.ErrorIs(t, s.Create(ctx, "users", "u1", map[string]any{}), ErrAlreadyExists)

	doc, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.ID)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, "ana", doc.Data["handle"])
	assert.Equal(t, int64(30), doc.Data["age"])

	// Returned documents are copies.
	doc.Data["handle"] = "changed"
	again, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "ana", again.Data["handle"])

	require.NoError(t, s.Delete(ctx, "users", "u1"))
	_, err = s.Get(ctx, "users", "u1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "users", "u1"), ErrNotFound)
}

func TestMemoryStore_PutBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "prefs", "u1", map[string]any{"theme": "light"}))
	require.NoError(t, s.Put(ctx, "prefs", "u1", map[string]any{"theme": "dark"}))

	doc, err := s.Get(ctx, "prefs", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, "dark", doc.Data["theme"])
}

func TestMemoryStore_UpdateMutations(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return fixed }))

	require.NoError(t, s.Create(ctx, "users", "u1", map[string]any{
		"followers": []string{"a"},
		"postCount": 2,
		"bio":       "hi",
	}))

	require.NoError(t, s.Update(ctx, "users", "u1", []Mutation{
		ArrayUnion("followers", "a", "b"),
		ArrayUnion("following", "c"),
		Increment("postCount", 3),
		SetServerTimestamp("lastSeenAt"),
		DeleteField("bio"),
		Set("displayName", "Ana"),
	}))

	doc, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, doc.Data["followers"])
	assert.Equal(t, []any{"c"}, doc.Data["following"])
	assert.Equal(t, int64(5), doc.Data["postCount"])
	assert.Equal(t, fixed, doc.Data["lastSeenAt"])
	assert.Equal(t, "Ana", doc.Data["displayName"])
	assert.NotContains(t, doc.Data, "bio")
	assert.Equal(t, int64(2), doc.Version)

	require.NoError(t, s.Update(ctx, "users", "u1", []Mutation{ArrayRemove("followers", "a", "zzz")}))
	doc, err = s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, doc.Data["followers"])
}

func TestMemoryStore_UpdateErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	assert.ErrorIs(t, s.Update(ctx, "users", "missing", []Mutation{Set("x", 1)}), ErrNotFound)

	require.NoError(t, s.Create(ctx, "users", "u1", map[string]any{"bio": "text", "followers": []string{}}))
	assert.ErrorIs(t, s.Update(ctx, "users", "u1", []Mutation{ArrayUnion("bio", "x")}), ErrInvalidMutation)
	assert.ErrorIs(t, s.Update(ctx, "users", "u1", []Mutation{Increment("bio", 1)}), ErrInvalidMutation)

	// A failed update leaves the document untouched.
	doc, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
}

func TestMemoryStore_UpdatePreconditions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, "posts", "p1", map[string]any{"likes": []string{"u1"}}))

	assert.ErrorIs(t, s.Update(ctx, "posts", "p1", []Mutation{Set("x", 1)}, IfVersion(7)), ErrConflict)
	require.NoError(t, s.Update(ctx, "posts", "p1", []Mutation{Set("x", 1)}, IfVersion(1)))

	assert.ErrorIs(t,
		s.Update(ctx, "posts", "p1", []Mutation{Set("x", 2)}, IfMatch(ArrayContains("likes", "u2"))),
		ErrConflict)
	require.NoError(t,
		s.Update(ctx, "posts", "p1", []Mutation{Set("x", 2)}, IfMatch(ArrayContains("likes", "u1"))))
}

func seedPosts(t *testing.T, s *MemoryStore) {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, author := range []string{"a", "b", "a", "c", "b", "a"} {
		require.NoError(t, s.Create(context.Background(), "posts", fmt.Sprintf("p%d", i), map[string]any{
			"authorId":  author,
			"createdAt": base.Add(time.Duration(i) * time.Hour),
		}))
	}
	// Same timestamp as p5 to exercise the id tiebreak.
	require.NoError(t, s.Create(context.Background(), "posts", "p9", map[string]any{
		"authorId":  "c",
		"createdAt": base.Add(5 * time.Hour),
	}))
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestMemoryStore_QueryOrderingAndCursor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedPosts(t, s)

	q := Query{
		Collection: "posts",
		Filters:    []Filter{In("authorId", []string{"a", "c"})},
		OrderBy:    []Order{OrderDesc("createdAt"), OrderAsc(DocumentID)},
		Limit:      3,
	}
	page1, err := s.Query(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"p5", "p9", "p3"}, ids(page1))

	last := page1[len(page1)-1]
	q.StartAfter = []any{last.Data["createdAt"], last.ID}
	page2, err := s.Query(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p0"}, ids(page2))
}

func TestMemoryStore_QueryFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, "users", "u1", map[string]any{"searchName": "ana", "followers": []string{"x"}}))
	require.NoError(t, s.Create(ctx, "users", "u2", map[string]any{"searchName": "andres"}))
	require.NoError(t, s.Create(ctx, "users", "u3", map[string]any{"searchName": "bob", "followers": []string{"x"}}))

	prefix, err := s.Query(ctx, Query{
		Collection: "users",
		Filters:    []Filter{Gte("searchName", "an"), Lt("searchName", "an\uf8ff")},
		OrderBy:    []Order{OrderAsc("searchName")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids(prefix))

	followersOfX, err := s.Query(ctx, Query{
		Collection: "users",
		Filters:    []Filter{ArrayContains("followers", "x")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, ids(followersOfX))

	byID, err := s.Query(ctx, Query{
		Collection: "users",
		Filters:    []Filter{In(DocumentID, []string{"u3", "u2"})},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u3"}, ids(byID))
}

func TestMemoryStore_QueryValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithMaxInFilter(2))

	tests := []struct {
		name string
		q    Query
	}{
		{"missing collection", Query{}},
		{"in filter too large", Query{Collection: "posts", Filters: []Filter{In("authorId", []string{"a", "b", "c"})}}},
		{"empty in filter", Query{Collection: "posts", Filters: []Filter{In("authorId", []string{})}}},
		{"two in filters", Query{Collection: "posts", Filters: []Filter{
			In("authorId", []string{"a"}), In(DocumentID, []string{"p1"}),
		}}},
		{"cursor longer than order", Query{Collection: "posts", StartAfter: []any{1}}},
		{"negative limit", Query{Collection: "posts", Limit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Query(ctx, tt.q)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}
}

func TestMemoryStore_Transaction(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, "users", "a", map[string]any{}))
	require.NoError(t, s.Create(ctx, "users", "b", map[string]any{}))

	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Update(ctx, "users", "a", []Mutation{ArrayUnion("following", "b")}); err != nil {
			return err
		}
		doc, err := tx.Get(ctx, "users", "a")
		if err != nil {
			return err
		}
		assert.Equal(t, []any{"b"}, doc.Data["following"], "reads see staged writes")
		return tx.Update(ctx, "users", "b", []Mutation{ArrayUnion("followers", "a")})
	})
	require.NoError(t, err)

	a, _ := s.Get(ctx, "users", "a")
	b, _ := s.Get(ctx, "users", "b")
	assert.Equal(t, []any{"b"}, a.Data["following"])
	assert.Equal(t, []any{"a"}, b.Data["followers"])
}

func TestMemoryStore_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, "users", "a", map[string]any{}))

	boom := errors.New("boom")
	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.Update(ctx, "users", "a", []Mutation{ArrayUnion("following", "b")}))
		require.NoError(t, tx.Delete(ctx, "users", "a"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	a, err := s.Get(ctx, "users", "a")
	require.NoError(t, err)
	assert.NotContains(t, a.Data, "following")
}

func TestMemoryStore_ConcurrentArrayUnion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, "users", "target", map[string]any{}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Update(ctx, "users", "target", []Mutation{ArrayUnion("followers", fmt.Sprintf("u%d", i))})
		}(i)
	}
	wg.Wait()

	doc, err := s.Get(ctx, "users", "target")
	require.NoError(t, err)
	assert.Len(t, doc.Data["followers"], 50)
	assert.Equal(t, int64(51), doc.Version)
}

func TestMemoryStore_Subscribe(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, Query{
		Collection: "posts",
		Filters:    []Filter{Eq("authorId", "a")},
		OrderBy:    []Order{OrderDesc("createdAt")},
	})
	require.NoError(t, err)

	initial := <-ch
	require.NoError(t, initial.Err)
	assert.Empty(t, initial.Documents)

	require.NoError(t, s.Create(context.Background(), "posts", "p1", map[string]any{
		"authorId":  "a",
		"createdAt": time.Now(),
	}))

	select {
	case snap := <-ch:
		assert.Equal(t, []string{"p1"}, ids(snap.Documents))
	case <-time.After(time.Second):
		t.Fatal("expected snapshot after write")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close(ctx))

	_, err := s.Get(ctx, "users", "u1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Create(ctx, "users", "u1", nil), ErrClosed)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", ErrTransient)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsTransient(nil))
}
