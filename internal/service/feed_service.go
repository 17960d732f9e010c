package service

import (
	"container/heap"
	"context"
	"slices"
	"sync"

	"plaza/internal/models"
	"plaza/internal/observability"
	"plaza/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// maxParallelBatches bounds concurrent author-batch queries per feed request.
const maxParallelBatches = 8

// FeedSnapshot is one emission of a live feed: the merged newest posts, or a
// terminal error after which the channel is closed.
type FeedSnapshot struct {
	Posts []models.Post `json:"posts"`
	Err   error         `json:"-"`
}

// FeedService composes post feeds by querying authors at read time.
type FeedService struct {
	users repository.UserRepository
	posts repository.PostRepository
	retry RetryPolicy
}

// NewFeedService returns a new FeedService.
func NewFeedService(users repository.UserRepository, posts repository.PostRepository, retry RetryPolicy) *FeedService {
	return &FeedService{users: users, posts: posts, retry: retry}
}

// ComposeForYou returns every post, newest first.
func (s *FeedService) ComposeForYou(ctx context.Context, limit int, cursor string) (*models.Page[models.Post], error) {
	span, ctx := observability.StartServiceSpan(ctx, "feed", "ComposeForYou")
	defer span.End()

	limit = clampLimit(limit)
	after, err := decodeTimeCursor(cursor)
	if err != nil {
		return nil, err
	}
	listing, err := retryValue(ctx, s.retry, func(ctx context.Context) (repository.Listing[models.Post, repository.Cursor], error) {
		return s.posts.ListRecent(ctx, limit, after)
	})
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	observability.FeedQueries.WithLabelValues("for_you").Observe(1)
	return listingPage(listing, limit), nil
}

// ComposeFollowing returns posts by the users userID follows and by userID,
// newest first. The author set is queried in batches that fit the store's
// in-filter limit and the batches are merged, so no followed author is dropped.
func (s *FeedService) ComposeFollowing(ctx context.Context, userID string, limit int, cursor string) (*models.Page[models.Post], error) {
	span, ctx := observability.StartServiceSpan(ctx, "feed", "ComposeFollowing", attribute.String("user.id", userID))
	defer span.End()

	limit = clampLimit(limit)
	after, err := decodeTimeCursor(cursor)
	if err != nil {
		return nil, err
	}

	user, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetFresh(ctx, userID)
	})
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	batches := s.authorBatches(user)
	span.AddAttributes(attribute.Int("feed.batches", len(batches)))

	results := make([]repository.Listing[models.Post, repository.Cursor], len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelBatches)
	for i, batch := range batches {
		g.Go(func() error {
			listing, err := retryValue(gctx, s.retry, func(ctx context.Context) (repository.Listing[models.Post, repository.Cursor], error) {
				return s.posts.ListByAuthors(ctx, batch, limit, after)
			})
			if err != nil {
				return err
			}
			results[i] = listing
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetError(err)
		return nil, err
	}

	observability.FeedQueries.WithLabelValues("following").Observe(float64(len(batches)))
	return mergeListings(results, limit), nil
}

// mergeListings merges batch listings into one page. A batch that filled its
// page may hold unread posts past its last returned document, so nothing
// after the earliest such position is emitted and the cursor never skips it.
func mergeListings(results []repository.Listing[models.Post, repository.Cursor], limit int) *models.Page[models.Post] {
	var horizon *repository.Cursor
	lists := make([][]models.Post, len(results))
	for i, l := range results {
		lists[i] = l.Items
		if l.More(limit) && (horizon == nil || positionBefore(l.Last, horizon)) {
			horizon = l.Last
		}
	}

	posts := mergePosts(lists, limit)
	if horizon != nil {
		if cut := slices.IndexFunc(posts, func(p models.Post) bool { return sortsAfter(&p, horizon) }); cut >= 0 {
			posts = posts[:cut]
		}
	}

	page := postPage(posts, limit)
	if page.NextCursor == "" && horizon != nil {
		page.NextCursor = encodeTimeCursor(horizon.CreatedAt, horizon.ID)
	}
	return page
}

// WatchFollowing streams the following feed. Each author batch gets its own
// store subscription; every change re-emits the merged result once all
// batches have reported. The channel closes when ctx ends or a
// subscription fails.
func (s *FeedService) WatchFollowing(ctx context.Context, userID string, limit int) (<-chan FeedSnapshot, error) {
	limit = clampLimit(limit)
	user, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetFresh(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	batches := s.authorBatches(user)

	ctx, cancel := context.WithCancel(ctx)

	type update struct {
		batch int
		snap  repository.PostSnapshot
	}
	updates := make(chan update)
	var wg sync.WaitGroup
	for i, batch := range batches {
		snaps, err := s.posts.WatchByAuthors(ctx, batch, limit)
		if err != nil {
			cancel()
			wg.Wait()
			return nil, unavailable(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for snap := range snaps {
				select {
				case updates <- update{batch: i, snap: snap}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(updates)
	}()

	out := make(chan FeedSnapshot, 1)
	go func() {
		defer close(out)
		defer cancel()

		latest := make([][]models.Post, len(batches))
		reported := make([]bool, len(batches))
		waiting := len(batches)
		for u := range updates {
			if u.snap.Err != nil {
				select {
				case out <- FeedSnapshot{Err: unavailable(u.snap.Err)}:
				case <-ctx.Done():
				}
				return
			}
			latest[u.batch] = u.snap.Posts
			if !reported[u.batch] {
				reported[u.batch] = true
				waiting--
			}
			if waiting > 0 {
				continue
			}
			select {
			case out <- FeedSnapshot{Posts: mergePosts(latest, limit)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ComposeFavorites returns the posts userID marked as favorite, newest first.
// Deleted posts drop out silently.
func (s *FeedService) ComposeFavorites(ctx context.Context, userID string, limit int, cursor string) (*models.Page[models.Post], error) {
	span, ctx := observability.StartServiceSpan(ctx, "feed", "ComposeFavorites", attribute.String("user.id", userID))
	defer span.End()

	limit = clampLimit(limit)
	after, err := decodeTimeCursor(cursor)
	if err != nil {
		return nil, err
	}

	user, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetFresh(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	posts, err := retryValue(ctx, s.retry, func(ctx context.Context) ([]models.Post, error) {
		return s.posts.GetMany(ctx, user.Favorites)
	})
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	if after != nil {
		posts = slices.DeleteFunc(posts, func(p models.Post) bool { return !sortsAfter(&p, after) })
	}
	if len(posts) > limit {
		posts = posts[:limit]
	}
	observability.FeedQueries.WithLabelValues("favorites").Observe(float64(len(chunkIDs(user.Favorites, s.posts.MaxInFilter()))))
	return postPage(posts, limit), nil
}

// ListByAuthor returns authorID's posts, newest first.
func (s *FeedService) ListByAuthor(ctx context.Context, authorID string, limit int, cursor string) (*models.Page[models.Post], error) {
	limit = clampLimit(limit)
	after, err := decodeTimeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if _, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetByID(ctx, authorID)
	}); err != nil {
		return nil, err
	}
	listing, err := retryValue(ctx, s.retry, func(ctx context.Context) (repository.Listing[models.Post, repository.Cursor], error) {
		return s.posts.ListByAuthors(ctx, []string{authorID}, limit, after)
	})
	if err != nil {
		return nil, err
	}
	return listingPage(listing, limit), nil
}

// authorBatches returns following ∪ {user} split to the store's in-filter limit.
func (s *FeedService) authorBatches(user *models.User) [][]string {
	authors := make([]string, 0, len(user.Following)+1)
	seen := make(map[string]bool, len(user.Following)+1)
	for _, id := range append([]string{user.ID}, user.Following...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		authors = append(authors, id)
	}
	return chunkIDs(authors, s.posts.MaxInFilter())
}

func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	return slices.Collect(slices.Chunk(ids, size))
}

// sortsAfter reports whether p comes after the cursor position in feed order.
func sortsAfter(p *models.Post, c *repository.Cursor) bool {
	return positionBefore(c, &repository.Cursor{CreatedAt: p.CreatedAt, ID: p.ID})
}

// positionBefore reports whether a comes before b in feed order.
func positionBefore(a, b *repository.Cursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// mergePosts k-way merges lists that are each already in feed order,
// dropping duplicates, and stops after limit posts.
func mergePosts(lists [][]models.Post, limit int) []models.Post {
	h := &mergeHeap{lists: lists}
	for i, list := range lists {
		if len(list) > 0 {
			h.heads = append(h.heads, head{list: i})
		}
	}
	heap.Init(h)

	out := make([]models.Post, 0, limit)
	seen := make(map[string]bool)
	for h.Len() > 0 && len(out) < limit {
		top := h.heads[0]
		p := lists[top.list][top.pos]
		if !seen[p.ID] {
			seen[p.ID] = true
			out = append(out, p)
		}
		if top.pos+1 < len(lists[top.list]) {
			h.heads[0].pos++
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
	}
	return out
}

// head is the next unconsumed position in one list.
type head struct {
	list int
	pos  int
}

type mergeHeap struct {
	lists [][]models.Post
	heads []head
}

func (h *mergeHeap) Len() int { return len(h.heads) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.heads[i], h.heads[j]
	return h.lists[a.list][a.pos].Before(&h.lists[b.list][b.pos])
}

func (h *mergeHeap) Swap(i, j int) { h.heads[i], h.heads[j] = h.heads[j], h.heads[i] }

func (h *mergeHeap) Push(x any) { h.heads = append(h.heads, x.(head)) }

func (h *mergeHeap) Pop() any {
	old := h.heads
	n := len(old)
	item := old[n-1]
	h.heads = old[:n-1]
	return item
}
