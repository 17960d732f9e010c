package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"plaza/internal/cache"
	"plaza/internal/docstore"
	"plaza/internal/models"
)

// Cursor resumes a newest-first listing after the item with this
// creation time and id.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c *Cursor) startAfter() []any {
	if c == nil {
		return nil
	}
	return []any{c.CreatedAt, c.ID}
}

// newestFirst is the feed ordering: createdAt desc, id asc.
var newestFirst = []docstore.Order{docstore.OrderDesc("createdAt"), docstore.OrderAsc(docstore.DocumentID)}

// PostSnapshot is one emission of a live post query.
type PostSnapshot struct {
	Posts []models.Post
	Err   error
}

// Membership fields on a post.
const (
	LikesField   = "likes"
	RepostsField = "reposts"
)

// PostRepository defines persistence operations for posts.
type PostRepository interface {
	GetByID(ctx context.Context, id string) (*models.Post, error)
	GetMany(ctx context.Context, ids []string) ([]models.Post, error)
	ListRecent(ctx context.Context, limit int, after *Cursor) (Listing[models.Post, Cursor], error)
	ListByAuthors(ctx context.Context, authorIDs []string, limit int, after *Cursor) (Listing[models.Post, Cursor], error)
	WatchByAuthors(ctx context.Context, authorIDs []string, limit int) (<-chan PostSnapshot, error)
	Create(ctx context.Context, post *models.Post) error
	Delete(ctx context.Context, post *models.Post) error
	SetMembership(ctx context.Context, postID, field, userID string, add bool) error
	MaxInFilter() int
}

type postRepository struct {
	store docstore.Store
	tx    docstore.Transactor
}

// NewPostRepository returns a new PostRepository implementation.
func NewPostRepository(store docstore.Store) PostRepository {
	tx, _ := docstore.AsTransactor(store)
	return &postRepository{store: store, tx: tx}
}

func validatePost(p *models.Post) error {
	if p.AuthorID == "" {
		return errors.New("authorId is empty")
	}
	if p.CreatedAt.IsZero() {
		return errors.New("createdAt is missing")
	}
	if p.CommentCount < 0 {
		return errors.New("commentCount is negative")
	}
	return nil
}

func decodePost(doc docstore.Document) (*models.Post, error) {
	p, err := decodeDocument(doc, validatePost)
	if err != nil {
		return nil, err
	}
	p.ID = doc.ID
	return p, nil
}

func postData(p *models.Post) map[string]any {
	return map[string]any{
		"authorId":     p.AuthorID,
		"text":         p.Text,
		"imageRefs":    nonNil(p.ImageRefs),
		"likes":        nonNil(p.Likes),
		"reposts":      nonNil(p.Reposts),
		"commentCount": p.CommentCount,
		"createdAt":    p.CreatedAt,
	}
}

func (r *postRepository) MaxInFilter() int {
	if n := r.store.Limits().MaxInFilter; n > 0 {
		return n
	}
	return docstore.DefaultMaxInFilter
}

func (r *postRepository) GetByID(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	err := cache.Aside(ctx, cache.PostKey(id), &post, cache.PostTTL, func() error {
		doc, err := r.store.Get(ctx, PostsCollection, id)
		if err != nil {
			return storeError(err, "Post", id)
		}
		p, err := decodePost(*doc)
		if err != nil {
			return storeError(err, "Post", id)
		}
		post = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &post, nil
}

// GetMany resolves ids in in-filter sized batches, returned newest first.
func (r *postRepository) GetMany(ctx context.Context, ids []string) ([]models.Post, error) {
	var out []models.Post
	for _, batch := range chunk(ids, r.MaxInFilter()) {
		docs, err := r.store.Query(ctx, docstore.Query{
			Collection: PostsCollection,
			Filters:    []docstore.Filter{docstore.In(docstore.DocumentID, batch)},
		})
		if err != nil {
			return nil, storeError(err, "Post", batch)
		}
		out = append(out, decodeAll(ctx, PostsCollection, docs, decodePost)...)
	}
	SortPosts(out)
	return out, nil
}

func (r *postRepository) ListRecent(ctx context.Context, limit int, after *Cursor) (Listing[models.Post, Cursor], error) {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: PostsCollection,
		OrderBy:    newestFirst,
		StartAfter: after.startAfter(),
		Limit:      limit,
	})
	if err != nil {
		return Listing[models.Post, Cursor]{}, storeError(err, "Post", "recent")
	}
	return decodeListing(ctx, PostsCollection, docs, decodePost, timePosition), nil
}

// ListByAuthors runs one query; authorIDs must fit MaxInFilter.
func (r *postRepository) ListByAuthors(ctx context.Context, authorIDs []string, limit int, after *Cursor) (Listing[models.Post, Cursor], error) {
	docs, err := r.store.Query(ctx, r.authorsQuery(authorIDs, limit, after))
	if err != nil {
		return Listing[models.Post, Cursor]{}, storeError(err, "Post", authorIDs)
	}
	return decodeListing(ctx, PostsCollection, docs, decodePost, timePosition), nil
}

func (r *postRepository) authorsQuery(authorIDs []string, limit int, after *Cursor) docstore.Query {
	filter := docstore.In("authorId", authorIDs)
	if len(authorIDs) == 1 {
		filter = docstore.Eq("authorId", authorIDs[0])
	}
	return docstore.Query{
		Collection: PostsCollection,
		Filters:    []docstore.Filter{filter},
		OrderBy:    newestFirst,
		StartAfter: after.startAfter(),
		Limit:      limit,
	}
}

func (r *postRepository) WatchByAuthors(ctx context.Context, authorIDs []string, limit int) (<-chan PostSnapshot, error) {
	snaps, err := r.store.Subscribe(ctx, r.authorsQuery(authorIDs, limit, nil))
	if err != nil {
		return nil, storeError(err, "Post", authorIDs)
	}
	out := make(chan PostSnapshot)
	go func() {
		defer close(out)
		for snap := range snaps {
			msg := PostSnapshot{Err: snap.Err}
			if snap.Err == nil {
				msg.Posts = decodeAll(ctx, PostsCollection, snap.Documents, decodePost)
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Create stores post and bumps the author's postCount, in one transaction
// when the store supports it.
func (r *postRepository) Create(ctx context.Context, post *models.Post) error {
	data := postData(post)
	inc := []docstore.Mutation{docstore.Increment("postCount", 1)}

	if r.tx != nil {
		err := r.tx.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			if err := tx.Create(ctx, PostsCollection, post.ID, data); err != nil {
				return err
			}
			return tx.Update(ctx, UsersCollection, post.AuthorID, inc)
		})
		cache.InvalidateUser(ctx, post.AuthorID)
		return storeError(err, "Post", post.ID)
	}

	if err := r.store.Create(ctx, PostsCollection, post.ID, data); err != nil {
		return storeError(err, "Post", post.ID)
	}
	err := r.store.Update(ctx, UsersCollection, post.AuthorID, inc)
	cache.InvalidateUser(ctx, post.AuthorID)
	if err != nil {
		return fmt.Errorf("post %s created but postCount not updated: %w", post.ID, storeError(err, "User", post.AuthorID))
	}
	return nil
}

// Delete removes post and decrements the author's postCount without letting it go negative.
func (r *postRepository) Delete(ctx context.Context, post *models.Post) error {
	dec := []docstore.Mutation{docstore.Increment("postCount", -1)}
	positive := docstore.IfMatch(docstore.Gt("postCount", 0))

	var err error
	if r.tx != nil {
		err = r.tx.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			if err := tx.Delete(ctx, PostsCollection, post.ID); err != nil {
				return err
			}
			author, err := tx.Get(ctx, UsersCollection, post.AuthorID)
			if errors.Is(err, docstore.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if n, _ := author.Data["postCount"].(int64); n <= 0 {
				return nil
			}
			return tx.Update(ctx, UsersCollection, post.AuthorID, dec)
		})
	} else {
		if err = r.store.Delete(ctx, PostsCollection, post.ID); err == nil {
			err = r.store.Update(ctx, UsersCollection, post.AuthorID, dec, positive)
			if errors.Is(err, docstore.ErrConflict) || errors.Is(err, docstore.ErrNotFound) {
				err = nil
			}
		}
	}
	cache.InvalidatePost(ctx, post.ID)
	cache.InvalidateUser(ctx, post.AuthorID)
	return storeError(err, "Post", post.ID)
}

func (r *postRepository) SetMembership(ctx context.Context, postID, field, userID string, add bool) error {
	m := docstore.ArrayRemove(field, userID)
	if add {
		m = docstore.ArrayUnion(field, userID)
	}
	err := r.store.Update(ctx, PostsCollection, postID, []docstore.Mutation{m})
	cache.InvalidatePost(ctx, postID)
	return storeError(err, "Post", postID)
}

// SortPosts orders posts newest first, ties by id ascending.
func SortPosts(posts []models.Post) {
	slices.SortFunc(posts, func(a, b models.Post) int {
		switch {
		case a.Before(&b):
			return -1
		case b.Before(&a):
			return 1
		}
		return 0
	})
}
