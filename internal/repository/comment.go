package repository

import (
	"context"
	"errors"
	"fmt"

	"plaza/internal/cache"
	"plaza/internal/docstore"
	"plaza/internal/models"
)

// CommentRepository defines persistence operations for comments.
type CommentRepository interface {
	Create(ctx context.Context, comment *models.Comment) error
	ListByPost(ctx context.Context, postID string, limit int, after *Cursor) (Listing[models.Comment, Cursor], error)
}

type commentRepository struct {
	store docstore.Store
	tx    docstore.Transactor
}

// NewCommentRepository returns a new CommentRepository implementation.
func NewCommentRepository(store docstore.Store) CommentRepository {
	tx, _ := docstore.AsTransactor(store)
	return &commentRepository{store: store, tx: tx}
}

func decodeComment(doc docstore.Document) (*models.Comment, error) {
	c, err := decodeDocument(doc, func(c *models.Comment) error {
		if c.PostID == "" || c.AuthorID == "" {
			return errors.New("postId and authorId are required")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.ID = doc.ID
	return c, nil
}

// Create stores comment and bumps the post's commentCount.
func (r *commentRepository) Create(ctx context.Context, comment *models.Comment) error {
	data := map[string]any{
		"postId":    comment.PostID,
		"authorId":  comment.AuthorID,
		"text":      comment.Text,
		"createdAt": comment.CreatedAt,
	}
	inc := []docstore.Mutation{docstore.Increment("commentCount", 1)}
	defer cache.InvalidatePost(ctx, comment.PostID)

	if r.tx != nil {
		err := r.tx.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			if err := tx.Update(ctx, PostsCollection, comment.PostID, inc); err != nil {
				return err
			}
			return tx.Create(ctx, CommentsCollection, comment.ID, data)
		})
		if errors.Is(err, docstore.ErrNotFound) {
			return models.NewNotFoundError("Post", comment.PostID)
		}
		return storeError(err, "Comment", comment.ID)
	}

	if err := r.store.Create(ctx, CommentsCollection, comment.ID, data); err != nil {
		return storeError(err, "Comment", comment.ID)
	}
	if err := r.store.Update(ctx, PostsCollection, comment.PostID, inc); err != nil {
		return fmt.Errorf("comment %s created but commentCount not updated: %w",
			comment.ID, storeError(err, "Post", comment.PostID))
	}
	return nil
}

func (r *commentRepository) ListByPost(ctx context.Context, postID string, limit int, after *Cursor) (Listing[models.Comment, Cursor], error) {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: CommentsCollection,
		Filters:    []docstore.Filter{docstore.Eq("postId", postID)},
		OrderBy:    newestFirst,
		StartAfter: after.startAfter(),
		Limit:      limit,
	})
	if err != nil {
		return Listing[models.Comment, Cursor]{}, storeError(err, "Comment", postID)
	}
	return decodeListing(ctx, CommentsCollection, docs, decodeComment, timePosition), nil
}
