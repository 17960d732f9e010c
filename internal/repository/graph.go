package repository

import (
	"context"
	"errors"

	"plaza/internal/cache"
	"plaza/internal/docstore"
	"plaza/internal/models"
)

// GraphRepository writes follow edges. Each edge lives in two documents:
// actor.following and target.followers.
type GraphRepository interface {
	// Transactional reports whether ApplyBoth commits both sides atomically.
	Transactional() bool
	// ApplyBoth writes both sides in one transaction. Only valid when Transactional is true.
	ApplyBoth(ctx context.Context, op models.GraphOp, actorID, targetID string) error
	// ApplySide writes one side of the edge with a single atomic set mutation.
	ApplySide(ctx context.Context, op models.GraphOp, side models.EdgeSide, actorID, targetID string) error
}

var errNoTransactions = errors.New("store does not support transactions")

type graphRepository struct {
	store docstore.Store
	tx    docstore.Transactor
}

// NewGraphRepository returns a GraphRepository over store.
func NewGraphRepository(store docstore.Store) GraphRepository {
	tx, _ := docstore.AsTransactor(store)
	return &graphRepository{store: store, tx: tx}
}

// SideMutation returns the document id and mutation that apply one side of an edge.
func SideMutation(op models.GraphOp, side models.EdgeSide, actorID, targetID string) (string, docstore.Mutation) {
	docID, field, member := actorID, "following", targetID
	if side == models.SideFollowers {
		docID, field, member = targetID, "followers", actorID
	}
	if op == models.GraphOpUnfollow {
		return docID, docstore.ArrayRemove(field, member)
	}
	return docID, docstore.ArrayUnion(field, member)
}

func (r *graphRepository) Transactional() bool {
	return r.tx != nil
}

func (r *graphRepository) ApplyBoth(ctx context.Context, op models.GraphOp, actorID, targetID string) error {
	if r.tx == nil {
		return models.NewInternalError(errNoTransactions)
	}
	err := r.tx.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		for _, side := range []models.EdgeSide{models.SideFollowing, models.SideFollowers} {
			docID, m := SideMutation(op, side, actorID, targetID)
			if err := tx.Update(ctx, UsersCollection, docID, []docstore.Mutation{m}); err != nil {
				return err
			}
		}
		return nil
	})
	cache.InvalidateUser(ctx, actorID, targetID)
	return storeError(err, "User", actorID+","+targetID)
}

func (r *graphRepository) ApplySide(ctx context.Context, op models.GraphOp, side models.EdgeSide, actorID, targetID string) error {
	docID, m := SideMutation(op, side, actorID, targetID)
	err := r.store.Update(ctx, UsersCollection, docID, []docstore.Mutation{m})
	cache.InvalidateUser(ctx, docID)
	return storeError(err, "User", docID)
}
