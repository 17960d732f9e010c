package repository

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"plaza/internal/cache"
	"plaza/internal/docstore"
	"plaza/internal/models"
)

// NameCursor resumes a prefix search after the last returned user.
type NameCursor struct {
	SearchName string
	ID         string
}

// UserRepository defines persistence operations for user profiles and handle claims.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetFresh(ctx context.Context, id string) (*models.User, error)
	GetByHandleKey(ctx context.Context, handleKey string) (*models.User, error)
	GetMany(ctx context.Context, ids []string) ([]models.User, error)
	SearchByName(ctx context.Context, prefix string, limit int, after *NameCursor) (Listing[models.User, NameCursor], error)
	ListPage(ctx context.Context, afterID string, limit int) (Listing[models.User, string], error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, id string, mutations ...docstore.Mutation) error
	ClaimHandle(ctx context.Context, handleKey, userID string) error
	HandleOwner(ctx context.Context, handleKey string) (string, error)
	ReleaseHandle(ctx context.Context, handleKey, userID string) error
}

type userRepository struct {
	store docstore.Store
}

// NewUserRepository returns a new UserRepository implementation.
func NewUserRepository(store docstore.Store) UserRepository {
	return &userRepository{store: store}
}

func validateUser(u *models.User) error {
	if u.Handle == "" {
		return errors.New("handle is empty")
	}
	return nil
}

func decodeUser(doc docstore.Document) (*models.User, error) {
	u, err := decodeDocument(doc, validateUser)
	if err != nil {
		return nil, err
	}
	u.ID = doc.ID
	return u, nil
}

func userData(u *models.User) map[string]any {
	createdAt := any(u.CreatedAt)
	if u.CreatedAt.IsZero() {
		createdAt = docstore.ServerTimestamp
	}
	role := u.Role
	if role == "" {
		role = models.RoleMember
	}
	return map[string]any{
		"handle":      u.Handle,
		"handleKey":   u.HandleKey,
		"displayName": u.DisplayName,
		"searchName":  u.SearchName,
		"email":       u.Email,
		"photoRef":    u.PhotoRef,
		"bio":         u.Bio,
		"location":    u.Location,
		"website":     u.Website,
		"role":        string(role),
		"followers":   nonNil(u.Followers),
		"following":   nonNil(u.Following),
		"favorites":   nonNil(u.Favorites),
		"postCount":   u.PostCount,
		"createdAt":   createdAt,
		"lastSeenAt":  docstore.ServerTimestamp,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := cache.Aside(ctx, cache.UserKey(id), &user, cache.UserTTL, func() error {
		fresh, err := r.GetFresh(ctx, id)
		if err != nil {
			return err
		}
		user = *fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetFresh bypasses the cache. The follow protocol reads through it so
// idempotence checks never see a stale edge set.
func (r *userRepository) GetFresh(ctx context.Context, id string) (*models.User, error) {
	doc, err := r.store.Get(ctx, UsersCollection, id)
	if err != nil {
		return nil, storeError(err, "User", id)
	}
	user, err := decodeUser(*doc)
	if err != nil {
		return nil, storeError(err, "User", id)
	}
	return user, nil
}

func (r *userRepository) GetByHandleKey(ctx context.Context, handleKey string) (*models.User, error) {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: UsersCollection,
		Filters:    []docstore.Filter{docstore.Eq("handleKey", handleKey)},
		Limit:      1,
	})
	if err != nil {
		return nil, storeError(err, "User", handleKey)
	}
	users := decodeAll(ctx, UsersCollection, docs, decodeUser)
	if len(users) == 0 {
		return nil, models.NewNotFoundError("User", handleKey)
	}
	return &users[0], nil
}

// GetMany resolves ids in batches that fit the store's in-filter limit and
// returns the users in the order of ids. Unknown or malformed ids are skipped.
func (r *userRepository) GetMany(ctx context.Context, ids []string) ([]models.User, error) {
	byID := make(map[string]models.User, len(ids))
	for _, batch := range chunk(ids, r.store.Limits().MaxInFilter) {
		docs, err := r.store.Query(ctx, docstore.Query{
			Collection: UsersCollection,
			Filters:    []docstore.Filter{docstore.In(docstore.DocumentID, batch)},
		})
		if err != nil {
			return nil, storeError(err, "User", batch)
		}
		for _, u := range decodeAll(ctx, UsersCollection, docs, decodeUser) {
			byID[u.ID] = u
		}
	}
	out := make([]models.User, 0, len(byID))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// prefixBound returns the smallest string above every string that starts
// with prefix, by bumping its last code point. UTF-8 keeps code point order
// under byte comparison, which is how both backends compare strings. There
// is no bound when every code point is already the maximum.
func prefixBound(prefix string) (string, bool) {
	runes := []rune(prefix)
	for i := len(runes) - 1; i >= 0; i-- {
		next := runes[i] + 1
		if next >= 0xD800 && next <= 0xDFFF {
			next = 0xE000
		}
		if next <= unicode.MaxRune {
			return string(runes[:i]) + string(next), true
		}
	}
	return "", false
}

func namePosition(doc docstore.Document) (*NameCursor, bool) {
	name, ok := doc.Data["searchName"].(string)
	if !ok {
		return nil, false
	}
	return &NameCursor{SearchName: name, ID: doc.ID}, true
}

func (r *userRepository) SearchByName(ctx context.Context, prefix string, limit int, after *NameCursor) (Listing[models.User, NameCursor], error) {
	filters := []docstore.Filter{docstore.Gte("searchName", prefix)}
	if bound, ok := prefixBound(prefix); ok {
		filters = append(filters, docstore.Lt("searchName", bound))
	}
	q := docstore.Query{
		Collection: UsersCollection,
		Filters:    filters,
		OrderBy:    []docstore.Order{docstore.OrderAsc("searchName"), docstore.OrderAsc(docstore.DocumentID)},
		Limit:      limit,
	}
	if after != nil {
		q.StartAfter = []any{after.SearchName, after.ID}
	}
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return Listing[models.User, NameCursor]{}, storeError(err, "User", prefix)
	}
	return decodeListing(ctx, UsersCollection, docs, decodeUser, namePosition), nil
}

// ListPage walks every user in id order; the reconciler uses it to sweep the graph.
func (r *userRepository) ListPage(ctx context.Context, afterID string, limit int) (Listing[models.User, string], error) {
	q := docstore.Query{
		Collection: UsersCollection,
		OrderBy:    []docstore.Order{docstore.OrderAsc(docstore.DocumentID)},
		Limit:      limit,
	}
	if afterID != "" {
		q.StartAfter = []any{afterID}
	}
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return Listing[models.User, string]{}, storeError(err, "User", afterID)
	}
	return decodeListing(ctx, UsersCollection, docs, decodeUser, idPosition), nil
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if err := r.store.Create(ctx, UsersCollection, user.ID, userData(user)); err != nil {
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return models.NewValidationError("User already exists")
		}
		return storeError(err, "User", user.ID)
	}
	return nil
}

func (r *userRepository) Update(ctx context.Context, id string, mutations ...docstore.Mutation) error {
	err := r.store.Update(ctx, UsersCollection, id, mutations)
	// The write may have landed even when the call timed out.
	cache.InvalidateUser(ctx, id)
	return storeError(err, "User", id)
}

func (r *userRepository) ClaimHandle(ctx context.Context, handleKey, userID string) error {
	err := r.store.Create(ctx, HandlesCollection, handleKey, map[string]any{
		"userId":    userID,
		"claimedAt": docstore.ServerTimestamp,
	})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		owner, ownerErr := r.HandleOwner(ctx, handleKey)
		if ownerErr == nil && owner == userID {
			return nil
		}
		return models.NewHandleTakenError(handleKey)
	}
	return storeError(err, "Handle", handleKey)
}

func (r *userRepository) HandleOwner(ctx context.Context, handleKey string) (string, error) {
	doc, err := r.store.Get(ctx, HandlesCollection, handleKey)
	if err != nil {
		return "", storeError(err, "Handle", handleKey)
	}
	owner, ok := doc.Data["userId"].(string)
	if !ok || owner == "" {
		return "", storeError(fmt.Errorf("%w: handle %s has no owner", errMalformed, handleKey), "Handle", handleKey)
	}
	return owner, nil
}

// ReleaseHandle deletes the claim if userID still owns it.
func (r *userRepository) ReleaseHandle(ctx context.Context, handleKey, userID string) error {
	owner, err := r.HandleOwner(ctx, handleKey)
	if models.IsCode(err, models.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return nil
	}
	err = r.store.Delete(ctx, HandlesCollection, handleKey)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	return storeError(err, "Handle", handleKey)
}
