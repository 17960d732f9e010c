package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"unicode/utf8"

	"plaza/internal/docstore"
	"plaza/internal/models"
	"plaza/internal/observability"
	"plaza/internal/repository"
	"plaza/internal/validation"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxDisplayNameLen = 50
	maxBioLen         = 160
	maxLocationLen    = 60
	maxWebsiteLen     = 200
	handleAttempts    = 10
)

// DirectoryService resolves, searches and edits user profiles.
type DirectoryService struct {
	users repository.UserRepository
	retry RetryPolicy
}

// NewDirectoryService returns a new DirectoryService.
func NewDirectoryService(users repository.UserRepository, retry RetryPolicy) *DirectoryService {
	return &DirectoryService{users: users, retry: retry}
}

// NormalizeHandle strips a leading "@", surrounding space and case.
func NormalizeHandle(handle string) string {
	return validation.NormalizeHandle(handle)
}

// NormalizeName is the search key for display names: lowercase with runs of
// whitespace collapsed to a single space.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func (s *DirectoryService) GetByID(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, models.NewValidationError("User id is required")
	}
	return retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetByID(ctx, id)
	})
}

// GetByHandle looks the handle up in the claims collection, which is the
// source of truth for ownership.
func (s *DirectoryService) GetByHandle(ctx context.Context, handle string) (*models.User, error) {
	key := NormalizeHandle(handle)
	if key == "" {
		return nil, models.NewNotFoundError("User", handle)
	}
	return retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		owner, err := s.users.HandleOwner(ctx, key)
		if err != nil {
			if models.IsCode(err, models.CodeNotFound) {
				return nil, models.NewNotFoundError("User", handle)
			}
			return nil, err
		}
		return s.users.GetByID(ctx, owner)
	})
}

// IsHandleAvailable reports whether nobody holds the normalized handle.
// A handle that could never be registered is reported unavailable.
func (s *DirectoryService) IsHandleAvailable(ctx context.Context, handle string) (bool, error) {
	key := NormalizeHandle(handle)
	if validation.ValidateHandle(key) != nil {
		return false, nil
	}
	return retryValue(ctx, s.retry, func(ctx context.Context) (bool, error) {
		_, err := s.users.HandleOwner(ctx, key)
		if models.IsCode(err, models.CodeNotFound) {
			return true, nil
		}
		return false, err
	})
}

// SearchByPrefix pages through users whose normalized display name starts with term.
func (s *DirectoryService) SearchByPrefix(ctx context.Context, term string, limit int, cursor string) (*models.Page[models.User], error) {
	span, ctx := observability.StartServiceSpan(ctx, "directory", "SearchByPrefix")
	defer span.End()

	limit = clampLimit(limit)
	tok, err := decodeToken(cursor)
	if err != nil {
		return nil, err
	}
	var after *repository.NameCursor
	if cursor != "" {
		if tok.ID == "" {
			return nil, models.NewValidationError("Invalid cursor")
		}
		after = &repository.NameCursor{SearchName: tok.SortKey, ID: tok.ID}
	}

	prefix := NormalizeName(term)
	if prefix == "" {
		return &models.Page[models.User]{Items: []models.User{}}, nil
	}

	listing, err := retryValue(ctx, s.retry, func(ctx context.Context) (repository.Listing[models.User, repository.NameCursor], error) {
		return s.users.SearchByName(ctx, prefix, limit, after)
	})
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	page := &models.Page[models.User]{Items: listing.Items}
	if page.Items == nil {
		page.Items = []models.User{}
	}
	if listing.More(limit) {
		page.NextCursor = encodeToken(pageToken{SortKey: listing.Last.SearchName, ID: listing.Last.ID})
	}
	return page, nil
}

// ListFollowers pages through the profiles of userID's followers in stored order.
func (s *DirectoryService) ListFollowers(ctx context.Context, userID string, limit int, cursor string) (*models.Page[models.UserSummary], error) {
	return s.listEdges(ctx, userID, limit, cursor, func(u *models.User) []string { return u.Followers })
}

// ListFollowing pages through the profiles userID follows in stored order.
func (s *DirectoryService) ListFollowing(ctx context.Context, userID string, limit int, cursor string) (*models.Page[models.UserSummary], error) {
	return s.listEdges(ctx, userID, limit, cursor, func(u *models.User) []string { return u.Following })
}

func (s *DirectoryService) listEdges(ctx context.Context, userID string, limit int, cursor string, ids func(*models.User) []string) (*models.Page[models.UserSummary], error) {
	limit = clampLimit(limit)
	tok, err := decodeToken(cursor)
	if err != nil {
		return nil, err
	}
	if tok.Offset < 0 {
		return nil, models.NewValidationError("Invalid cursor")
	}

	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	all := ids(user)
	start := min(tok.Offset, len(all))
	end := min(start+limit, len(all))

	users, err := retryValue(ctx, s.retry, func(ctx context.Context) ([]models.User, error) {
		return s.users.GetMany(ctx, all[start:end])
	})
	if err != nil {
		return nil, err
	}

	page := &models.Page[models.UserSummary]{Items: make([]models.UserSummary, 0, len(users))}
	for i := range users {
		page.Items = append(page.Items, users[i].Summary())
	}
	if end < len(all) {
		page.NextCursor = encodeToken(pageToken{Offset: end})
	}
	return page, nil
}

// EnsureProfile returns actorID's profile, creating it with a generated
// handle on first sign-in.
func (s *DirectoryService) EnsureProfile(ctx context.Context, actorID, displayName, email, photoRef string) (*models.User, bool, error) {
	span, ctx := observability.StartServiceSpan(ctx, "directory", "EnsureProfile", attribute.String("user.id", actorID))
	defer span.End()

	if actorID == "" {
		return nil, false, models.NewValidationError("User id is required")
	}

	existing, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetFresh(ctx, actorID)
	})
	if err == nil {
		return existing, false, nil
	}
	if !models.IsCode(err, models.CodeNotFound) {
		span.SetError(err)
		return nil, false, err
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName, _, _ = strings.Cut(email, "@")
	}
	if utf8.RuneCountInString(displayName) > maxDisplayNameLen {
		displayName = string([]rune(displayName)[:maxDisplayNameLen])
	}

	handle, err := s.claimGeneratedHandle(ctx, actorID, displayName)
	if err != nil {
		span.SetError(err)
		return nil, false, err
	}

	user := &models.User{
		ID:          actorID,
		Handle:      handle,
		HandleKey:   handle,
		DisplayName: displayName,
		SearchName:  NormalizeName(displayName),
		Email:       email,
		PhotoRef:    photoRef,
		Role:        models.RoleMember,
	}
	if err := unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.users.Create(ctx, user)
	}, nil)); err != nil {
		if !models.IsCode(err, models.CodeValidation) {
			return nil, false, err
		}
		// Lost a race with a concurrent first sign-in.
		_ = s.users.ReleaseHandle(ctx, handle, actorID)
		existing, err := s.users.GetFresh(ctx, actorID)
		return existing, false, err
	}

	created, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetFresh(ctx, actorID)
	})
	return created, true, err
}

func (s *DirectoryService) claimGeneratedHandle(ctx context.Context, actorID, displayName string) (string, error) {
	base := handleBase(displayName)
	for range handleAttempts {
		candidate := fmt.Sprintf("%s%04d", base, rand.IntN(10000))
		err := unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
			return s.users.ClaimHandle(ctx, candidate, actorID)
		}, nil))
		if err == nil {
			return candidate, nil
		}
		if !models.IsCode(err, models.CodeHandleTaken) {
			return "", err
		}
	}
	// Fall back to something that cannot collide in practice.
	candidate := "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:15]
	err := unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.users.ClaimHandle(ctx, candidate, actorID)
	}, nil))
	return candidate, err
}

// handleBase keeps the [a-z0-9_] runes of name, leaving room for four digits.
func handleBase(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
		if b.Len() == 16 {
			break
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

// RegisterHandle moves actorID onto handle. The new claim is taken before the
// old one is released so the user is never left without a handle.
func (s *DirectoryService) RegisterHandle(ctx context.Context, actorID, handle string) (*models.User, error) {
	span, ctx := observability.StartServiceSpan(ctx, "directory", "RegisterHandle", attribute.String("user.id", actorID))
	defer span.End()

	key := NormalizeHandle(handle)
	if err := validation.ValidateHandle(key); err != nil {
		return nil, models.NewInvalidHandleError(handle, err.Error())
	}

	user, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetFresh(ctx, actorID)
	})
	if err != nil {
		return nil, err
	}
	if user.HandleKey == key {
		return user, nil
	}

	if err := unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.users.ClaimHandle(ctx, key, actorID)
	}, nil)); err != nil {
		span.SetError(err)
		return nil, err
	}

	err = unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.users.Update(ctx, actorID,
			docstore.Set("handle", key),
			docstore.Set("handleKey", key),
			docstore.SetServerTimestamp("lastSeenAt"),
		)
	}, nil))
	if err != nil {
		_ = s.users.ReleaseHandle(context.WithoutCancel(ctx), key, actorID)
		span.SetError(err)
		return nil, err
	}

	if user.HandleKey != "" {
		if err := s.users.ReleaseHandle(ctx, user.HandleKey, actorID); err != nil {
			observability.GlobalLogger.WarnContext(ctx, "failed to release previous handle",
				slog.String("user_id", actorID),
				slog.String("handle", user.HandleKey),
				slog.String("error", err.Error()),
			)
		}
	}

	return s.users.GetFresh(ctx, actorID)
}

// UpdateProfile applies the owner-writable fields of patch.
func (s *DirectoryService) UpdateProfile(ctx context.Context, actorID string, patch models.ProfilePatch) (*models.User, error) {
	if patch.IsEmpty() {
		return s.GetByID(ctx, actorID)
	}

	var mutations []docstore.Mutation
	if patch.DisplayName != nil {
		name := strings.TrimSpace(*patch.DisplayName)
		if name == "" {
			return nil, models.NewValidationError("Display name cannot be empty")
		}
		if utf8.RuneCountInString(name) > maxDisplayNameLen {
			return nil, models.NewValidationError(fmt.Sprintf("Display name too long (max %d characters)", maxDisplayNameLen))
		}
		mutations = append(mutations,
			docstore.Set("displayName", name),
			docstore.Set("searchName", NormalizeName(name)),
		)
	}
	if patch.Bio != nil {
		if utf8.RuneCountInString(*patch.Bio) > maxBioLen {
			return nil, models.NewValidationError(fmt.Sprintf("Bio too long (max %d characters)", maxBioLen))
		}
		mutations = append(mutations, docstore.Set("bio", *patch.Bio))
	}
	if patch.PhotoRef != nil {
		mutations = append(mutations, docstore.Set("photoRef", strings.TrimSpace(*patch.PhotoRef)))
	}
	if patch.Location != nil {
		if utf8.RuneCountInString(*patch.Location) > maxLocationLen {
			return nil, models.NewValidationError(fmt.Sprintf("Location too long (max %d characters)", maxLocationLen))
		}
		mutations = append(mutations, docstore.Set("location", strings.TrimSpace(*patch.Location)))
	}
	if patch.Website != nil {
		if len(*patch.Website) > maxWebsiteLen {
			return nil, models.NewValidationError(fmt.Sprintf("Website too long (max %d characters)", maxWebsiteLen))
		}
		mutations = append(mutations, docstore.Set("website", strings.TrimSpace(*patch.Website)))
	}
	mutations = append(mutations, docstore.SetServerTimestamp("lastSeenAt"))

	err := unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.users.Update(ctx, actorID, mutations...)
	}, nil))
	if err != nil {
		return nil, err
	}
	return s.users.GetFresh(ctx, actorID)
}

// TouchLastSeen stamps the user's last activity time.
func (s *DirectoryService) TouchLastSeen(ctx context.Context, userID string) error {
	if userID == "" {
		return models.NewValidationError("User id is required")
	}
	return unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.users.Update(ctx, userID, docstore.SetServerTimestamp("lastSeenAt"))
	}, nil))
}
