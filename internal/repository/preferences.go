package repository

import (
	"context"
	"errors"

	"plaza/internal/docstore"
	"plaza/internal/models"
)

// PreferencesRepository persists one preferences document per user.
type PreferencesRepository interface {
	// Get returns the stored preferences, or NOT_FOUND when the user never saved any.
	Get(ctx context.Context, userID string) (*models.Preferences, error)
	// Save writes p. A zero Version creates the document; otherwise the write
	// only succeeds if the stored document is still at p.Version.
	Save(ctx context.Context, p *models.Preferences) error
	// Increment adds deltas to counter fields, creating the document with defaults if needed.
	Increment(ctx context.Context, userID string, deltas map[string]int64) error
	Delete(ctx context.Context, userID string) error
}

type preferencesRepository struct {
	store docstore.Store
}

// NewPreferencesRepository returns a new PreferencesRepository implementation.
func NewPreferencesRepository(store docstore.Store) PreferencesRepository {
	return &preferencesRepository{store: store}
}

func preferencesData(p *models.Preferences) map[string]any {
	return map[string]any{
		"consentGiven":           p.ConsentGiven,
		"consentAnalytics":       p.ConsentAnalytics,
		"consentPersonalization": p.ConsentPersonalization,
		"consentAt":              p.ConsentAt,
		"theme":                  string(p.Theme),
		"notificationsEnabled":   p.NotificationsEnabled,
		"language":               p.Language,
		"lastVisitAt":            p.LastVisitAt,
		"recentProfiles":         nonNil(p.RecentProfiles),
		"recentSearches":         nonNil(p.RecentSearches),
		"sessionSeconds":         p.SessionSeconds,
		"pageViews":              p.PageViews,
		"interactions":           p.Interactions,
	}
}

func (r *preferencesRepository) Get(ctx context.Context, userID string) (*models.Preferences, error) {
	doc, err := r.store.Get(ctx, PreferencesCollection, userID)
	if err != nil {
		return nil, storeError(err, "Preferences", userID)
	}
	p, err := decodeDocument[models.Preferences](*doc, nil)
	if err != nil {
		return nil, storeError(err, "Preferences", userID)
	}
	p.UserID = userID
	p.Version = doc.Version
	return p, nil
}

func (r *preferencesRepository) Save(ctx context.Context, p *models.Preferences) error {
	data := preferencesData(p)
	if p.Version == 0 {
		err := r.store.Create(ctx, PreferencesCollection, p.UserID, data)
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return models.NewConcurrentModificationError("Preferences", p.UserID)
		}
		return storeError(err, "Preferences", p.UserID)
	}

	mutations := make([]docstore.Mutation, 0, len(data))
	for field, v := range data {
		mutations = append(mutations, docstore.Set(field, v))
	}
	err := r.store.Update(ctx, PreferencesCollection, p.UserID, mutations, docstore.IfVersion(p.Version))
	if errors.Is(err, docstore.ErrNotFound) {
		return models.NewConcurrentModificationError("Preferences", p.UserID)
	}
	return storeError(err, "Preferences", p.UserID)
}

func (r *preferencesRepository) Increment(ctx context.Context, userID string, deltas map[string]int64) error {
	mutations := make([]docstore.Mutation, 0, len(deltas))
	for field, d := range deltas {
		mutations = append(mutations, docstore.Increment(field, d))
	}

	err := r.store.Update(ctx, PreferencesCollection, userID, mutations)
	if !errors.Is(err, docstore.ErrNotFound) {
		return storeError(err, "Preferences", userID)
	}

	err = r.store.Create(ctx, PreferencesCollection, userID, preferencesData(models.DefaultPreferences(userID)))
	if err != nil && !errors.Is(err, docstore.ErrAlreadyExists) {
		return storeError(err, "Preferences", userID)
	}
	return storeError(r.store.Update(ctx, PreferencesCollection, userID, mutations), "Preferences", userID)
}

func (r *preferencesRepository) Delete(ctx context.Context, userID string) error {
	err := r.store.Delete(ctx, PreferencesCollection, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	return storeError(err, "Preferences", userID)
}
