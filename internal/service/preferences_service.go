package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"plaza/internal/models"
	"plaza/internal/repository"
)

const (
	optimisticAttempts = 5
	maxSearchLen       = 100
	maxLanguageLen     = 10
)

// SessionUsage is one batch of client-side usage counters.
type SessionUsage struct {
	Seconds      int64 `json:"seconds"`
	PageViews    int64 `json:"page_views"`
	Interactions int64 `json:"interactions"`
}

// PreferencesService manages per-user consent, UI settings, browsing history
// and usage counters.
type PreferencesService struct {
	prefs repository.PreferencesRepository
	retry RetryPolicy
	now   func() time.Time
}

// NewPreferencesService returns a new PreferencesService.
func NewPreferencesService(prefs repository.PreferencesRepository, retry RetryPolicy) *PreferencesService {
	return &PreferencesService{prefs: prefs, retry: retry, now: time.Now}
}

// Get returns userID's preferences, or the defaults if none were saved.
func (s *PreferencesService) Get(ctx context.Context, userID string) (*models.Preferences, error) {
	p, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.Preferences, error) {
		return s.prefs.Get(ctx, userID)
	})
	if models.IsCode(err, models.CodeNotFound) {
		return models.DefaultPreferences(userID), nil
	}
	return p, err
}

// update applies fn to the current document and saves it under a version
// check, re-reading and re-applying on conflict.
func (s *PreferencesService) update(ctx context.Context, userID string, fn func(p *models.Preferences) (bool, error)) (*models.Preferences, error) {
	if userID == "" {
		return nil, models.NewValidationError("User id is required")
	}
	for range optimisticAttempts {
		p, err := s.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		changed, err := fn(p)
		if err != nil {
			return nil, err
		}
		if !changed {
			return p, nil
		}
		err = unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
			return s.prefs.Save(ctx, p)
		}, nil))
		if err == nil {
			return s.Get(ctx, userID)
		}
		if !models.IsCode(err, models.CodeConcurrentModification) {
			return nil, err
		}
	}
	return nil, models.NewConcurrentModificationError("Preferences", userID)
}

// SetConsent records the consent banner answer. Declining clears the
// optional categories.
func (s *PreferencesService) SetConsent(ctx context.Context, userID string, in models.ConsentInput) (*models.Preferences, error) {
	return s.update(ctx, userID, func(p *models.Preferences) (bool, error) {
		p.ConsentGiven = in.Accepted
		p.ConsentAnalytics = in.Accepted && in.Analytics
		p.ConsentPersonalization = in.Accepted && in.Personalization
		p.ConsentAt = s.now().UTC().Truncate(time.Millisecond)
		return true, nil
	})
}

func (s *PreferencesService) UpdatePreferences(ctx context.Context, userID string, patch models.PreferencesPatch) (*models.Preferences, error) {
	if patch.Theme != nil && *patch.Theme != models.ThemeLight && *patch.Theme != models.ThemeDark {
		return nil, models.NewValidationError(fmt.Sprintf("Unknown theme %q", *patch.Theme))
	}
	if patch.Language != nil {
		lang := strings.TrimSpace(*patch.Language)
		if lang == "" || len(lang) > maxLanguageLen {
			return nil, models.NewValidationError("Invalid language")
		}
		patch.Language = &lang
	}
	return s.update(ctx, userID, func(p *models.Preferences) (bool, error) {
		if patch.Theme != nil {
			p.Theme = *patch.Theme
		}
		if patch.NotificationsEnabled != nil {
			p.NotificationsEnabled = *patch.NotificationsEnabled
		}
		if patch.Language != nil {
			p.Language = *patch.Language
		}
		p.LastVisitAt = s.now().UTC().Truncate(time.Millisecond)
		return true, nil
	})
}

// RecordProfileVisit moves profileID to the front of userID's recent
// profiles. Visiting your own profile is not recorded.
func (s *PreferencesService) RecordProfileVisit(ctx context.Context, userID, profileID string) (*models.Preferences, error) {
	if profileID == "" {
		return nil, models.NewValidationError("Profile id is required")
	}
	if profileID == userID {
		return s.Get(ctx, userID)
	}
	return s.update(ctx, userID, func(p *models.Preferences) (bool, error) {
		next := pushRecent(p.RecentProfiles, profileID)
		if slices.Equal(next, p.RecentProfiles) {
			return false, nil
		}
		p.RecentProfiles = next
		return true, nil
	})
}

// RecordSearch moves term to the front of userID's recent searches.
func (s *PreferencesService) RecordSearch(ctx context.Context, userID, term string) (*models.Preferences, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, models.NewValidationError("Search term is required")
	}
	if utf8.RuneCountInString(term) > maxSearchLen {
		return nil, models.NewValidationError(fmt.Sprintf("Search term too long (max %d characters)", maxSearchLen))
	}
	return s.update(ctx, userID, func(p *models.Preferences) (bool, error) {
		next := pushRecent(p.RecentSearches, term)
		if slices.Equal(next, p.RecentSearches) {
			return false, nil
		}
		p.RecentSearches = next
		return true, nil
	})
}

// TrackSession adds usage counters. Counters never go down.
func (s *PreferencesService) TrackSession(ctx context.Context, userID string, usage SessionUsage) error {
	if usage.Seconds < 0 || usage.PageViews < 0 || usage.Interactions < 0 {
		return models.NewValidationError("Usage counters cannot be negative")
	}
	deltas := map[string]int64{}
	if usage.Seconds > 0 {
		deltas["sessionSeconds"] = usage.Seconds
	}
	if usage.PageViews > 0 {
		deltas["pageViews"] = usage.PageViews
	}
	if usage.Interactions > 0 {
		deltas["interactions"] = usage.Interactions
	}
	if len(deltas) == 0 {
		return nil
	}
	// Increments are not idempotent, so they are not retried.
	return unavailable(s.prefs.Increment(ctx, userID, deltas))
}

// Reset drops everything stored for userID; the next Get returns defaults.
func (s *PreferencesService) Reset(ctx context.Context, userID string) error {
	return unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.prefs.Delete(ctx, userID)
	}, nil))
}

// pushRecent returns list with item moved to the front, capped at MaxHistoryEntries.
func pushRecent(list []string, item string) []string {
	out := make([]string, 0, models.MaxHistoryEntries)
	out = append(out, item)
	for _, v := range list {
		if v != item && len(out) < models.MaxHistoryEntries {
			out = append(out, v)
		}
	}
	return out
}
