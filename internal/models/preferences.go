package models

import "time"

// Theme is the UI color scheme preference.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// DefaultLanguage is used until the user picks one.
const DefaultLanguage = "es"

// MaxHistoryEntries bounds the recent profile and search lists.
const MaxHistoryEntries = 10

// Preferences holds consent, UI settings, browsing history and usage counters for one user.
type Preferences struct {
	UserID                 string    `json:"user_id" mapstructure:"-"`
	ConsentGiven           bool      `json:"consent_given" mapstructure:"consentGiven"`
	ConsentAnalytics       bool      `json:"consent_analytics" mapstructure:"consentAnalytics"`
	ConsentPersonalization bool      `json:"consent_personalization" mapstructure:"consentPersonalization"`
	ConsentAt              time.Time `json:"consent_at" mapstructure:"consentAt"`
	Theme                  Theme     `json:"theme" mapstructure:"theme"`
	NotificationsEnabled   bool      `json:"notifications_enabled" mapstructure:"notificationsEnabled"`
	Language               string    `json:"language" mapstructure:"language"`
	LastVisitAt            time.Time `json:"last_visit_at" mapstructure:"lastVisitAt"`
	RecentProfiles         []string  `json:"recent_profiles" mapstructure:"recentProfiles"`
	RecentSearches         []string  `json:"recent_searches" mapstructure:"recentSearches"`
	SessionSeconds         int64     `json:"session_seconds" mapstructure:"sessionSeconds"`
	PageViews              int64     `json:"page_views" mapstructure:"pageViews"`
	Interactions           int64     `json:"interactions" mapstructure:"interactions"`
	Version                int64     `json:"-" mapstructure:"-"`
}

// DefaultPreferences returns the preferences a user has before changing anything.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:               userID,
		Theme:                ThemeLight,
		NotificationsEnabled: true,
		Language:             DefaultLanguage,
		RecentProfiles:       []string{},
		RecentSearches:       []string{},
	}
}

// ConsentInput records the answer to the consent banner.
type ConsentInput struct {
	Accepted        bool `json:"accepted"`
	Analytics       bool `json:"analytics"`
	Personalization bool `json:"personalization"`
}

// PreferencesPatch carries the user-editable settings. Nil fields are left unchanged.
type PreferencesPatch struct {
	Theme                *Theme  `json:"theme"`
	NotificationsEnabled *bool   `json:"notifications_enabled"`
	Language             *string `json:"language"`
}
