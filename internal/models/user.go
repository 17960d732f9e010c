// Package models contains data structures for the application's domain models.
package models

import (
	"slices"
	"time"
)

// Role is the authorization role stored on a user profile.
type Role string

const (
	// RoleMember is the default role.
	RoleMember Role = "member"
	// RoleAdmin may trigger reconciliation and inspect feature flags.
	RoleAdmin Role = "admin"
)

// User is a profile record. Followers and Following are the two halves of the
// follow graph and must stay mutually consistent across all users.
type User struct {
	ID          string    `json:"id" mapstructure:"-"`
	Handle      string    `json:"handle" mapstructure:"handle"`
	HandleKey   string    `json:"-" mapstructure:"handleKey"`
	DisplayName string    `json:"display_name" mapstructure:"displayName"`
	SearchName  string    `json:"-" mapstructure:"searchName"`
	Email       string    `json:"email,omitempty" mapstructure:"email"`
	PhotoRef    string    `json:"photo_ref,omitempty" mapstructure:"photoRef"`
	Bio         string    `json:"bio" mapstructure:"bio"`
	Location    string    `json:"location,omitempty" mapstructure:"location"`
	Website     string    `json:"website,omitempty" mapstructure:"website"`
	Role        Role      `json:"role" mapstructure:"role"`
	Followers   []string  `json:"followers" mapstructure:"followers"`
	Following   []string  `json:"following" mapstructure:"following"`
	Favorites   []string  `json:"favorites" mapstructure:"favorites"`
	PostCount   int64     `json:"post_count" mapstructure:"postCount"`
	CreatedAt   time.Time `json:"created_at" mapstructure:"createdAt"`
	LastSeenAt  time.Time `json:"last_seen_at" mapstructure:"lastSeenAt"`
}

// IsFollowing reports whether u follows userID.
func (u *User) IsFollowing(userID string) bool {
	return slices.Contains(u.Following, userID)
}

// IsFollowedBy reports whether userID follows u.
func (u *User) IsFollowedBy(userID string) bool {
	return slices.Contains(u.Followers, userID)
}

// HasFavorite reports whether postID is in u's favorites.
func (u *User) HasFavorite(postID string) bool {
	return slices.Contains(u.Favorites, postID)
}

// IsAdmin reports whether u carries the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// UserSummary is the public projection used in listings and events.
type UserSummary struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	PhotoRef    string `json:"photo_ref,omitempty"`
}

// Summary returns the public projection of u.
func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:          u.ID,
		Handle:      u.Handle,
		DisplayName: u.DisplayName,
		PhotoRef:    u.PhotoRef,
	}
}

// ProfilePatch carries the owner-writable profile fields. Nil fields are left unchanged.
type ProfilePatch struct {
	DisplayName *string `json:"display_name"`
	Bio         *string `json:"bio"`
	PhotoRef    *string `json:"photo_ref"`
	Location    *string `json:"location"`
	Website     *string `json:"website"`
}

// IsEmpty reports whether the patch changes nothing.
func (p ProfilePatch) IsEmpty() bool {
	return p.DisplayName == nil && p.Bio == nil && p.PhotoRef == nil && p.Location == nil && p.Website == nil
}
