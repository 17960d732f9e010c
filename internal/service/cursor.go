package service

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"plaza/internal/models"
	"plaza/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}

// pageToken is the opaque cursor handed to clients. Only the fields relevant
// to a listing are set.
type pageToken struct {
	CreatedAt *time.Time `json:"t,omitempty"`
	ID        string     `json:"i,omitempty"`
	SortKey   string     `json:"k,omitempty"`
	Offset    int        `json:"o,omitempty"`
}

func encodeToken(t pageToken) string {
	b, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeToken(s string) (pageToken, error) {
	var t pageToken
	if s == "" {
		return t, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, models.NewValidationError("Invalid cursor")
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return t, models.NewValidationError("Invalid cursor")
	}
	return t, nil
}

func decodeTimeCursor(s string) (*repository.Cursor, error) {
	t, err := decodeToken(s)
	if err != nil || s == "" {
		return nil, err
	}
	if t.CreatedAt == nil || t.ID == "" {
		return nil, models.NewValidationError("Invalid cursor")
	}
	return &repository.Cursor{CreatedAt: *t.CreatedAt, ID: t.ID}, nil
}

func encodeTimeCursor(createdAt time.Time, id string) string {
	return encodeToken(pageToken{CreatedAt: &createdAt, ID: id})
}

// listingPage wraps a store listing. The cursor follows the last document the
// store returned, so quarantined records never end a listing early.
func listingPage[T any](l repository.Listing[T, repository.Cursor], limit int) *models.Page[T] {
	page := &models.Page[T]{Items: l.Items}
	if page.Items == nil {
		page.Items = []T{}
	}
	if l.More(limit) {
		page.NextCursor = encodeTimeCursor(l.Last.CreatedAt, l.Last.ID)
	}
	return page
}

// postPage wraps posts, emitting a cursor only when the page is full.
func postPage(posts []models.Post, limit int) *models.Page[models.Post] {
	page := &models.Page[models.Post]{Items: posts}
	if page.Items == nil {
		page.Items = []models.Post{}
	}
	if len(posts) == limit && limit > 0 {
		last := posts[len(posts)-1]
		page.NextCursor = encodeTimeCursor(last.CreatedAt, last.ID)
	}
	return page
}
