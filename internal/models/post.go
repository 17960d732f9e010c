package models

import (
	"slices"
	"time"
)

// Post is an authored entry in the feed. Likes and Reposts are sets of user ids.
type Post struct {
	ID           string    `json:"id" mapstructure:"-"`
	AuthorID     string    `json:"author_id" mapstructure:"authorId"`
	Text         string    `json:"text" mapstructure:"text"`
	ImageRefs    []string  `json:"image_refs,omitempty" mapstructure:"imageRefs"`
	Likes        []string  `json:"likes" mapstructure:"likes"`
	Reposts      []string  `json:"reposts" mapstructure:"reposts"`
	CommentCount int64     `json:"comment_count" mapstructure:"commentCount"`
	CreatedAt    time.Time `json:"created_at" mapstructure:"createdAt"`
}

// LikedBy reports whether userID liked p.
func (p *Post) LikedBy(userID string) bool {
	return slices.Contains(p.Likes, userID)
}

// RepostedBy reports whether userID reposted p.
func (p *Post) RepostedBy(userID string) bool {
	return slices.Contains(p.Reposts, userID)
}

// Before reports whether p sorts ahead of other in feed order:
// newest first, ties broken by id ascending.
func (p *Post) Before(other *Post) bool {
	if !p.CreatedAt.Equal(other.CreatedAt) {
		return p.CreatedAt.After(other.CreatedAt)
	}
	return p.ID < other.ID
}

// Comment is a reply attached to a post.
type Comment struct {
	ID        string    `json:"id" mapstructure:"-"`
	PostID    string    `json:"post_id" mapstructure:"postId"`
	AuthorID  string    `json:"author_id" mapstructure:"authorId"`
	Text      string    `json:"text" mapstructure:"text"`
	CreatedAt time.Time `json:"created_at" mapstructure:"createdAt"`
}
