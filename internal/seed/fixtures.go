package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"plaza/internal/bootstrap"
	"plaza/internal/service"

	"gopkg.in/yaml.v3"
)

// Fixture is a hand-written data set, typically checked in as YAML next to
// a test or a demo environment.
type Fixture struct {
	Users   []FixtureUser   `yaml:"users"`
	Follows []FixtureFollow `yaml:"follows"`
	Posts   []FixturePost   `yaml:"posts"`
}

type FixtureUser struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Email  string `yaml:"email"`
	Handle string `yaml:"handle"`
	Photo  string `yaml:"photo"`
}

type FixtureFollow struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// FixturePost is addressed by Key so other entries can refer to it; the
// stored id is generated.
type FixturePost struct {
	Key       string           `yaml:"key"`
	Author    string           `yaml:"author"`
	Text      string           `yaml:"text"`
	Images    []string         `yaml:"images"`
	Likes     []string         `yaml:"likes"`
	Reposts   []string         `yaml:"reposts"`
	Favorites []string         `yaml:"favorites"`
	Comments  []FixtureComment `yaml:"comments"`
}

type FixtureComment struct {
	Author string `yaml:"author"`
	Text   string `yaml:"text"`
}

// LoadFixture reads and validates a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(raw)
}

// ParseFixture decodes YAML and checks that every reference names a declared user.
func ParseFixture(raw []byte) (*Fixture, error) {
	var fx Fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if err := fx.validate(); err != nil {
		return nil, err
	}
	return &fx, nil
}

func (fx *Fixture) validate() error {
	users := make(map[string]bool, len(fx.Users))
	for _, u := range fx.Users {
		if u.ID == "" {
			return errors.New("fixture user without id")
		}
		if users[u.ID] {
			return fmt.Errorf("duplicate fixture user %q", u.ID)
		}
		users[u.ID] = true
	}
	known := func(what, id string) error {
		if !users[id] {
			return fmt.Errorf("%s refers to unknown user %q", what, id)
		}
		return nil
	}

	var errs []error
	for _, f := range fx.Follows {
		errs = append(errs, known("follow", f.From), known("follow", f.To))
	}
	keys := map[string]bool{}
	for _, p := range fx.Posts {
		if p.Key != "" {
			if keys[p.Key] {
				errs = append(errs, fmt.Errorf("duplicate post key %q", p.Key))
			}
			keys[p.Key] = true
		}
		errs = append(errs, known("post author", p.Author))
		for _, id := range p.Likes {
			errs = append(errs, known("like", id))
		}
		for _, id := range p.Reposts {
			errs = append(errs, known("repost", id))
		}
		for _, id := range p.Favorites {
			errs = append(errs, known("favorite", id))
		}
		for _, c := range p.Comments {
			errs = append(errs, known("comment", c.Author))
		}
	}
	return errors.Join(errs...)
}

// FixtureResult maps fixture post keys to the ids they were stored under.
type FixtureResult struct {
	Result
	PostsByKey map[string]string
}

// Apply writes fx through the services. Users that already exist are kept.
func Apply(ctx context.Context, svc bootstrap.Services, fx *Fixture) (*FixtureResult, error) {
	res := &FixtureResult{PostsByKey: map[string]string{}}

	for _, u := range fx.Users {
		if _, _, err := svc.Directory.EnsureProfile(ctx, u.ID, u.Name, u.Email, u.Photo); err != nil {
			return res, fmt.Errorf("user %s: %w", u.ID, err)
		}
		if u.Handle != "" {
			if _, err := svc.Directory.RegisterHandle(ctx, u.ID, u.Handle); err != nil {
				return res, fmt.Errorf("handle for %s: %w", u.ID, err)
			}
		}
		res.UserIDs = append(res.UserIDs, u.ID)
	}

	for _, f := range fx.Follows {
		if err := follow(ctx, svc.Follow, f.From, f.To, &res.Result); err != nil {
			return res, fmt.Errorf("follow %s -> %s: %w", f.From, f.To, err)
		}
	}

	for _, p := range fx.Posts {
		post, err := svc.Posts.CreatePost(ctx, service.CreatePostInput{
			AuthorID:  p.Author,
			Text:      p.Text,
			ImageRefs: p.Images,
		})
		if err != nil {
			return res, fmt.Errorf("post %q: %w", p.Key, err)
		}
		res.PostIDs = append(res.PostIDs, post.ID)
		if p.Key != "" {
			res.PostsByKey[p.Key] = post.ID
		}

		for _, id := range p.Likes {
			if err := svc.Engagement.Like(ctx, id, post.ID); err != nil {
				return res, fmt.Errorf("like %q by %s: %w", p.Key, id, err)
			}
			res.Likes++
		}
		for _, id := range p.Reposts {
			if err := svc.Engagement.Repost(ctx, id, post.ID); err != nil {
				return res, fmt.Errorf("repost %q by %s: %w", p.Key, id, err)
			}
		}
		for _, id := range p.Favorites {
			if err := svc.Engagement.Favorite(ctx, id, post.ID); err != nil {
				return res, fmt.Errorf("favorite %q by %s: %w", p.Key, id, err)
			}
		}
		for _, c := range p.Comments {
			if _, err := svc.Comments.AddComment(ctx, c.Author, post.ID, c.Text); err != nil {
				return res, fmt.Errorf("comment on %q by %s: %w", p.Key, c.Author, err)
			}
			res.Comments++
		}
	}
	return res, nil
}
