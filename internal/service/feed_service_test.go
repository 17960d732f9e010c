package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"plaza/internal/docstore"
	"plaza/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time { return epoch.Add(time.Duration(seconds) * time.Second) }

func assertFeedOrder(t *testing.T, posts []models.Post) {
	t.Helper()
	for i := 1; i < len(posts); i++ {
		assert.True(t, posts[i-1].Before(&posts[i]), "post %s must sort before %s", posts[i-1].ID, posts[i].ID)
	}
}

func postIDs(posts []models.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func TestFeedService_FollowingTracksCurrentFollows(t *testing.T) {
	e := newTxEnv(t)
	e.seedUsers(t, "u1", "u2")
	ctx := context.Background()

	follows := newFollowService(e, nil, nil, nil)
	posts := NewPostService(e.users, e.posts, fastRetry())
	feed := NewFeedService(e.users, e.posts, fastRetry())

	require.NoError(t, follows.Follow(ctx, "u1", "u2"))
	posts.now = func() time.Time { return at(100) }
	_, err := posts.CreatePost(ctx, CreatePostInput{AuthorID: "u2", Text: "hello"})
	require.NoError(t, err)

	page, err := feed.ComposeFollowing(ctx, "u1", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "hello", page.Items[0].Text)
	assert.Empty(t, page.NextCursor)

	require.NoError(t, follows.Unfollow(ctx, "u1", "u2"))
	posts.now = func() time.Time { return at(200) }
	_, err = posts.CreatePost(ctx, CreatePostInput{AuthorID: "u2", Text: "world"})
	require.NoError(t, err)

	page, err = feed.ComposeFollowing(ctx, "u1", 10, "")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestFeedService_FollowingBatchesLargeFollowSets(t *testing.T) {
	e := newTxEnv(t, docstore.WithMaxInFilter(3))
	ctx := context.Background()
	e.seedUsers(t, "me")

	follows := newFollowService(e, nil, nil, nil)
	for i := range 10 {
		author := fmt.Sprintf("author-%02d", i)
		e.seedUsers(t, author)
		require.NoError(t, follows.Follow(ctx, "me", author))
		e.seedPost(t, fmt.Sprintf("p-%02d", i), author, at(i))
	}
	e.seedPost(t, "p-me", "me", at(50))
	e.seedUsers(t, "stranger")
	e.seedPost(t, "p-stranger", "stranger", at(60))

	feed := NewFeedService(e.users, e.posts, fastRetry())
	page, err := feed.ComposeFollowing(ctx, "me", 100, "")
	require.NoError(t, err)

	require.Len(t, page.Items, 11)
	assert.Equal(t, "p-me", page.Items[0].ID)
	assert.NotContains(t, postIDs(page.Items), "p-stranger")
	assertFeedOrder(t, page.Items)
}

func TestFeedService_FollowingPaginatesWithTies(t *testing.T) {
	e := newTxEnv(t, docstore.WithMaxInFilter(2))
	ctx := context.Background()
	e.seedUsers(t, "me", "a", "b", "c")
	follows := newFollowService(e, nil, nil, nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, follows.Follow(ctx, "me", id))
	}
	// Same timestamp everywhere so ordering falls back to ids.
	for i, author := range []string{"a", "b", "c", "a", "b", "c", "me"} {
		e.seedPost(t, fmt.Sprintf("p%d", i), author, at(0))
	}

	feed := NewFeedService(e.users, e.posts, fastRetry())
	var all []models.Post
	cursor := ""
	for range 10 {
		page, err := feed.ComposeFollowing(ctx, "me", 2, cursor)
		require.NoError(t, err)
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6"}, postIDs(all))
}

func TestFeedService_ForYou(t *testing.T) {
	e := newTxEnv(t)
	ctx := context.Background()
	e.seedUsers(t, "a", "b")
	e.seedPost(t, "old", "a", at(1))
	e.seedPost(t, "mid", "b", at(2))
	e.seedPost(t, "new", "a", at(3))

	feed := NewFeedService(e.users, e.posts, fastRetry())
	first, err := feed.ComposeForYou(ctx, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "mid"}, postIDs(first.Items))
	require.NotEmpty(t, first.NextCursor)

	second, err := feed.ComposeForYou(ctx, 2, first.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, postIDs(second.Items))
	assert.Empty(t, second.NextCursor)

	_, err = feed.ComposeForYou(ctx, 2, "not-a-cursor!")
	assert.True(t, models.IsCode(err, models.CodeValidation))
}

func TestFeedService_FavoritesAndAuthor(t *testing.T) {
	e := newTxEnv(t, docstore.WithMaxInFilter(2))
	ctx := context.Background()
	e.seedUsers(t, "me", "a")
	for i := range 5 {
		e.seedPost(t, fmt.Sprintf("p%d", i), "a", at(i))
	}
	engagement := NewEngagementService(e.users, e.posts, nil, nil, nil, fastRetry())
	for _, id := range []string{"p0", "p2", "p4"} {
		require.NoError(t, engagement.Favorite(ctx, "me", id))
	}
	require.NoError(t, e.posts.Delete(ctx, &models.Post{ID: "p0", AuthorID: "a"}))

	feed := NewFeedService(e.users, e.posts, fastRetry())
	page, err := feed.ComposeFavorites(ctx, "me", 1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p4"}, postIDs(page.Items))

	page, err = feed.ComposeFavorites(ctx, "me", 5, page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, postIDs(page.Items))

	byAuthor, err := feed.ListByAuthor(ctx, "a", 10, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"p4", "p3", "p2", "p1"}, postIDs(byAuthor.Items))

	_, err = feed.ListByAuthor(ctx, "ghost", 10, "")
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestFeedService_WatchFollowing(t *testing.T) {
	e := newTxEnv(t, docstore.WithMaxInFilter(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.seedUsers(t, "me", "a", "b", "c")
	follows := newFollowService(e, nil, nil, nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, follows.Follow(ctx, "me", id))
	}
	e.seedPost(t, "p1", "a", at(1))

	feed := NewFeedService(e.users, e.posts, fastRetry())
	snaps, err := feed.WatchFollowing(ctx, "me", 10)
	require.NoError(t, err)

	select {
	case first, ok := <-snaps:
		require.True(t, ok)
		require.NoError(t, first.Err)
		assert.Equal(t, []string{"p1"}, postIDs(first.Posts))
	case <-time.After(2 * time.Second):
		t.Fatal("no initial feed snapshot")
	}

	e.seedPost(t, "p2", "c", at(2))
	deadline := time.After(2 * time.Second)
	for updated := false; !updated; {
		select {
		case snap, ok := <-snaps:
			require.True(t, ok)
			require.NoError(t, snap.Err)
			if len(snap.Posts) == 2 {
				assert.Equal(t, []string{"p2", "p1"}, postIDs(snap.Posts))
				updated = true
			}
		case <-deadline:
			t.Fatal("feed did not pick up the new post")
		}
	}

	cancel()
	deadline = time.After(2 * time.Second)
	for closed := false; !closed; {
		select {
		case _, ok := <-snaps:
			closed = !ok
		case <-deadline:
			t.Fatal("feed channel not closed after cancel")
		}
	}
}

func TestMergePosts(t *testing.T) {
	mk := func(id string, sec int) models.Post { return models.Post{ID: id, CreatedAt: at(sec)} }
	lists := [][]models.Post{
		{mk("a", 9), mk("b", 5), mk("c", 1)},
		{},
		{mk("d", 9), mk("e", 4)},
		{mk("b", 5)},
	}
	merged := mergePosts(lists, 10)
	assert.Equal(t, []string{"a", "d", "b", "e", "c"}, postIDs(merged))

	assert.Len(t, mergePosts(lists, 2), 2)
	assert.Empty(t, mergePosts(nil, 5))
}
