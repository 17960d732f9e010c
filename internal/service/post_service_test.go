package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"plaza/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostService_CreateValidation(t *testing.T) {
	e := newTxEnv(t)
	e.seedUsers(t, "a")
	svc := NewPostService(e.users, e.posts, fastRetry())
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreatePostInput
		code string
	}{
		{"empty", CreatePostInput{AuthorID: "a", Text: "   "}, models.CodeValidation},
		{"too long", CreatePostInput{AuthorID: "a", Text: strings.Repeat("ñ", maxPostLen+1)}, models.CodeValidation},
		{"too many images", CreatePostInput{AuthorID: "a", ImageRefs: []string{"1", "2", "3", "4", "5"}}, models.CodeValidation},
		{"unknown author", CreatePostInput{AuthorID: "ghost", Text: "hi"}, models.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePost(ctx, tt.in)
			assert.Equal(t, tt.code, models.ErrorCode(err))
		})
	}

	post, err := svc.CreatePost(ctx, CreatePostInput{AuthorID: "a", Text: strings.Repeat("ñ", maxPostLen)})
	require.NoError(t, err)
	assert.NotEmpty(t, post.ID)

	imageOnly, err := svc.CreatePost(ctx, CreatePostInput{AuthorID: "a", ImageRefs: []string{" img/1.webp ", ""}})
	require.NoError(t, err)
	assert.Equal(t, []string{"img/1.webp"}, imageOnly.ImageRefs)
}

func TestPostService_PostCountFollowsCreateAndDelete(t *testing.T) {
	plain, _ := newPlainEnv(t)
	for name, e := range map[string]*testEnv{"transactional": newTxEnv(t), "ordered": plain} {
		t.Run(name, func(t *testing.T) {
			e.seedUsers(t, "a", "b")
			svc := NewPostService(e.users, e.posts, fastRetry())
			ctx := context.Background()
			now := at(0)
			svc.now = func() time.Time { now = now.Add(time.Second); return now }

			var ids []string
			for i := range 3 {
				p, err := svc.CreatePost(ctx, CreatePostInput{AuthorID: "a", Text: fmt.Sprintf("post %d", i)})
				require.NoError(t, err)
				ids = append(ids, p.ID)
			}
			assert.Equal(t, int64(3), e.user(t, "a").PostCount)

			err := svc.DeletePost(ctx, "b", ids[0])
			assert.True(t, models.IsCode(err, models.CodeForbidden))

			require.NoError(t, svc.DeletePost(ctx, "a", ids[0]))
			assert.Equal(t, int64(2), e.user(t, "a").PostCount)

			_, err = svc.GetPost(ctx, ids[0])
			assert.True(t, models.IsCode(err, models.CodeNotFound))

			err = svc.DeletePost(ctx, "a", ids[0])
			assert.True(t, models.IsCode(err, models.CodeNotFound))
		})
	}
}

func TestPostService_CreatedAtIsMillisecondPrecision(t *testing.T) {
	e := newTxEnv(t)
	e.seedUsers(t, "a")
	svc := NewPostService(e.users, e.posts, fastRetry())
	svc.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 123456789, time.UTC) }

	post, err := svc.CreatePost(context.Background(), CreatePostInput{AuthorID: "a", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, 123000000, post.CreatedAt.Nanosecond())
}

func TestCommentService(t *testing.T) {
	e := newTxEnv(t)
	ctx := context.Background()
	e.seedUsers(t, "author", "fan")
	e.seedPost(t, "p1", "author", at(0))
	sink := &recordingSink{}
	svc := NewCommentService(e.posts, e.comments, sink, fastRetry())
	now := at(0)
	svc.now = func() time.Time { now = now.Add(time.Second); return now }

	for i := range 3 {
		_, err := svc.AddComment(ctx, "fan", "p1", fmt.Sprintf("nice %d", i))
		require.NoError(t, err)
	}
	_, err := svc.AddComment(ctx, "author", "p1", "thanks")
	require.NoError(t, err)

	post, err := e.posts.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), post.CommentCount)

	page, err := svc.ListComments(ctx, "p1", 3, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "thanks", page.Items[0].Text)
	rest, err := svc.ListComments(ctx, "p1", 3, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.Equal(t, "nice 0", rest.Items[0].Text)

	// The author's own comment does not notify them.
	assert.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	for _, ev := range sink.snapshot() {
		assert.Equal(t, models.EngagementComment, ev.Kind)
		assert.Equal(t, "author", ev.TargetUserID)
	}

	_, err = svc.AddComment(ctx, "fan", "ghost", "hi")
	assert.True(t, models.IsCode(err, models.CodeNotFound))
	_, err = svc.AddComment(ctx, "fan", "p1", strings.Repeat("x", maxCommentLen+1))
	assert.True(t, models.IsCode(err, models.CodeValidation))
	_, err = svc.ListComments(ctx, "ghost", 3, "")
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}
