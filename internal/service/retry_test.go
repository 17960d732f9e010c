package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"plaza/internal/docstore"
	"plaza/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("transient errors are retried", func(t *testing.T) {
		calls, retries := 0, 0
		err := fastRetry().Do(ctx, func(context.Context) error {
			calls++
			if calls < 3 {
				return fmt.Errorf("write: %w", docstore.ErrTransient)
			}
			return nil
		}, func(error) { retries++ })
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 2, retries)
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		calls := 0
		err := fastRetry().Do(ctx, func(context.Context) error {
			calls++
			return docstore.ErrNotFound
		}, nil)
		assert.ErrorIs(t, err, docstore.ErrNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("budget exhausted becomes unavailable", func(t *testing.T) {
		calls := 0
		err := unavailable(fastRetry().Do(ctx, func(context.Context) error {
			calls++
			return docstore.ErrTransient
		}, nil))
		assert.Equal(t, 3, calls)
		assert.True(t, models.IsCode(err, models.CodeUnavailable))
	})
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, unavailable(nil))
	assert.True(t, models.IsCode(unavailable(context.Canceled), models.CodeUnavailable))
	assert.True(t, models.IsCode(unavailable(errors.New("boom")), models.CodeInternal))

	selfFollow := models.NewSelfFollowError()
	assert.Same(t, selfFollow, unavailable(selfFollow))
}

func TestRetryPolicy_Normalized(t *testing.T) {
	p := RetryPolicy{}.normalized()
	assert.Equal(t, DefaultRetryPolicy(), p)

	p = RetryPolicy{Attempts: 2, Initial: 2 * time.Second}.normalized()
	assert.Equal(t, uint(2), p.Attempts)
	assert.Equal(t, 2*time.Second, p.Max)
}

func TestCursorTokens(t *testing.T) {
	assert.Equal(t, defaultPageSize, clampLimit(0))
	assert.Equal(t, maxPageSize, clampLimit(1000))
	assert.Equal(t, 7, clampLimit(7))

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c, err := decodeTimeCursor(encodeTimeCursor(at, "p9"))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(at))
	assert.Equal(t, "p9", c.ID)

	c, err = decodeTimeCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{"!!", encodeToken(pageToken{ID: "p9"}), "bm90IGpzb24"} {
		_, err := decodeTimeCursor(bad)
		assert.True(t, models.IsCode(err, models.CodeValidation), bad)
	}

	page := postPage(nil, 5)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.NextCursor)
}
