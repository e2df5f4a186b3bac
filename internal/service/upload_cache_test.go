package service

import (
	"errors"
	"testing"
	"time"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(ttl time.Duration, max int) (*UploadCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)}
	c := NewUploadCache(ttl, max)
	c.now = clock.Now
	return c, clock
}

func TestUploadCacheOwnerIsolation(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)

	entry, err := c.Put(&FileAnalysis{OwnerID: 1, Filename: "a.txt", Text: "hello", Cost: 1})
	require.NoError(t, err)
	assert.Len(t, entry.Token, 32)

	got, err := c.Get(entry.Token, 1)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)

	_, err = c.Get(entry.Token, 2)
	assert.True(t, errors.Is(err, apperr.ErrTokenNotFound))

	_, err = c.Get("missing", 1)
	assert.True(t, errors.Is(err, apperr.ErrTokenNotFound))

	assert.False(t, c.Delete(entry.Token, 2), "非本人不可删除")
	assert.True(t, c.Delete(entry.Token, 1))
	_, err = c.Get(entry.Token, 1)
	assert.True(t, errors.Is(err, apperr.ErrTokenNotFound))
}

func TestUploadCacheTTL(t *testing.T) {
	c, clock := newTestCache(time.Hour, 10)

	entry, err := c.Put(&FileAnalysis{OwnerID: 7, Text: "x"})
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, err = c.Get(entry.Token, 7)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = c.Get(entry.Token, 7)
	assert.True(t, errors.Is(err, apperr.ErrTokenNotFound))
	assert.Equal(t, 0, c.Len())
}

func TestUploadCacheEvictsOldest(t *testing.T) {
	c, clock := newTestCache(time.Hour, 2)

	first, _ := c.Put(&FileAnalysis{OwnerID: 1, Text: "1"})
	clock.Advance(time.Second)
	second, _ := c.Put(&FileAnalysis{OwnerID: 1, Text: "2"})
	clock.Advance(time.Second)
	third, _ := c.Put(&FileAnalysis{OwnerID: 1, Text: "3"})

	assert.Equal(t, 2, c.Len())
	_, err := c.Get(first.Token, 1)
	assert.Error(t, err, "最旧条目应被淘汰")
	_, err = c.Get(second.Token, 1)
	assert.NoError(t, err)
	_, err = c.Get(third.Token, 1)
	assert.NoError(t, err)
}

func TestUploadCacheSweep(t *testing.T) {
	c, clock := newTestCache(10*time.Minute, 10)

	c.Put(&FileAnalysis{OwnerID: 1})
	c.Put(&FileAnalysis{OwnerID: 2})
	clock.Advance(5 * time.Minute)
	c.Put(&FileAnalysis{OwnerID: 3})

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 2, c.SweepExpired())
	assert.Equal(t, 1, c.Len())
}

func TestUploadCacheReturnsCopies(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	entry, _ := c.Put(&FileAnalysis{OwnerID: 1, Text: "orig"})

	got, _ := c.Get(entry.Token, 1)
	got.Text = "mutated"

	again, _ := c.Get(entry.Token, 1)
	assert.Equal(t, "orig", again.Text)
}
