package acl

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetPut(t *testing.T) {
	c := NewCache(8, 0)

	_, ok := c.Get(ActionPublish, "a/b")
	require.False(t, ok, "empty cache should miss")

	c.Put(ActionPublish, "a/b", Allow)
	c.Put(ActionSubscribe, "a/b", Deny)

	d, ok := c.Get(ActionPublish, "a/b")
	require.True(t, ok)
	assert.Equal(t, Allow, d)

	d, ok = c.Get(ActionSubscribe, "a/b")
	require.True(t, ok)
	assert.Equal(t, Deny, d)
}

func TestCacheBounded(t *testing.T) {
	c := NewCache(4, 0)

	for i := 0; i < 16; i++ {
		c.Put(ActionPublish, fmt.Sprintf("t/%d", i), Allow)
	}
	assert.LessOrEqual(t, c.Len(), 4)

	_, ok := c.Get(ActionPublish, "t/0")
	assert.False(t, ok, "t/0 should have been evicted")
	_, ok = c.Get(ActionPublish, "t/15")
	assert.True(t, ok, "t/15 should still be cached")
}

func TestCachePurge(t *testing.T) {
	c := NewCache(8, 0)
	c.Put(ActionPublish, "a", Allow)
	c.Purge()
	assert.Zero(t, c.Len())
}

func TestCacheTTL(t *testing.T) {
	c := NewCache(8, 20*time.Millisecond)
	c.Put(ActionPublish, "a", Allow)
	time.Sleep(60 * time.Millisecond)
	_, ok := c.Get(ActionPublish, "a")
	assert.False(t, ok, "entry should have expired")
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "publish", ActionPublish.String())
	assert.Equal(t, "subscribe", ActionSubscribe.String())
}
