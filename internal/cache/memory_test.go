package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	c := NewMemory(100)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "technical:u1:q1", []byte("hit"), time.Minute))

	val, ok, err := c.Get(ctx, "technical:u1:q1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hit"), val)

	_, ok, err = c.Get(ctx, "technical:u1:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory(100)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDeletePrefix(t *testing.T) {
	c := NewMemory(100)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, UserPrefix("work", "u1")+"q1", []byte("a"), time.Minute))
	require.NoError(t, c.Set(ctx, UserPrefix("work", "u1")+"q2", []byte("b"), time.Minute))
	require.NoError(t, c.Set(ctx, UserPrefix("work", "u2")+"q1", []byte("c"), time.Minute))
	require.NoError(t, c.Set(ctx, UserPrefix("personal", "u1")+"q1", []byte("d"), time.Minute))

	require.NoError(t, c.DeletePrefix(ctx, UserPrefix("work", "u1")))

	_, ok, _ := c.Get(ctx, UserPrefix("work", "u1")+"q1")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, UserPrefix("work", "u1")+"q2")
	assert.False(t, ok)
	// Other users and modules survive.
	_, ok, _ = c.Get(ctx, UserPrefix("work", "u2")+"q1")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, UserPrefix("personal", "u1")+"q1")
	assert.True(t, ok)
}

func TestMemoryEvictionBoundsSize(t *testing.T) {
	c := NewMemory(50)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute))
	}
	assert.LessOrEqual(t, c.Len(), 50)
}

func TestKeyNamespacing(t *testing.T) {
	assert.Equal(t, "learning:u1:search:abc", Key("learning", "u1", "search", "abc"))
	assert.Equal(t, "learning:u1:", UserPrefix("learning", "u1"))
	// Distinct users never share a prefix.
	assert.NotEqual(t, UserPrefix("m", "u1"), UserPrefix("m", "u11")[:len(UserPrefix("m", "u1"))])
}
