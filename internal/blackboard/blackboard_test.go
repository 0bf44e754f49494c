package blackboard

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlackboard_PutGet(t *testing.T) {
	b := New()

	_, ok := b.Get("missing")
	assert.False(t, ok)

	b.Put("artifact:plan", "v1")
	v, ok := b.Get("artifact:plan")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	// Overwrite keeps the latest value.
	b.Put("artifact:plan", "v2")
	v, _ = b.Get("artifact:plan")
	assert.Equal(t, "v2", v)
}

func TestBlackboard_ListByPrefix(t *testing.T) {
	b := New()
	b.Put("inbox:bob:2", 2)
	b.Put("inbox:alice:1", 1)
	b.Put("inbox:alice:0", 0)
	b.Put("artifact:spec", "doc")

	entries := b.List("inbox:alice:")
	require.Len(t, entries, 2)
	assert.Equal(t, "inbox:alice:0", entries[0].Key)
	assert.Equal(t, "inbox:alice:1", entries[1].Key)

	assert.Len(t, b.List(""), 4)
	assert.Empty(t, b.List("nope:"))
}

func TestBlackboard_Delete(t *testing.T) {
	b := New()
	b.Put("k", 1)
	b.Delete("k")
	b.Delete("k")

	_, ok := b.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())
}

func TestBlackboard_ConcurrentAccess(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("w%d:%d", worker, j)
				b.Put(key, j)
				b.Get(key)
				b.List(fmt.Sprintf("w%d:", worker))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 800, b.Len())
}

func TestBlackboard_Reset(t *testing.T) {
	b := New()
	b.Put("k", 1)
	b.Reset()
	assert.Equal(t, 0, b.Len())
}
