package smap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_InsertGetRemove(t *testing.T) {
	t.Parallel()

	m := New[string]()

	assert.True(t, m.InsertIfAbsent(1, "init"))
	assert.False(t, m.InsertIfAbsent(1, "other"))

	v, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, "init", v)

	popped, ok := m.Pop(1)
	require.True(t, ok)
	assert.Equal(t, "init", popped)

	_, ok = m.Get(1)
	assert.False(t, ok)
}

func TestMap_ConcurrentInsert(t *testing.T) {
	t.Parallel()

	m := New[int]()

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			m.Insert(i, i*i)
		}()
	}
	wg.Wait()

	assert.Equal(t, 64, m.Count())
	assert.Len(t, m.Items(), 64)
}
