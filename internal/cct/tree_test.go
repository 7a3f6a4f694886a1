package cct

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

func TestInsertDeduplicatesSameTriple(t *testing.T) {
	tr := NewTree()

	main, err := tr.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)

	again, err := tr.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)

	assert.Equal(t, main, again, "context_insert of the same triple must return the same handle")
	assert.Equal(t, 2, tr.Len()) // root + main
}

func TestInsertDistinguishesRelation(t *testing.T) {
	tr := NewTree()

	subscope, err := tr.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)
	call, err := tr.Insert(profile.RootContextID, profile.RelationCall, profile.FunctionScope(1))
	require.NoError(t, err)

	assert.NotEqual(t, subscope, call)
}

func TestConcurrentInsertIsAtMostOnce(t *testing.T) {
	tr := NewTree()

	const n = 64
	ids := make([]profile.ContextID, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id, err := tr.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(42))
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 2, tr.Len())
}

func TestFinalizeAssignsDenseDepthOrderedIdentifiers(t *testing.T) {
	tr := NewTree()

	// main -> foo -> bar, and main -> foo -> [call] -> baz (scenario 1/2 of §8)
	main, err := tr.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)
	foo, err := tr.Insert(main, profile.RelationSubscope, profile.FunctionScope(2))
	require.NoError(t, err)
	_, err = tr.Insert(foo, profile.RelationSubscope, profile.FunctionScope(3)) // bar
	require.NoError(t, err)
	_, err = tr.Insert(foo, profile.RelationCall, profile.FunctionScope(4)) // baz
	require.NoError(t, err)

	finalIDs, err := tr.Finalize()
	require.NoError(t, err)
	require.Len(t, finalIDs, 5) // root, main, foo, bar, baz

	seen := make(map[profile.ContextID]bool)
	for _, id := range finalIDs {
		assert.False(t, seen[id], "identifiers must be unique")
		seen[id] = true
	}
	for i := profile.ContextID(0); i < profile.ContextID(len(finalIDs)); i++ {
		assert.True(t, seen[i], "identifiers must form a dense [0,N) range")
	}

	rootFinal, err := tr.FinalID(profile.RootContextID)
	require.NoError(t, err)
	assert.Equal(t, profile.ContextID(0), rootFinal, "root is always identifier 0")
}

func TestFinalizeIsIdempotent(t *testing.T) {
	tr := NewTree()
	_, err := tr.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)

	first, err := tr.Finalize()
	require.NoError(t, err)
	second, err := tr.Finalize()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPlaceholderEqualityByShortcode(t *testing.T) {
	tr := NewTree()

	a, err := tr.Insert(profile.RootContextID, profile.RelationSubscope, profile.PlaceholderScope(profile.PlaceholderOpenMPIdle))
	require.NoError(t, err)
	b, err := tr.Insert(profile.RootContextID, profile.RelationSubscope, profile.PlaceholderScope(profile.PlaceholderOpenMPIdle))
	require.NoError(t, err)
	c, err := tr.Insert(profile.RootContextID, profile.RelationSubscope, profile.PlaceholderScope(profile.PlaceholderGPUCopy))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
