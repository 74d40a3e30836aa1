// internal/sync/resultcache_test.go
package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultKeyOrderIndependent(t *testing.T) {
	a := ResultKey("owner-1", []string{"b", "a", "c"})
	b := ResultKey("owner-1", []string{"c", "b", "a"})
	require.Equal(t, a, b)

	// 呼び出し側のスライスは破壊しない
	ids := []string{"z", "a"}
	_ = ResultKey("owner-1", ids)
	require.Equal(t, []string{"z", "a"}, ids)
}

func TestResultKeySeparatesOwners(t *testing.T) {
	require.NotEqual(t,
		ResultKey("owner-1", []string{"a"}),
		ResultKey("owner-2", []string{"a"}),
	)
}

func TestResultCacheRoundtrip(t *testing.T) {
	rc := NewResultCache()

	key := ResultKey("owner-1", []string{"a", "b"})
	_, ok := rc.Get(key)
	require.False(t, ok)

	rc.Set(key, 42)
	v, ok := rc.Get(key)
	require.True(t, ok)
	require.Equal(t, 42, v)
}

func TestResultCacheInvalidateOwner(t *testing.T) {
	rc := NewResultCache()

	k1 := ResultKey("owner-1", []string{"a"})
	k2 := ResultKey("owner-1", []string{"a", "b"})
	k3 := ResultKey("owner-2", []string{"a"})
	rc.Set(k1, 1)
	rc.Set(k2, 2)
	rc.Set(k3, 3)

	rc.InvalidateOwner("owner-1")

	_, ok := rc.Get(k1)
	require.False(t, ok)
	_, ok = rc.Get(k2)
	require.False(t, ok)
	v, ok := rc.Get(k3)
	require.True(t, ok)
	require.Equal(t, 3, v)
}
