package healthcheck

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDeadAfterTimeout(t *testing.T) {
	r := NewRegistry("")
	r.Update("worker_agg_0", time.Now().Add(-30*time.Second))
	r.Update("worker_agg_1", time.Now())

	dead := r.Dead(15 * time.Second)
	require.Len(t, dead, 1)
	assert.Equal(t, "worker_agg_0", dead[0])

	alive := r.Alive(15 * time.Second)
	require.Len(t, alive, 1)
	assert.Equal(t, "worker_agg_1", alive[0])
}

func TestRegistryPersistAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r := NewRegistry(path)
	ts := time.Now().Truncate(time.Second)
	r.Update("worker_filter_0", ts)

	require.NoError(t, r.Persist())

	loaded := NewRegistry(path)
	require.NoError(t, loaded.Load())
	alive := loaded.Alive(time.Hour)
	require.Len(t, alive, 1)
	assert.Equal(t, "worker_filter_0", alive[0])
}

func TestRegistryLoadMissingFileIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	r := NewRegistry(path)
	assert.NoError(t, r.Load())
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry("")
	r.Update("health_checker_1", time.Now())
	r.Remove("health_checker_1")
	assert.Empty(t, r.Keys())
}
