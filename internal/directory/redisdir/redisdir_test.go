package redisdir

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrepl/procmesh/internal/directory"
)

func TestDirectory(t *testing.T) {
	addr := os.Getenv("PROCMESH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROCMESH_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "procmesh-test-" + uuid.New().String()
	d := New(client, prefix, time.Second, true)
	defer d.Close()
	defer client.Del(ctx, prefix+":processes", prefix+":owners")

	added, err := d.AddProcessIfAbsent(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = d.AddProcessIfAbsent(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.False(t, added)
	_, err = d.AddProcessIfAbsent(ctx, "AAAA0000")
	require.NoError(t, err)

	procs, err := d.ListProcesses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAAA0000", "ABCD1234"}, procs)
	require.NoError(t, d.RemoveProcess(ctx, "AAAA0000"))
	procs, err = d.ListProcesses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ABCD1234"}, procs)

	_, err = d.ConnectionOwner(ctx, "c1")
	assert.Equal(t, directory.ErrNotFound, errors.Cause(err))
	require.NoError(t, d.SetConnectionOwner(ctx, "c1", "ABCD1234"))
	owner, err := d.ConnectionOwner(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "ABCD1234", owner)
	require.NoError(t, d.RemoveConnectionOwner(ctx, "c1"))
	_, err = d.ConnectionOwner(ctx, "c1")
	assert.Equal(t, directory.ErrNotFound, errors.Cause(err))
}
