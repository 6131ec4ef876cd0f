package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	now := time.Now()
	require.NoError(t, s.Add(ctx, Info{ID: "b", Target: "127.0.0.1:22", State: "connecting", StartedAt: now.Add(time.Second)}))
	require.NoError(t, s.Add(ctx, Info{ID: "a", Target: "127.0.0.1:80", State: "connecting", StartedAt: now}))
	require.Error(t, s.Add(ctx, Info{ID: "a"}), "duplicate ids are rejected")

	s.Update(ctx, "a", "open")
	s.Update(ctx, "missing", "open")

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID, "sorted by start time")
	assert.Equal(t, "open", list[0].State)

	s.RecordConnectFailure()
	s.Remove(ctx, "a")
	s.Remove(ctx, "a")

	assert.Equal(t, 1, s.Count())
	assert.Equal(t, Stats{Active: 1, TotalSessions: 2, ConnectFailures: 1}, s.Stats())
	require.NoError(t, s.Close())
}

func TestMemoryStoreReadiness(t *testing.T) {
	s := NewMemory()
	assert.False(t, s.IsReady())
	assert.False(t, s.IsClosing())
	s.SetReady(true)
	s.SetClosing(true)
	assert.True(t, s.IsReady())
	assert.True(t, s.IsClosing())
}

func TestNewWithoutRedisIsMemory(t *testing.T) {
	s, err := New("", "", 0)
	require.NoError(t, err)
	_, ok := s.(*memoryStore)
	assert.True(t, ok)
}
