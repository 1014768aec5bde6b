package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-beaconsoc/pkg/models"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	snap, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	at := time.Date(2025, 12, 4, 9, 0, 0, 0, time.UTC)
	summaries := []models.BehaviorSummary{{IdentityKey: "fp_a", Visits: 3, Score: 17, Classification: models.Legit}}
	require.NoError(t, c.Store(ctx, Snapshot{Summaries: summaries, ComputedAt: at}))

	summaries[0].Score = 99
	snap, err = c.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Summaries, 1)
	assert.Equal(t, 17, snap.Summaries[0].Score)
	assert.Equal(t, 4*time.Minute, snap.Age(at.Add(4*time.Minute)))
}

func TestSnapshotJSONKeepsTimestamps(t *testing.T) {
	at := time.Date(2025, 12, 4, 9, 0, 0, 0, time.UTC)
	in := Snapshot{
		Summaries:  []models.BehaviorSummary{{IdentityKey: "fp_a", FirstVisit: at, LastVisit: at.Add(time.Minute)}},
		ComputedAt: at,
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Snapshot
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.ComputedAt.Equal(at))
	assert.Equal(t, at.Add(time.Minute), out.Summaries[0].LastVisit)
}

func TestRedisCacheUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	c := NewRedisCache(rdb, "", time.Hour)

	_, err := c.Load(context.Background())
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.ErrorIs(t, c.Store(context.Background(), Snapshot{}), models.ErrStorageUnavailable)

	_, err = Dial(context.Background(), "127.0.0.1:1", "", 0)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
}
