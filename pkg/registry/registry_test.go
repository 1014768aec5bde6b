package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-beaconsoc/pkg/models"
	"go-beaconsoc/pkg/storage"
)

const payload = `{
  "metadata": {"platform": "Win32", "timezone": "Europe/Madrid", "language": "es-ES", "screen": "1920x1080",
               "user_agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36"},
  "engines": {"fingerprintjs": {"data": {"visitorId": "abc"}}, "thumbmark": {"hash": "x"}}
}`

func rawPayload(t *testing.T) models.RawFingerprint {
	t.Helper()
	var raw models.RawFingerprint
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	return raw
}

type steppingClock struct{ now time.Time }

func (c *steppingClock) Now() time.Time {
	c.now = c.now.Add(time.Minute)
	return c.now
}

func TestUpsertCreatesThenTouches(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := &steppingClock{now: time.Date(2025, 12, 4, 9, 0, 0, 0, time.UTC)}
	reg := New(store, clock.Now)
	ctx := context.Background()

	key, created, err := reg.Upsert(ctx, rawPayload(t), models.Source{Channel: "html", Resource: "lure-1"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := reg.Upsert(ctx, rawPayload(t), models.Source{Channel: "api"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, key, again)

	rec, err := reg.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "lure-1", rec.Source.Resource)
	assert.Equal(t, time.Date(2025, 12, 4, 9, 1, 0, 0, time.UTC), rec.FirstSeen)
	assert.Equal(t, time.Date(2025, 12, 4, 9, 2, 0, 0, time.UTC), rec.LastSeen)
	assert.Equal(t, 0.5, rec.Confidence)
	assert.Equal(t, []string{"fingerprintjs", "thumbmark"}, rec.Engines)

	all, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertRejectsEmptyPayload(t *testing.T) {
	reg := New(storage.NewMemoryStore(), nil)
	key, created, err := reg.Upsert(context.Background(), models.RawFingerprint{"engines": map[string]any{}}, models.Source{})
	assert.ErrorIs(t, err, models.ErrMalformedInput)
	assert.Empty(t, key)
	assert.False(t, created)
}

type brokenRepo struct{ storage.FingerprintRepository }

func (brokenRepo) UpsertFingerprint(context.Context, *models.FingerprintRecord) (bool, error) {
	return false, fmt.Errorf("insert: %w: %w", models.ErrStorageUnavailable, errors.New("disk full"))
}

func TestUpsertStorageFailureYieldsNoKey(t *testing.T) {
	reg := New(brokenRepo{}, nil)
	key, _, err := reg.Upsert(context.Background(), rawPayload(t), models.Source{})
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Empty(t, key)
}

func TestGetMissing(t *testing.T) {
	reg := New(storage.NewMemoryStore(), nil)
	_, err := reg.Get(context.Background(), "fp_nothing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
