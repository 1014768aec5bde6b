package analyzer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-beaconsoc/pkg/cache"
	"go-beaconsoc/pkg/config"
	"go-beaconsoc/pkg/models"
	"go-beaconsoc/pkg/storage"
)

var t0 = time.Date(2025, 12, 4, 9, 0, 0, 0, time.UTC)

func visits(key models.IdentityKey, n int, span time.Duration) []models.VisitEvent {
	out := make([]models.VisitEvent, n)
	for i := range out {
		var offset time.Duration
		if n > 1 {
			offset = span * time.Duration(i) / time.Duration(n-1)
		}
		out[i] = models.VisitEvent{IdentityKey: key, Resource: "b1", Timestamp: t0.Add(offset)}
	}
	return out
}

func TestSummarizeWindowAndVisits(t *testing.T) {
	got := DefaultScoring().Summarize(visits("fp_a", 3, 240*time.Second))
	require.Len(t, got, 1)
	s := got[0]
	assert.Equal(t, 3, s.Visits)
	assert.Equal(t, 1, s.Resources)
	assert.Equal(t, int64(240), s.WindowSeconds)
	assert.Equal(t, 17, s.BaseScore)
	assert.Equal(t, 17, s.Score)
	assert.Equal(t, models.Legit, s.Classification)
	assert.Equal(t, "NO 0/3", s.TorSummary())
	assert.Equal(t, t0, s.FirstVisit)
	assert.Equal(t, t0.Add(240*time.Second), s.LastVisit)
}

func TestSummarizeTorOverride(t *testing.T) {
	evs := visits("fp_tor", 1, 0)
	evs[0].FlagTor = true
	got := DefaultScoring().Summarize(evs)
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].BaseScore)
	assert.Equal(t, 100, got[0].Score)
	assert.Equal(t, models.Malicious, got[0].Classification)
	assert.Equal(t, "YES 1/1", got[0].TorSummary())
	assert.Equal(t, 1.0, got[0].TorRatio)
}

func TestSummarizeVPNBoundary(t *testing.T) {
	atSixty := visits("fp_60", 12, 0)
	atSixty[0].FlagVPN = true
	belowSixty := visits("fp_59", 11, 480*time.Second)
	belowSixty[3].FlagVPN = true

	got := DefaultScoring().Summarize(append(atSixty, belowSixty...))
	require.Len(t, got, 2)

	assert.Equal(t, models.IdentityKey("fp_60"), got[0].IdentityKey)
	assert.Equal(t, 60, got[0].BaseScore)
	assert.Equal(t, 80, got[0].Score)
	assert.Equal(t, models.Malicious, got[0].Classification)

	assert.Equal(t, 59, got[1].BaseScore)
	assert.Equal(t, 59, got[1].Score)
	assert.Equal(t, models.Suspicious, got[1].Classification)
	assert.Equal(t, "YES 1/11", got[1].VPNSummary())
}

func TestSummarizeCapsAndSkipsAnonymousEvents(t *testing.T) {
	evs := visits("fp_busy", 30, 2*time.Hour)
	evs = append(evs, models.VisitEvent{Resource: "b1", Timestamp: t0})
	got := DefaultScoring().Summarize(evs)
	require.Len(t, got, 1)
	assert.Equal(t, 100, got[0].Score)
}

func TestSummarizeCountsResourcesNotPayloads(t *testing.T) {
	evs := []models.VisitEvent{
		{IdentityKey: "fp_x", Resource: "beacon-a", Payload: models.PayloadPNG, Timestamp: t0},
		{IdentityKey: "fp_x", Resource: "beacon-b", Payload: models.PayloadPNG, Timestamp: t0},
		{IdentityKey: "fp_x", Resource: "beacon-c", Payload: models.PayloadPNG, Timestamp: t0},
		{IdentityKey: "fp_x", Resource: "beacon-a", Payload: "HTML", Timestamp: t0},
	}
	got := DefaultScoring().Summarize(evs)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].Visits)
	assert.Equal(t, 3, got[0].Resources)
}

func TestSummarizeIgnoresUnparseableTimestamps(t *testing.T) {
	evs := []models.VisitEvent{
		{IdentityKey: "fp_a", Resource: "b1", Timestamp: t0},
		{IdentityKey: "fp_a", Resource: "b2"},
		{IdentityKey: "fp_a", Payload: "PNG", Timestamp: t0.Add(10 * time.Minute)},
		{IdentityKey: "fp_b", Resource: "b1"},
	}
	got := DefaultScoring().Summarize(evs)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Visits)
	assert.Equal(t, 3, got[0].Resources)
	assert.Equal(t, int64(600), got[0].WindowSeconds)
	assert.Equal(t, 20, got[0].BaseScore)

	assert.Equal(t, 1, got[1].Visits)
	assert.Zero(t, got[1].WindowSeconds)
	assert.True(t, got[1].FirstVisit.IsZero())
}

func TestScoringClassifyBoundaries(t *testing.T) {
	s := DefaultScoring()
	assert.Equal(t, models.Legit, s.Classify(49))
	assert.Equal(t, models.Suspicious, s.Classify(50))
	assert.Equal(t, models.Suspicious, s.Classify(79))
	assert.Equal(t, models.Malicious, s.Classify(80))
}

func TestScoringFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Behavior.VisitWeight = 10
	cfg.Behavior.MaliciousAt = 90
	s := ScoringFromConfig(cfg)
	assert.Equal(t, 10, s.VisitWeight)
	assert.Equal(t, 90, s.MaliciousAt)
	assert.Equal(t, int64(120), s.WindowDivisor)
	assert.Equal(t, DefaultScoring(), ScoringFromConfig(nil))
}

type flakyEvents struct {
	events []models.VisitEvent
	err    error
	calls  int
}

func (f *flakyEvents) ListEvents(context.Context) ([]models.VisitEvent, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.VisitEvent(nil), f.events...), nil
}

func newTestAnalyzer(src EventSource, now *time.Time) (*BehaviorAnalyzer, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	a := NewBehaviorAnalyzer(DefaultScoring(), src, cache.NewMemoryCache(), store, 5*time.Minute,
		func() time.Time { return *now })
	return a, store
}

func TestBehaviorsReusesFreshSnapshot(t *testing.T) {
	now := t0
	src := &flakyEvents{events: visits("fp_a", 3, 240*time.Second)}
	a, store := newTestAnalyzer(src, &now)
	ctx := context.Background()

	first, err := a.Behaviors(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, t0, first.ComputedAt)
	saved, at, _ := store.LoadSummaries(ctx)
	assert.Len(t, saved, 1)
	assert.Equal(t, t0, at)

	src.events = append(src.events, visits("fp_b", 1, 0)...)
	now = t0.Add(4*time.Minute + 59*time.Second)
	second, err := a.Behaviors(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls)

	forced, err := a.Behaviors(ctx, true)
	require.NoError(t, err)
	assert.Len(t, forced.Summaries, 2)
	assert.Equal(t, now, forced.ComputedAt)
	assert.Equal(t, 2, src.calls)

	now = now.Add(5 * time.Minute)
	_, err = a.Behaviors(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
}

func TestBehaviorsServesStaleOnFailure(t *testing.T) {
	now := t0
	src := &flakyEvents{events: visits("fp_a", 2, time.Minute)}
	a, _ := newTestAnalyzer(src, &now)
	ctx := context.Background()

	_, err := a.Behaviors(ctx, false)
	require.NoError(t, err)

	src.err = fmt.Errorf("list: %w: %w", models.ErrStorageUnavailable, errors.New("db down"))
	now = t0.Add(time.Hour)
	snap, err := a.Behaviors(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, t0, snap.ComputedAt)
	assert.Len(t, snap.Summaries, 1)
}

func TestBehaviorsFailsWithoutSnapshot(t *testing.T) {
	now := t0
	src := &flakyEvents{err: fmt.Errorf("list: %w", models.ErrStorageUnavailable)}
	a, _ := newTestAnalyzer(src, &now)
	_, err := a.Behaviors(context.Background(), false)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
}

func TestWarmRestoresSavedSnapshot(t *testing.T) {
	now := t0.Add(time.Minute)
	src := &flakyEvents{err: fmt.Errorf("list: %w", models.ErrStorageUnavailable)}
	a, store := newTestAnalyzer(src, &now)
	ctx := context.Background()

	warmed, err := a.Warm(ctx, store)
	require.NoError(t, err)
	assert.False(t, warmed)

	saved := DefaultScoring().Summarize(visits("fp_a", 2, time.Minute))
	require.NoError(t, store.SaveSummaries(ctx, saved, t0))
	warmed, err = a.Warm(ctx, store)
	require.NoError(t, err)
	assert.True(t, warmed)

	snap, err := a.Behaviors(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, t0, snap.ComputedAt)
	assert.Equal(t, saved, snap.Summaries)
	assert.Equal(t, 0, src.calls)

	now = t0.Add(time.Hour)
	snap, err = a.Behaviors(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, t0, snap.ComputedAt)
	assert.Equal(t, 1, src.calls)

	warmed, err = a.Warm(ctx, store)
	require.NoError(t, err)
	assert.False(t, warmed)
}

func TestBehaviorLookupAndObserver(t *testing.T) {
	now := t0
	evs := visits("fp_a", 1, 0)
	evs[0].FlagTor = true
	src := &flakyEvents{events: evs}
	a, _ := newTestAnalyzer(src, &now)

	var observed []cache.Snapshot
	a.OnRecompute(func(_ context.Context, snap cache.Snapshot) { observed = append(observed, snap) })

	s, at, err := a.Behavior(context.Background(), "fp_a", false)
	require.NoError(t, err)
	assert.Equal(t, 100, s.Score)
	assert.Equal(t, t0, at)
	require.Len(t, observed, 1)

	_, _, err = a.Behavior(context.Background(), "fp_missing", false)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Len(t, observed, 1)
}

func TestFilterApply(t *testing.T) {
	summaries := []models.BehaviorSummary{
		{IdentityKey: "a", Classification: models.Legit},
		{IdentityKey: "b", Classification: models.Malicious, TorVisits: 1},
		{IdentityKey: "c", Classification: models.Malicious},
	}
	assert.Len(t, Filter{}.Apply(summaries), 3)
	assert.Len(t, Filter{Classification: models.Malicious}.Apply(summaries), 2)
	got := Filter{Classification: models.Malicious, TorOnly: true}.Apply(summaries)
	require.Len(t, got, 1)
	assert.Equal(t, models.IdentityKey("b"), got[0].IdentityKey)
}
