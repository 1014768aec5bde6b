package analyzer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-beaconsoc/pkg/cache"
	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/metrics"
	"go-beaconsoc/pkg/models"
	"go-beaconsoc/pkg/storage"
)

// EventSource 行为聚合读取的访问事件
type EventSource interface {
	ListEvents(ctx context.Context) ([]models.VisitEvent, error)
}

// Observer 每次重新计算后回调，用于告警
type Observer func(ctx context.Context, snap cache.Snapshot)

// Filter 快照过滤条件，零值不过滤
type Filter struct {
	Classification string
	TorOnly        bool
}

// BehaviorAnalyzer 按需计算并缓存所有身份的行为评分。
// 并发请求可能重复计算，结果整体替换缓存。
type BehaviorAnalyzer struct {
	scoring Scoring
	events  EventSource
	cache   cache.SummaryCache
	writer  storage.SummaryWriter
	clock   models.Clock
	ttl     time.Duration

	mu        sync.RWMutex
	observers []Observer
}

// NewBehaviorAnalyzer writer 可为 nil
func NewBehaviorAnalyzer(scoring Scoring, events EventSource, snapshots cache.SummaryCache, writer storage.SummaryWriter, ttl time.Duration, clock models.Clock) *BehaviorAnalyzer {
	if snapshots == nil {
		snapshots = cache.NewMemoryCache()
	}
	if clock == nil {
		clock = models.SystemClock
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &BehaviorAnalyzer{
		scoring: scoring,
		events:  events,
		cache:   snapshots,
		writer:  writer,
		clock:   clock,
		ttl:     ttl,
	}
}

// Scoring 当前评分常量
func (a *BehaviorAnalyzer) Scoring() Scoring { return a.scoring }

// OnRecompute 注册重新计算后的回调
func (a *BehaviorAnalyzer) OnRecompute(obs Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, obs)
}

// Warm 缓存为空时用上次持久化的聚合结果填充，重启后重新计算失败也有快照可用
func (a *BehaviorAnalyzer) Warm(ctx context.Context, reader storage.SummaryReader) (bool, error) {
	if cached, err := a.cache.Load(ctx); err == nil && cached != nil {
		return false, nil
	}
	summaries, computedAt, err := reader.LoadSummaries(ctx)
	if err != nil {
		return false, fmt.Errorf("load saved summaries: %w", err)
	}
	if computedAt.IsZero() {
		return false, nil
	}
	if err := a.cache.Store(ctx, cache.Snapshot{Summaries: summaries, ComputedAt: computedAt}); err != nil {
		return false, fmt.Errorf("store warm snapshot: %w", err)
	}
	logger.Log.Infow("从持久化结果恢复行为快照", "identities", len(summaries), "computed_at", models.FormatTimestamp(computedAt))
	return true, nil
}

// Behaviors 缓存未过期且未强制时直接返回缓存快照。
// 重新计算失败时返回过期快照，没有快照才返回错误。
func (a *BehaviorAnalyzer) Behaviors(ctx context.Context, force bool) (cache.Snapshot, error) {
	now := a.clock()
	cached, err := a.cache.Load(ctx)
	if err != nil {
		logger.Log.Warnw("读取行为快照失败，重新计算", "error", err)
		cached = nil
	}
	if !force && cached != nil && cached.Age(now) < a.ttl {
		metrics.BehaviorComputations.WithLabelValues("cache").Inc()
		return *cached, nil
	}

	snap, err := a.recompute(ctx, now)
	if err != nil {
		if cached != nil {
			metrics.BehaviorComputations.WithLabelValues("stale").Inc()
			logger.Log.Warnw("行为重新计算失败，返回过期快照", "computed_at", models.FormatTimestamp(cached.ComputedAt), "error", err)
			return *cached, nil
		}
		return cache.Snapshot{}, err
	}
	return snap, nil
}

func (a *BehaviorAnalyzer) recompute(ctx context.Context, now time.Time) (cache.Snapshot, error) {
	events, err := a.events.ListEvents(ctx)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("list_events").Inc()
		return cache.Snapshot{}, fmt.Errorf("load visit events: %w", err)
	}

	snap := cache.Snapshot{
		Summaries:  a.scoring.Summarize(events),
		ComputedAt: now.UTC().Truncate(time.Second),
	}
	metrics.BehaviorComputations.WithLabelValues("recompute").Inc()
	a.record(snap.Summaries)

	if err := a.cache.Store(ctx, snap); err != nil {
		logger.Log.Warnw("行为快照缓存失败", "error", err)
	}
	if a.writer != nil {
		if err := a.writer.SaveSummaries(ctx, snap.Summaries, snap.ComputedAt); err != nil {
			metrics.StorageErrors.WithLabelValues("save_summaries").Inc()
			logger.Log.Warnw("行为聚合结果保存失败", "error", err)
		}
	}
	logger.Log.Infow("行为聚合完成", "identities", len(snap.Summaries), "events", len(events))

	a.mu.RLock()
	observers := append([]Observer(nil), a.observers...)
	a.mu.RUnlock()
	for _, obs := range observers {
		obs(ctx, snap)
	}
	return snap, nil
}

func (a *BehaviorAnalyzer) record(summaries []models.BehaviorSummary) {
	counts := map[string]int{models.Legit: 0, models.Suspicious: 0, models.Malicious: 0}
	for _, s := range summaries {
		metrics.BehaviorScores.Observe(float64(s.Score))
		counts[s.Classification]++
	}
	for class, n := range counts {
		metrics.Classifications.WithLabelValues(class).Set(float64(n))
	}
}

// Behavior 单个身份的行为评分，没有关联事件时返回 ErrNotFound
func (a *BehaviorAnalyzer) Behavior(ctx context.Context, key models.IdentityKey, force bool) (models.BehaviorSummary, time.Time, error) {
	snap, err := a.Behaviors(ctx, force)
	if err != nil {
		return models.BehaviorSummary{}, time.Time{}, err
	}
	for _, s := range snap.Summaries {
		if s.IdentityKey == key {
			return s, snap.ComputedAt, nil
		}
	}
	return models.BehaviorSummary{}, snap.ComputedAt, fmt.Errorf("behavior %s: %w", key, models.ErrNotFound)
}

// Apply 按分类和 TOR 过滤
func (f Filter) Apply(summaries []models.BehaviorSummary) []models.BehaviorSummary {
	out := make([]models.BehaviorSummary, 0, len(summaries))
	for _, s := range summaries {
		if f.Classification != "" && s.Classification != f.Classification {
			continue
		}
		if f.TorOnly && s.TorVisits == 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}
