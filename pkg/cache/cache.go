package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go-beaconsoc/pkg/models"
)

// Snapshot 一次行为聚合的完整结果和计算时间
type Snapshot struct {
	Summaries  []models.BehaviorSummary `json:"summaries"`
	ComputedAt time.Time                `json:"computed_at"`
}

// Age 相对 now 的年龄
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ComputedAt)
}

// SummaryCache 行为快照缓存；新鲜度由调用方按 ComputedAt 判断，
// 这样重新计算失败时还能拿到过期快照
type SummaryCache interface {
	// Load 没有快照时返回 (nil, nil)
	Load(ctx context.Context) (*Snapshot, error)
	Store(ctx context.Context, snap Snapshot) error
}

// MemoryCache 进程内快照，整体替换
type MemoryCache struct {
	snap atomic.Pointer[Snapshot]
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Load(context.Context) (*Snapshot, error) {
	s := c.snap.Load()
	if s == nil {
		return nil, nil
	}
	out := Snapshot{
		Summaries:  append([]models.BehaviorSummary(nil), s.Summaries...),
		ComputedAt: s.ComputedAt,
	}
	return &out, nil
}

func (c *MemoryCache) Store(_ context.Context, snap Snapshot) error {
	snap.Summaries = append([]models.BehaviorSummary(nil), snap.Summaries...)
	c.snap.Store(&snap)
	return nil
}
