package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-beaconsoc/pkg/models"
)

// MemoryStore 进程内存储，用于单机调试和测试
type MemoryStore struct {
	mu           sync.RWMutex
	fingerprints map[models.IdentityKey]models.FingerprintRecord
	events       []models.VisitEvent
	summaries    []models.BehaviorSummary
	computedAt   time.Time
	alerts       []models.AlertEvent
	seq          int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fingerprints: make(map[models.IdentityKey]models.FingerprintRecord),
	}
}

func (m *MemoryStore) UpsertFingerprint(_ context.Context, rec *models.FingerprintRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.fingerprints[rec.Key]; ok {
		existing.LastSeen = rec.LastSeen
		m.fingerprints[rec.Key] = existing
		return false, nil
	}
	m.fingerprints[rec.Key] = *rec
	return true, nil
}

func (m *MemoryStore) GetFingerprint(_ context.Context, key models.IdentityKey) (*models.FingerprintRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.fingerprints[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) ListFingerprints(_ context.Context) ([]models.FingerprintRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.FingerprintRecord, 0, len(m.fingerprints))
	for _, rec := range m.fingerprints {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *models.VisitEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	ev.Seq = m.seq
	m.events = append(m.events, *ev)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context) ([]models.VisitEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.VisitEvent(nil), m.events...), nil
}

func (m *MemoryStore) EventsByIdentity(_ context.Context, key models.IdentityKey) ([]models.VisitEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.VisitEvent
	for _, ev := range m.events {
		if ev.IdentityKey == key {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) EnrichLatest(_ context.Context, resource string, key models.IdentityKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Resource == resource && m.events[i].IdentityKey == "" {
			m.events[i].IdentityKey = key
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CountByResource(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, ev := range m.events {
		if ev.Resource != "" {
			counts[ev.Resource]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) SaveSummaries(_ context.Context, summaries []models.BehaviorSummary, computedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.summaries = append([]models.BehaviorSummary(nil), summaries...)
	m.computedAt = computedAt
	return nil
}

// LoadSummaries 最近一次保存的行为聚合结果
func (m *MemoryStore) LoadSummaries(context.Context) ([]models.BehaviorSummary, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.BehaviorSummary(nil), m.summaries...), m.computedAt, nil
}

func (m *MemoryStore) SaveAlert(_ context.Context, alert models.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *MemoryStore) RecentAlerts(_ context.Context, since time.Time) ([]models.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.AlertEvent
	for _, a := range m.alerts {
		if a.CreatedAt.After(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
