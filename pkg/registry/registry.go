package registry

import (
	"context"
	"errors"
	"time"

	"go-beaconsoc/pkg/fingerprint"
	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/metrics"
	"go-beaconsoc/pkg/models"
	"go-beaconsoc/pkg/storage"
)

// Registry 指纹身份登记：规范化、计算身份并保证每个身份只有一条记录
type Registry struct {
	repo  storage.FingerprintRepository
	clock models.Clock
}

func New(repo storage.FingerprintRepository, clock models.Clock) *Registry {
	if clock == nil {
		clock = models.SystemClock
	}
	return &Registry{repo: repo, clock: clock}
}

// Upsert 首次出现时保存完整原始负载，之后只刷新 last_seen
func (r *Registry) Upsert(ctx context.Context, raw models.RawFingerprint, source models.Source) (models.IdentityKey, bool, error) {
	signals, id, err := fingerprint.Resolve(raw)
	if err != nil {
		return "", false, err
	}

	now := r.clock().UTC().Truncate(time.Second)
	confidence, engines := fingerprint.Coverage(raw)
	rec := &models.FingerprintRecord{
		Key:        id.Key,
		Digest:     id.Digest,
		Signals:    signals,
		Raw:        raw,
		Source:     source,
		Confidence: confidence,
		Engines:    engines,
		FirstSeen:  now,
		LastSeen:   now,
	}

	created, err := r.repo.UpsertFingerprint(ctx, rec)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("upsert_fingerprint").Inc()
		return "", false, err
	}
	if created {
		metrics.IdentitiesCreated.Inc()
		logger.Log.Infow("新指纹身份", "fingerprint", id.Key, "channel", source.Channel, "resource", source.Resource, "confidence", confidence)
	}
	return id.Key, created, nil
}

// Get 身份不存在时返回 models.ErrNotFound
func (r *Registry) Get(ctx context.Context, key models.IdentityKey) (*models.FingerprintRecord, error) {
	rec, err := r.repo.GetFingerprint(ctx, key)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		metrics.StorageErrors.WithLabelValues("get_fingerprint").Inc()
	}
	return rec, err
}

func (r *Registry) List(ctx context.Context) ([]models.FingerprintRecord, error) {
	recs, err := r.repo.ListFingerprints(ctx)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("list_fingerprints").Inc()
	}
	return recs, err
}
