package storage

import (
	"context"
	"fmt"
	"time"

	"go-beaconsoc/pkg/config"
	"go-beaconsoc/pkg/models"
)

// FingerprintRepository 指纹记录表，按 IdentityKey 唯一
type FingerprintRepository interface {
	// UpsertFingerprint 不存在时插入整条记录；已存在时只更新 last_seen
	UpsertFingerprint(ctx context.Context, rec *models.FingerprintRecord) (created bool, err error)
	GetFingerprint(ctx context.Context, key models.IdentityKey) (*models.FingerprintRecord, error)
	ListFingerprints(ctx context.Context) ([]models.FingerprintRecord, error)
}

// EventLog 访问事件追加日志，按到达顺序排列
type EventLog interface {
	AppendEvent(ctx context.Context, ev *models.VisitEvent) error
	ListEvents(ctx context.Context) ([]models.VisitEvent, error)
	EventsByIdentity(ctx context.Context, key models.IdentityKey) ([]models.VisitEvent, error)
	// EnrichLatest 给该资源最近一条未关联身份的事件回填身份，最多一条
	EnrichLatest(ctx context.Context, resource string, key models.IdentityKey) (bool, error)
	CountByResource(ctx context.Context) (map[string]int, error)
}

// SummaryWriter 行为聚合结果表
type SummaryWriter interface {
	SaveSummaries(ctx context.Context, summaries []models.BehaviorSummary, computedAt time.Time) error
}

// SummaryReader 读取上次保存的聚合结果，没有记录时返回零值时间
type SummaryReader interface {
	LoadSummaries(ctx context.Context) ([]models.BehaviorSummary, time.Time, error)
}

// AlertRecorder 告警记录表
type AlertRecorder interface {
	SaveAlert(ctx context.Context, alert models.AlertEvent) error
	RecentAlerts(ctx context.Context, since time.Time) ([]models.AlertEvent, error)
}

// Store 持久化层全部能力
type Store interface {
	FingerprintRepository
	EventLog
	SummaryWriter
	SummaryReader
	AlertRecorder
	Close() error
}

// VisitSink 访问事件的旁路输出（时序库等），失败不影响主流程
type VisitSink interface {
	WriteVisit(ctx context.Context, ev models.VisitEvent) error
	Close()
}

// Open 按配置选择存储驱动
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "mysql":
		return OpenMySQL(cfg.Storage.MySQL.DSN, cfg.Storage.MySQL.MaxIdle, cfg.Storage.MySQL.MaxOpen)
	case "sqlite3", "sqlite":
		return OpenSQLite(cfg.Storage.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
}
