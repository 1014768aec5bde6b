package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/models"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS fingerprints (
    identity_key    VARCHAR(32) NOT NULL PRIMARY KEY,
    digest          CHAR(64) NOT NULL,
    signals         TEXT NOT NULL,
    raw_payload     LONGTEXT NOT NULL,
    source_channel  VARCHAR(64) NOT NULL DEFAULT '',
    source_resource VARCHAR(255) NOT NULL DEFAULT '',
    confidence      DOUBLE NOT NULL DEFAULT 0,
    engines         TEXT NOT NULL,
    first_seen      VARCHAR(32) NOT NULL,
    last_seen       VARCHAR(32) NOT NULL
);
CREATE TABLE IF NOT EXISTS visit_events (
    seq             BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    id              VARCHAR(36) NOT NULL UNIQUE,
    ts              VARCHAR(32) NOT NULL,
    ip              VARCHAR(64) NOT NULL DEFAULT '',
    type            VARCHAR(32) NOT NULL DEFAULT '',
    event           VARCHAR(64) NOT NULL DEFAULT '',
    resource        VARCHAR(255) NOT NULL DEFAULT '',
    payload         VARCHAR(255) NOT NULL DEFAULT '',
    os              VARCHAR(128) NOT NULL DEFAULT '',
    browser         VARCHAR(128) NOT NULL DEFAULT '',
    user_agent      TEXT NOT NULL,
    country         VARCHAR(128) NOT NULL DEFAULT '',
    country_code    VARCHAR(8) NOT NULL DEFAULT '',
    region          VARCHAR(128) NOT NULL DEFAULT '',
    city            VARCHAR(128) NOT NULL DEFAULT '',
    lat             DOUBLE NULL,
    lon             DOUBLE NULL,
    isp             VARCHAR(255) NOT NULL DEFAULT '',
    local_ip        VARCHAR(64) NOT NULL DEFAULT '',
    local_hostname  VARCHAR(255) NOT NULL DEFAULT '',
    identity_key    VARCHAR(32) NOT NULL DEFAULT '',
    flag_tor        BOOLEAN NOT NULL DEFAULT FALSE,
    flag_vpn        BOOLEAN NOT NULL DEFAULT FALSE,
    INDEX idx_visit_events_identity (identity_key),
    INDEX idx_visit_events_resource (resource, identity_key)
);
CREATE TABLE IF NOT EXISTS behavior_summaries (
    identity_key    VARCHAR(32) NOT NULL PRIMARY KEY,
    visits          INT NOT NULL,
    resources       INT NOT NULL,
    window_seconds  BIGINT NOT NULL,
    tor_visits      INT NOT NULL,
    vpn_visits      INT NOT NULL,
    base_score      INT NOT NULL,
    score           INT NOT NULL,
    classification  VARCHAR(16) NOT NULL,
    first_visit     VARCHAR(32) NOT NULL DEFAULT '',
    last_visit      VARCHAR(32) NOT NULL DEFAULT '',
    computed_at     VARCHAR(32) NOT NULL
);
CREATE TABLE IF NOT EXISTS alert_events (
    id              BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    identity_key    VARCHAR(32) NOT NULL,
    score           INT NOT NULL,
    classification  VARCHAR(16) NOT NULL,
    rules           TEXT NOT NULL,
    created_at      VARCHAR(32) NOT NULL,
    INDEX idx_alert_events_created (created_at)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fingerprints (
    identity_key    TEXT PRIMARY KEY,
    digest          TEXT NOT NULL,
    signals         TEXT NOT NULL,
    raw_payload     TEXT NOT NULL,
    source_channel  TEXT NOT NULL DEFAULT '',
    source_resource TEXT NOT NULL DEFAULT '',
    confidence      REAL NOT NULL DEFAULT 0,
    engines         TEXT NOT NULL,
    first_seen      TEXT NOT NULL,
    last_seen       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS visit_events (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    ts              TEXT NOT NULL,
    ip              TEXT NOT NULL DEFAULT '',
    type            TEXT NOT NULL DEFAULT '',
    event           TEXT NOT NULL DEFAULT '',
    resource        TEXT NOT NULL DEFAULT '',
    payload         TEXT NOT NULL DEFAULT '',
    os              TEXT NOT NULL DEFAULT '',
    browser         TEXT NOT NULL DEFAULT '',
    user_agent      TEXT NOT NULL DEFAULT '',
    country         TEXT NOT NULL DEFAULT '',
    country_code    TEXT NOT NULL DEFAULT '',
    region          TEXT NOT NULL DEFAULT '',
    city            TEXT NOT NULL DEFAULT '',
    lat             REAL,
    lon             REAL,
    isp             TEXT NOT NULL DEFAULT '',
    local_ip        TEXT NOT NULL DEFAULT '',
    local_hostname  TEXT NOT NULL DEFAULT '',
    identity_key    TEXT NOT NULL DEFAULT '',
    flag_tor        INTEGER NOT NULL DEFAULT 0,
    flag_vpn        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_visit_events_identity ON visit_events(identity_key);
CREATE INDEX IF NOT EXISTS idx_visit_events_resource ON visit_events(resource, identity_key);
CREATE TABLE IF NOT EXISTS behavior_summaries (
    identity_key    TEXT PRIMARY KEY,
    visits          INTEGER NOT NULL,
    resources       INTEGER NOT NULL,
    window_seconds  INTEGER NOT NULL,
    tor_visits      INTEGER NOT NULL,
    vpn_visits      INTEGER NOT NULL,
    base_score      INTEGER NOT NULL,
    score           INTEGER NOT NULL,
    classification  TEXT NOT NULL,
    first_visit     TEXT NOT NULL DEFAULT '',
    last_visit      TEXT NOT NULL DEFAULT '',
    computed_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS alert_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    identity_key    TEXT NOT NULL,
    score           INTEGER NOT NULL,
    classification  TEXT NOT NULL,
    rules           TEXT NOT NULL,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_events_created ON alert_events(created_at);
`

// SQLStore 基于 database/sql 的持久化，MySQL 和 SQLite 共用同一套语句
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenMySQL 连接 MySQL 并建表
func OpenMySQL(dsn string, maxIdle, maxOpen int) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxIdleConns(maxIdle)
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	return newSQLStore(db, "mysql", mysqlSchema)
}

// OpenSQLite 打开或创建 SQLite 数据库并建表
func OpenSQLite(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite 单写者
	db.SetMaxOpenConns(1)

	return newSQLStore(db, "sqlite3", sqliteSchema)
}

func newSQLStore(db *sql.DB, driver, schema string) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	// MySQL 驱动默认不允许一次执行多条语句
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	logger.Log.Infof("存储层初始化成功: driver=%s", driver)
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) UpsertFingerprint(ctx context.Context, rec *models.FingerprintRecord) (bool, error) {
	lastSeen := models.FormatTimestamp(rec.LastSeen)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("begin upsert fingerprint", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM fingerprints WHERE identity_key = ?`, string(rec.Key),
	).Scan(&exists); err != nil {
		return false, unavailable("query fingerprint", err)
	}

	if exists > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE fingerprints SET last_seen = ? WHERE identity_key = ?`, lastSeen, string(rec.Key),
		); err != nil {
			return false, unavailable("touch fingerprint", err)
		}
		if err := tx.Commit(); err != nil {
			return false, unavailable("commit touch fingerprint", err)
		}
		return false, nil
	}

	signals, err := json.Marshal(rec.Signals)
	if err != nil {
		return false, fmt.Errorf("marshal signals: %w", err)
	}
	raw, err := json.Marshal(rec.Raw)
	if err != nil {
		return false, fmt.Errorf("marshal raw payload: %w", err)
	}
	engines, err := json.Marshal(rec.Engines)
	if err != nil {
		return false, fmt.Errorf("marshal engines: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO fingerprints (
            identity_key, digest, signals, raw_payload, source_channel, source_resource,
            confidence, engines, first_seen, last_seen
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Key), rec.Digest, string(signals), string(raw), rec.Source.Channel, rec.Source.Resource,
		rec.Confidence, string(engines), models.FormatTimestamp(rec.FirstSeen), lastSeen,
	)
	if err != nil {
		tx.Rollback()
		// 并发插入同一身份时主键冲突，退化为更新 last_seen
		res, uerr := s.db.ExecContext(ctx,
			`UPDATE fingerprints SET last_seen = ? WHERE identity_key = ?`, lastSeen, string(rec.Key))
		if uerr == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				return false, nil
			}
		}
		return false, unavailable("insert fingerprint", err)
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("commit insert fingerprint", err)
	}
	return true, nil
}

const fingerprintColumns = `identity_key, digest, signals, raw_payload, source_channel, source_resource,
    confidence, engines, first_seen, last_seen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row rowScanner) (*models.FingerprintRecord, error) {
	var (
		rec                        models.FingerprintRecord
		key, signals, raw, engines string
		firstSeen, lastSeen        string
	)
	if err := row.Scan(&key, &rec.Digest, &signals, &raw, &rec.Source.Channel, &rec.Source.Resource,
		&rec.Confidence, &engines, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	rec.Key = models.IdentityKey(key)
	if err := json.Unmarshal([]byte(signals), &rec.Signals); err != nil {
		return nil, fmt.Errorf("decode signals of %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), &rec.Raw); err != nil {
		return nil, fmt.Errorf("decode raw payload of %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(engines), &rec.Engines); err != nil {
		return nil, fmt.Errorf("decode engines of %s: %w", key, err)
	}
	rec.FirstSeen, _ = models.ParseTimestamp(firstSeen)
	rec.LastSeen, _ = models.ParseTimestamp(lastSeen)
	return &rec, nil
}

func (s *SQLStore) GetFingerprint(ctx context.Context, key models.IdentityKey) (*models.FingerprintRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fingerprintColumns+` FROM fingerprints WHERE identity_key = ?`, string(key))
	rec, err := scanFingerprint(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("get fingerprint", err)
	}
	return rec, nil
}

func (s *SQLStore) ListFingerprints(ctx context.Context) ([]models.FingerprintRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fingerprintColumns+` FROM fingerprints ORDER BY identity_key`)
	if err != nil {
		return nil, unavailable("list fingerprints", err)
	}
	defer rows.Close()

	var out []models.FingerprintRecord
	for rows.Next() {
		rec, err := scanFingerprint(rows)
		if err != nil {
			logger.Log.Warnf("跳过无法解析的指纹记录: %v", err)
			continue
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list fingerprints", err)
	}
	return out, nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, ev *models.VisitEvent) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO visit_events (
            id, ts, ip, type, event, resource, payload, os, browser, user_agent,
            country, country_code, region, city, lat, lon, isp,
            local_ip, local_hostname, identity_key, flag_tor, flag_vpn
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, models.FormatTimestamp(ev.Timestamp), ev.IP, ev.Type, ev.Event, ev.Resource, ev.Payload,
		ev.OS, ev.Browser, ev.UserAgent, ev.Country, ev.CountryCode, ev.Region, ev.City,
		nullFloat(ev.Lat), nullFloat(ev.Lon), ev.ISP, ev.LocalIP, ev.LocalHostname,
		string(ev.IdentityKey), ev.FlagTor, ev.FlagVPN,
	)
	if err != nil {
		return unavailable("insert visit event", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		ev.Seq = seq
	}
	return nil
}

const eventColumns = `seq, id, ts, ip, type, event, resource, payload, os, browser, user_agent,
    country, country_code, region, city, lat, lon, isp, local_ip, local_hostname,
    identity_key, flag_tor, flag_vpn`

func (s *SQLStore) queryEvents(ctx context.Context, where string, args ...any) ([]models.VisitEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM visit_events `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, unavailable("query visit events", err)
	}
	defer rows.Close()

	var out []models.VisitEvent
	for rows.Next() {
		var (
			ev       models.VisitEvent
			ts, key  string
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ts, &ev.IP, &ev.Type, &ev.Event, &ev.Resource, &ev.Payload,
			&ev.OS, &ev.Browser, &ev.UserAgent, &ev.Country, &ev.CountryCode, &ev.Region, &ev.City,
			&lat, &lon, &ev.ISP, &ev.LocalIP, &ev.LocalHostname, &key, &ev.FlagTor, &ev.FlagVPN); err != nil {
			return nil, unavailable("scan visit event", err)
		}
		// 无法解析的时间保持零值，由聚合层排除在时间窗口之外
		ev.Timestamp, _ = models.ParseTimestamp(ts)
		ev.IdentityKey = models.IdentityKey(key)
		ev.Lat = floatPtr(lat)
		ev.Lon = floatPtr(lon)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate visit events", err)
	}
	return out, nil
}

func (s *SQLStore) ListEvents(ctx context.Context) ([]models.VisitEvent, error) {
	return s.queryEvents(ctx, "")
}

func (s *SQLStore) EventsByIdentity(ctx context.Context, key models.IdentityKey) ([]models.VisitEvent, error) {
	return s.queryEvents(ctx, "WHERE identity_key = ?", string(key))
}

func (s *SQLStore) EnrichLatest(ctx context.Context, resource string, key models.IdentityKey) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("begin enrich", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
        SELECT seq FROM visit_events
        WHERE resource = ? AND identity_key = ''
        ORDER BY seq DESC LIMIT 1`, resource).Scan(&seq)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, unavailable("find unresolved event", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE visit_events SET identity_key = ? WHERE seq = ? AND identity_key = ''`, string(key), seq)
	if err != nil {
		return false, unavailable("enrich event", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, unavailable("commit enrich", err)
	}
	return n == 1, nil
}

func (s *SQLStore) CountByResource(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource, COUNT(1) FROM visit_events WHERE resource <> '' GROUP BY resource`)
	if err != nil {
		return nil, unavailable("count visits by resource", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			resource string
			n        int
		)
		if err := rows.Scan(&resource, &n); err != nil {
			return nil, unavailable("scan visit count", err)
		}
		counts[resource] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) SaveSummaries(ctx context.Context, summaries []models.BehaviorSummary, computedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin save summaries", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM behavior_summaries`); err != nil {
		return unavailable("clear summaries", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO behavior_summaries (
            identity_key, visits, resources, window_seconds, tor_visits, vpn_visits,
            base_score, score, classification, first_visit, last_visit, computed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return unavailable("prepare summary insert", err)
	}
	defer stmt.Close()

	at := models.FormatTimestamp(computedAt)
	for _, sm := range summaries {
		if _, err := stmt.ExecContext(ctx, string(sm.IdentityKey), sm.Visits, sm.Resources, sm.WindowSeconds,
			sm.TorVisits, sm.VPNVisits, sm.BaseScore, sm.Score, sm.Classification,
			models.FormatTimestamp(sm.FirstVisit), models.FormatTimestamp(sm.LastVisit), at); err != nil {
			return unavailable("insert summary", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit summaries", err)
	}
	return nil
}

// LoadSummaries 读取最近一次保存的行为聚合结果
func (s *SQLStore) LoadSummaries(ctx context.Context) ([]models.BehaviorSummary, time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT identity_key, visits, resources, window_seconds, tor_visits, vpn_visits,
               base_score, score, classification, first_visit, last_visit, computed_at
        FROM behavior_summaries ORDER BY identity_key`)
	if err != nil {
		return nil, time.Time{}, unavailable("load summaries", err)
	}
	defer rows.Close()

	var (
		out        []models.BehaviorSummary
		computedAt time.Time
	)
	for rows.Next() {
		var (
			sm                    models.BehaviorSummary
			key, first, last, at string
		)
		if err := rows.Scan(&key, &sm.Visits, &sm.Resources, &sm.WindowSeconds, &sm.TorVisits, &sm.VPNVisits,
			&sm.BaseScore, &sm.Score, &sm.Classification, &first, &last, &at); err != nil {
			return nil, time.Time{}, unavailable("scan summary", err)
		}
		sm.IdentityKey = models.IdentityKey(key)
		sm.FirstVisit, _ = models.ParseTimestamp(first)
		sm.LastVisit, _ = models.ParseTimestamp(last)
		if sm.Visits > 0 {
			sm.TorRatio = float64(sm.TorVisits) / float64(sm.Visits)
			sm.VPNRatio = float64(sm.VPNVisits) / float64(sm.Visits)
		}
		computedAt, _ = models.ParseTimestamp(at)
		out = append(out, sm)
	}
	return out, computedAt, rows.Err()
}

// SaveAlert 保存告警事件
func (s *SQLStore) SaveAlert(ctx context.Context, alert models.AlertEvent) error {
	rulesJSON, err := json.Marshal(alert.Rules)
	if err != nil {
		logger.Log.Errorf("规则序列化失败: %v", err)
		return err
	}

	result, err := s.db.ExecContext(ctx, `
        INSERT INTO alert_events (identity_key, score, classification, rules, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		string(alert.IdentityKey), alert.Score, alert.Classification, string(rulesJSON),
		models.FormatTimestamp(alert.CreatedAt),
	)
	if err != nil {
		return unavailable("insert alert", err)
	}

	affected, _ := result.RowsAffected()
	logger.Log.Debugf("成功保存告警事件，影响行数: %d", affected)
	return nil
}

// RecentAlerts 线上时间格式定长，可以直接按字符串比较
func (s *SQLStore) RecentAlerts(ctx context.Context, since time.Time) ([]models.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT identity_key, score, classification, rules, created_at
        FROM alert_events WHERE created_at > ? ORDER BY id`, models.FormatTimestamp(since))
	if err != nil {
		return nil, unavailable("query recent alerts", err)
	}
	defer rows.Close()

	var out []models.AlertEvent
	for rows.Next() {
		var (
			a                   models.AlertEvent
			key, rules, created string
		)
		if err := rows.Scan(&key, &a.Score, &a.Classification, &rules, &created); err != nil {
			logger.Log.Errorf("扫描告警记录失败: %v", err)
			continue
		}
		a.IdentityKey = models.IdentityKey(key)
		_ = json.Unmarshal([]byte(rules), &a.Rules)
		a.CreatedAt, _ = models.ParseTimestamp(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
