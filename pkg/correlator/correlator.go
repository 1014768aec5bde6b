package correlator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-beaconsoc/pkg/fingerprint"
	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/metrics"
	"go-beaconsoc/pkg/models"
	"go-beaconsoc/pkg/storage"
	"go-beaconsoc/pkg/useragent"
)

// CountryLAN 内网来源的国家字段
const CountryLAN = "LAN"

// IdentityResolver 指纹身份登记
type IdentityResolver interface {
	Upsert(ctx context.Context, raw models.RawFingerprint, source models.Source) (models.IdentityKey, bool, error)
	Get(ctx context.Context, key models.IdentityKey) (*models.FingerprintRecord, error)
	List(ctx context.Context) ([]models.FingerprintRecord, error)
}

// IPAnalyzer IP 情报
type IPAnalyzer interface {
	Analyze(ctx context.Context, ip string) models.IPIntel
	LooksLikeVPN(isp string) bool
}

// VisitRequest 一次信标访问的输入，地理字段为空时由 IP 情报补全
type VisitRequest struct {
	IP          string
	UserAgent   string
	Resource    string
	Payload     string
	Event       string
	Type        string
	Channel     string
	IdentityKey models.IdentityKey
	Fingerprint models.RawFingerprint
	ObservedAt  time.Time

	Country     string
	CountryCode string
	Region      string
	City        string
	Lat         *float64
	Lon         *float64
	ISP         string

	LocalIP       string
	LocalHostname string
}

// CollectResult 指纹采集的处理结果
type CollectResult struct {
	IdentityKey models.IdentityKey `json:"fingerprint_id"`
	IsNew       bool               `json:"is_new"`
	Enriched    bool               `json:"enriched"`
	Event       *models.VisitEvent `json:"event,omitempty"`
}

// Correlator 把访问事件关联到身份和信标资源
type Correlator struct {
	identities IdentityResolver
	events     storage.EventLog
	intel      IPAnalyzer
	sink       storage.VisitSink
	clock      models.Clock
	host       HostInfo
	newID      func() string
}

type Option func(*Correlator)

// WithSink 访问事件旁路写入时序库
func WithSink(sink storage.VisitSink) Option {
	return func(c *Correlator) { c.sink = sink }
}

func WithClock(clock models.Clock) Option {
	return func(c *Correlator) { c.clock = clock }
}

func WithHost(host HostInfo) Option {
	return func(c *Correlator) { c.host = host }
}

func WithIDGenerator(gen func() string) Option {
	return func(c *Correlator) { c.newID = gen }
}

func New(identities IdentityResolver, events storage.EventLog, intel IPAnalyzer, opts ...Option) *Correlator {
	c := &Correlator{
		identities: identities,
		events:     events,
		intel:      intel,
		clock:      models.SystemClock,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveIdentity 指纹负载为空或全为空信号时返回空身份
func (c *Correlator) ResolveIdentity(ctx context.Context, raw models.RawFingerprint, source models.Source) (models.IdentityKey, bool, error) {
	if len(raw) == 0 {
		return "", false, fmt.Errorf("empty fingerprint payload: %w", models.ErrMalformedInput)
	}
	return c.identities.Upsert(ctx, raw, source)
}

// RecordVisit 解析身份、计算匿名标记并追加事件。
// 返回错误时事件仍已填充完整，调用方照常响应。
func (c *Correlator) RecordVisit(ctx context.Context, req VisitRequest) (models.VisitEvent, error) {
	ev := c.buildEvent(ctx, req)
	ev.IdentityKey = c.claimedIdentity(ctx, ev.IdentityKey)

	if ev.IdentityKey == "" && len(req.Fingerprint) > 0 {
		key, _, err := c.identities.Upsert(ctx, req.Fingerprint, models.Source{Channel: channel(req), Resource: req.Resource})
		if err != nil {
			// 身份本次不落库，下次观测时重试
			logger.Log.Warnw("指纹身份解析失败，事件以未关联身份保存", "resource", req.Resource, "error", err)
		} else {
			ev.IdentityKey = key
		}
	}

	if err := c.events.AppendEvent(ctx, &ev); err != nil {
		metrics.StorageErrors.WithLabelValues("append_event").Inc()
		logger.Log.Warnw("访问事件保存失败", "resource", ev.Resource, "ip", ev.IP, "error", err)
		return ev, err
	}

	metrics.VisitsRecorded.WithLabelValues(metrics.BoolLabel(ev.FlagTor), metrics.BoolLabel(ev.FlagVPN)).Inc()
	if c.sink != nil {
		if err := c.sink.WriteVisit(ctx, ev); err != nil {
			logger.Log.Warnf("访问事件时序写入失败: %v", err)
		}
	}
	logger.Log.Debugw("访问事件已记录", "id", ev.ID, "resource", ev.Resource, "fingerprint", ev.IdentityKey,
		"tor", ev.FlagTor, "vpn", ev.FlagVPN)
	return ev, nil
}

// claimedIdentity 客户端带来的身份（cookie、上游消息）只有格式正确且已登记才采用，
// 否则事件以未关联身份保存，等待指纹上报回填
func (c *Correlator) claimedIdentity(ctx context.Context, key models.IdentityKey) models.IdentityKey {
	if key == "" {
		return ""
	}
	if !fingerprint.ValidKey(key) {
		logger.Log.Warnw("忽略格式错误的身份标识", "fingerprint", key)
		return ""
	}
	if _, err := c.identities.Get(ctx, key); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			logger.Log.Warnw("忽略未登记的身份标识", "fingerprint", key)
		} else {
			logger.Log.Warnw("身份标识校验失败，事件以未关联身份保存", "fingerprint", key, "error", err)
		}
		return ""
	}
	return key
}

func (c *Correlator) buildEvent(ctx context.Context, req VisitRequest) models.VisitEvent {
	ts := req.ObservedAt
	if ts.IsZero() {
		ts = c.clock()
	}
	ip := strings.TrimSpace(req.IP)

	event := strings.TrimSpace(req.Event)
	if event == "" {
		event = models.EventView
	}
	evType := strings.ToUpper(strings.TrimSpace(req.Type))
	if evType == "" {
		evType = models.DeriveEventType(event)
	}

	ua := useragent.Parse(req.UserAgent)
	ev := models.VisitEvent{
		ID:            c.newID(),
		Timestamp:     ts.UTC().Truncate(time.Second),
		IP:            ip,
		Type:          evType,
		Event:         event,
		Resource:      req.Resource,
		Payload:       req.Payload,
		OS:            ua.OS,
		Browser:       ua.Browser,
		UserAgent:     req.UserAgent,
		Country:       req.Country,
		CountryCode:   req.CountryCode,
		Region:        req.Region,
		City:          req.City,
		Lat:           req.Lat,
		Lon:           req.Lon,
		ISP:           req.ISP,
		LocalIP:       firstNonEmpty(req.LocalIP, c.host.IP),
		LocalHostname: firstNonEmpty(req.LocalHostname, c.host.Hostname),
		IdentityKey:   models.IdentityKey(strings.TrimSpace(string(req.IdentityKey))),
	}

	// 匿名标记在写入时固定，之后不再重算
	ipIntel := c.intel.Analyze(ctx, ip)
	if ipIntel.Scope == models.ScopePrivate {
		ev.Country, ev.CountryCode = CountryLAN, CountryLAN
	} else {
		if geo := ipIntel.Geo; geo != nil {
			ev.Country = firstNonEmpty(ev.Country, geo.Country)
			ev.CountryCode = firstNonEmpty(ev.CountryCode, geo.CountryCode)
			ev.Region = firstNonEmpty(ev.Region, geo.Region)
			ev.City = firstNonEmpty(ev.City, geo.City)
			if ev.Lat == nil && ev.Lon == nil {
				ev.Lat, ev.Lon = geo.Lat, geo.Lon
			}
		}
		ev.ISP = firstNonEmpty(ev.ISP, ipIntel.Org)
		ev.FlagTor = ipIntel.Tor
		ev.FlagVPN = ipIntel.VPN || c.intel.LooksLikeVPN(ev.ISP)
	}
	ev.ISP = models.NormalizeISP(ev.ISP)
	return ev
}

// Enrich 给该资源最近一条未关联身份的事件回填身份，最多一条
func (c *Correlator) Enrich(ctx context.Context, resource string, key models.IdentityKey) (bool, error) {
	if resource == "" || key == "" {
		return false, nil
	}
	ok, err := c.events.EnrichLatest(ctx, resource, key)
	if err != nil {
		metrics.Enrichments.WithLabelValues("error").Inc()
		metrics.StorageErrors.WithLabelValues("enrich_event").Inc()
		return false, err
	}
	if ok {
		metrics.Enrichments.WithLabelValues("hit").Inc()
		logger.Log.Infow("访问事件已回填身份", "resource", resource, "fingerprint", key)
	} else {
		metrics.Enrichments.WithLabelValues("miss").Inc()
	}
	return ok, nil
}

// CollectFingerprint 指纹晚于像素请求到达：先登记身份，再回填最近的未关联事件；
// 没有可回填的事件时记一条携带身份的新访问
func (c *Correlator) CollectFingerprint(ctx context.Context, req VisitRequest) (CollectResult, error) {
	key, isNew, err := c.ResolveIdentity(ctx, req.Fingerprint, models.Source{Channel: channel(req), Resource: req.Resource})
	if err != nil {
		return CollectResult{}, err
	}
	res := CollectResult{IdentityKey: key, IsNew: isNew}

	enriched, err := c.Enrich(ctx, req.Resource, key)
	if err != nil {
		logger.Log.Warnw("访问事件回填失败", "resource", req.Resource, "error", err)
	}
	if enriched {
		res.Enriched = true
		return res, nil
	}

	req.IdentityKey = key
	req.Fingerprint = nil
	ev, err := c.RecordVisit(ctx, req)
	res.Event = &ev
	if err != nil && !errors.Is(err, models.ErrStorageUnavailable) {
		return res, err
	}
	return res, nil
}

// Reconcile 所有已登记身份的访问统计，包括没有访问的身份
func (c *Correlator) Reconcile(ctx context.Context) (map[models.IdentityKey]models.IdentityStats, error) {
	records, err := c.identities.List(ctx)
	if err != nil {
		return nil, err
	}
	events, err := c.events.ListEvents(ctx)
	if err != nil {
		return nil, err
	}

	report := make(map[models.IdentityKey]models.IdentityStats, len(records))
	for _, rec := range records {
		report[rec.Key] = models.IdentityStats{Resources: map[string]int{}}
	}
	for _, ev := range events {
		stats, ok := report[ev.IdentityKey]
		if !ok {
			continue
		}
		stats.TotalVisits++
		if ev.Resource != "" {
			stats.Resources[ev.Resource]++
		}
		if ev.Timestamp.After(stats.LastVisit) {
			stats.LastVisit = ev.Timestamp
		}
		report[ev.IdentityKey] = stats
	}
	return report, nil
}

// VisitsByResource 每个信标资源的访问次数
func (c *Correlator) VisitsByResource(ctx context.Context) (map[string]int, error) {
	return c.events.CountByResource(ctx)
}

// EventsForIdentity 某个身份的全部访问事件
func (c *Correlator) EventsForIdentity(ctx context.Context, key models.IdentityKey) ([]models.VisitEvent, error) {
	return c.events.EventsByIdentity(ctx, key)
}

func channel(req VisitRequest) string {
	if req.Channel != "" {
		return req.Channel
	}
	if req.Payload != "" {
		return req.Payload
	}
	return "beacon"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
