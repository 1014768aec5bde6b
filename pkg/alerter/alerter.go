package alerter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go-beaconsoc/pkg/cache"
	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/metrics"
	"go-beaconsoc/pkg/models"
	"go-beaconsoc/pkg/storage"
)

const (
	RuleTor     = "TOR 出口节点访问"
	RuleVPN     = "VPN/托管网络访问"
	RuleVolume  = "高频访问"
	volumeScore = 80
)

// Alerter 告警处理器，同一身份在冷却期内只告警一次
type Alerter struct {
	recorder   storage.AlertRecorder
	webhookURL string
	client     *http.Client
	limiter    *rate.Limiter
	cooldown   time.Duration
	clock      models.Clock

	alertHistory   map[models.IdentityKey]time.Time // 身份 -> 最后告警时间
	alertHistoryMu sync.RWMutex
}

// Options 告警参数，零值取默认
type Options struct {
	WebhookURL    string
	Cooldown      time.Duration
	RatePerMinute int
	Timeout       time.Duration
	Clock         models.Clock
}

// NewAlerter 创建告警处理器
func NewAlerter(recorder storage.AlertRecorder, opts Options) *Alerter {
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Hour
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 30
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = models.SystemClock
	}
	return &Alerter{
		recorder:     recorder,
		webhookURL:   opts.WebhookURL,
		client:       &http.Client{Timeout: opts.Timeout},
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), opts.RatePerMinute),
		cooldown:     opts.Cooldown,
		clock:        opts.Clock,
		alertHistory: make(map[models.IdentityKey]time.Time),
	}
}

// LoadRecentAlerts 从存储加载冷却期内的告警，重启后不重复告警
func (a *Alerter) LoadRecentAlerts(ctx context.Context) error {
	alerts, err := a.recorder.RecentAlerts(ctx, a.clock().Add(-a.cooldown))
	if err != nil {
		return err
	}

	a.alertHistoryMu.Lock()
	defer a.alertHistoryMu.Unlock()
	for _, al := range alerts {
		if al.CreatedAt.After(a.alertHistory[al.IdentityKey]) {
			a.alertHistory[al.IdentityKey] = al.CreatedAt
		}
	}
	logger.Log.Infof("已加载 %d 条最近告警记录", len(alerts))
	return nil
}

// Observe 行为重新计算后的回调，对 MALICIOUS 身份触发告警
func (a *Alerter) Observe(ctx context.Context, snap cache.Snapshot) {
	for _, s := range snap.Summaries {
		if s.Classification != models.Malicious {
			continue
		}
		if _, err := a.TriggerAlert(ctx, s); err != nil {
			logger.Log.Errorf("触发告警失败: %v", err)
		}
	}
}

// TriggerAlert 冷却期内返回 false；告警记录保存失败时返回错误
func (a *Alerter) TriggerAlert(ctx context.Context, s models.BehaviorSummary) (bool, error) {
	now := a.clock()

	a.alertHistoryMu.RLock()
	last, exists := a.alertHistory[s.IdentityKey]
	a.alertHistoryMu.RUnlock()
	if exists && now.Sub(last) < a.cooldown {
		logger.Log.Debugf("身份 %s 在冷却期内，跳过告警", s.IdentityKey)
		return false, nil
	}

	alert := models.AlertEvent{
		IdentityKey:    s.IdentityKey,
		Score:          s.Score,
		Classification: s.Classification,
		Rules:          Rules(s),
		CreatedAt:      now.UTC().Truncate(time.Second),
	}
	if err := a.recorder.SaveAlert(ctx, alert); err != nil {
		metrics.StorageErrors.WithLabelValues("save_alert").Inc()
		return false, fmt.Errorf("save alert %s: %w", s.IdentityKey, err)
	}

	a.alertHistoryMu.Lock()
	a.alertHistory[s.IdentityKey] = now
	a.alertHistoryMu.Unlock()
	metrics.AlertsTriggered.Inc()

	if a.webhookURL != "" {
		if !a.limiter.Allow() {
			logger.Log.Warnf("告警通知限流，跳过发送: 身份=%s", s.IdentityKey)
		} else if err := a.sendAlertNotification(ctx, alert, s); err != nil {
			logger.Log.Warnw("发送告警通知失败", "fingerprint", s.IdentityKey, "error", err)
		}
	}

	logger.Log.Infof("成功触发告警: 身份=%s, 风险分数=%d, 规则=%v", s.IdentityKey, s.Score, alert.Rules)
	return true, nil
}

// Rules 告警命中的规则
func Rules(s models.BehaviorSummary) []string {
	var rules []string
	if s.TorVisits > 0 {
		rules = append(rules, RuleTor)
	}
	if s.VPNVisits > 0 {
		rules = append(rules, RuleVPN)
	}
	if s.BaseScore >= volumeScore {
		rules = append(rules, RuleVolume)
	}
	return rules
}

type notification struct {
	Timestamp      string             `json:"timestamp"`
	Fingerprint    models.IdentityKey `json:"fingerprint"`
	Score          int                `json:"score"`
	BaseScore      int                `json:"base_score"`
	Classification string             `json:"classification"`
	Rules          []string           `json:"rules"`
	Visits         int                `json:"visits"`
	Resources      int                `json:"resources"`
	Tor            string             `json:"TOR"`
	VPN            string             `json:"VPN"`
	LastVisit      string             `json:"last_visit"`
}

func (a *Alerter) sendAlertNotification(ctx context.Context, alert models.AlertEvent, s models.BehaviorSummary) error {
	jsonData, err := json.Marshal(notification{
		Timestamp:      models.FormatTimestamp(alert.CreatedAt),
		Fingerprint:    alert.IdentityKey,
		Score:          alert.Score,
		BaseScore:      s.BaseScore,
		Classification: alert.Classification,
		Rules:          alert.Rules,
		Visits:         s.Visits,
		Resources:      s.Resources,
		Tor:            s.TorSummary(),
		VPN:            s.VPNSummary(),
		LastVisit:      models.FormatTimestamp(s.LastVisit),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// CleanupOldHistory 清理过期的告警历史
func (a *Alerter) CleanupOldHistory() int {
	a.alertHistoryMu.Lock()
	defer a.alertHistoryMu.Unlock()

	now := a.clock()
	for key, last := range a.alertHistory {
		if now.Sub(last) > a.cooldown {
			delete(a.alertHistory, key)
		}
	}
	return len(a.alertHistory)
}

// Run 定时清理告警历史，ctx 取消时返回
func (a *Alerter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := a.CleanupOldHistory()
			logger.Log.Debugf("已完成告警历史清理，当前记录数: %d", n)
		}
	}
}
