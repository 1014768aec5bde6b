package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawFingerprint 客户端指纹引擎上报的原始负载（任意嵌套的 JSON 结构）
type RawFingerprint map[string]any

// IdentityKey 由规范化信号计算出的身份标识，形如 fp_<16位十六进制>
type IdentityKey string

// Source 指纹采集来源
type Source struct {
	Channel  string `json:"channel"`
	Resource string `json:"resource,omitempty"`
}

// CanonicalSignals 规范化后的稳定信号集合，缺失字段为 nil
type CanonicalSignals map[string]any

// NonNull 返回非空信号的数量
func (s CanonicalSignals) NonNull() int {
	n := 0
	for _, v := range s {
		if v != nil {
			n++
		}
	}
	return n
}

// FingerprintRecord 每个身份标识对应一条指纹记录
type FingerprintRecord struct {
	Key        IdentityKey      `json:"fingerprint_id"`
	Digest     string           `json:"digest"`
	Signals    CanonicalSignals `json:"signals"`
	Raw        RawFingerprint   `json:"raw"`
	Source     Source           `json:"source"`
	Confidence float64          `json:"confidence"`
	Engines    []string         `json:"engines,omitempty"`
	FirstSeen  time.Time        `json:"first_seen"`
	LastSeen   time.Time        `json:"last_seen"`
}

// MarshalJSON 时间字段按线上格式输出
func (r FingerprintRecord) MarshalJSON() ([]byte, error) {
	type alias FingerprintRecord
	return json.Marshal(struct {
		alias
		FirstSeen string `json:"first_seen"`
		LastSeen  string `json:"last_seen"`
	}{
		alias:     alias(r),
		FirstSeen: FormatTimestamp(r.FirstSeen),
		LastSeen:  FormatTimestamp(r.LastSeen),
	})
}

const (
	EventView  = "VIEW"
	PayloadPNG = "PNG"
)

// VisitEvent 一次对信标资源的访问记录，写入后只允许回填 IdentityKey
type VisitEvent struct {
	ID            string      `json:"id"`
	Seq           int64       `json:"seq"`
	Timestamp     time.Time   `json:"timestamp"`
	IP            string      `json:"ip"`
	Type          string      `json:"type"`
	Event         string      `json:"event"`
	Resource      string      `json:"resource"`
	Payload       string      `json:"payload"`
	OS            string      `json:"os"`
	Browser       string      `json:"browser"`
	UserAgent     string      `json:"user_agent"`
	Country       string      `json:"country"`
	CountryCode   string      `json:"country_code"`
	Region        string      `json:"region"`
	City          string      `json:"city"`
	Lat           *float64    `json:"lat"`
	Lon           *float64    `json:"lon"`
	ISP           string      `json:"isp"`
	LocalIP       string      `json:"local_ip"`
	LocalHostname string      `json:"local_hostname"`
	IdentityKey   IdentityKey `json:"identity_key"`
	FlagTor       bool        `json:"flag_tor"`
	FlagVPN       bool        `json:"flag_vpn"`
}

// MarshalJSON 时间戳按线上格式输出，无法解析的时间输出为空串
func (e VisitEvent) MarshalJSON() ([]byte, error) {
	type alias VisitEvent
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     alias(e),
		Timestamp: FormatTimestamp(e.Timestamp),
	})
}

// BehaviorKey 行为聚合使用的信标标识，payload 只是投递渠道，不参与区分
func (e VisitEvent) BehaviorKey() string {
	if e.Resource != "" {
		return e.Resource
	}
	return "UNKNOWN"
}

// DeriveEventType 根据事件名推导事件类型
func DeriveEventType(event string) string {
	switch strings.ToUpper(event) {
	case "ERROR", "FALLO", "ALERTA":
		return "ERROR"
	case "WARN", "AVISO":
		return "WARN"
	case "INFO", "CHECK", "OK":
		return "INFO"
	default:
		return "EVENT"
	}
}

// NormalizeISP ISP 统一为大写，占位值清空
func NormalizeISP(isp string) string {
	isp = strings.TrimSpace(isp)
	switch strings.ToLower(isp) {
	case "", "unknown", "n/a", "-":
		return ""
	}
	return strings.ToUpper(isp)
}

const (
	Legit      = "LEGIT"
	Suspicious = "SUSPICIOUS"
	Malicious  = "MALICIOUS"
)

// BehaviorSummary 单个身份的行为聚合结果
type BehaviorSummary struct {
	IdentityKey    IdentityKey `json:"fingerprint"`
	Visits         int         `json:"visits"`
	Resources      int         `json:"resources"`
	WindowSeconds  int64       `json:"window_seconds"`
	TorVisits      int         `json:"tor_visits"`
	VPNVisits      int         `json:"vpn_visits"`
	TorRatio       float64     `json:"tor_ratio"`
	VPNRatio       float64     `json:"vpn_ratio"`
	BaseScore      int         `json:"base_score"`
	Score          int         `json:"score"`
	Classification string      `json:"classification"`
	FirstVisit     time.Time   `json:"first_visit"`
	LastVisit      time.Time   `json:"last_visit"`
}

// TorSummary 形如 "YES 2/3" 或 "NO 0/3"
func (s BehaviorSummary) TorSummary() string {
	return exposureSummary(s.TorVisits, s.Visits)
}

// VPNSummary 形如 "YES 1/3" 或 "NO 0/3"
func (s BehaviorSummary) VPNSummary() string {
	return exposureSummary(s.VPNVisits, s.Visits)
}

func exposureSummary(n, total int) string {
	if n > 0 {
		return fmt.Sprintf("YES %d/%d", n, total)
	}
	return fmt.Sprintf("NO 0/%d", total)
}

// MarshalJSON 附带 TOR/VPN 摘要并格式化时间
func (s BehaviorSummary) MarshalJSON() ([]byte, error) {
	type alias BehaviorSummary
	return json.Marshal(struct {
		alias
		Tor        string `json:"TOR"`
		VPN        string `json:"VPN"`
		FirstVisit string `json:"first_visit"`
		LastVisit  string `json:"last_visit"`
	}{
		alias:      alias(s),
		Tor:        s.TorSummary(),
		VPN:        s.VPNSummary(),
		FirstVisit: FormatTimestamp(s.FirstVisit),
		LastVisit:  FormatTimestamp(s.LastVisit),
	})
}

// UnmarshalJSON 与 MarshalJSON 对应，缓存层依赖它还原快照
func (s *BehaviorSummary) UnmarshalJSON(data []byte) error {
	type alias BehaviorSummary
	aux := struct {
		*alias
		FirstVisit string `json:"first_visit"`
		LastVisit  string `json:"last_visit"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.FirstVisit, _ = ParseTimestamp(aux.FirstVisit)
	s.LastVisit, _ = ParseTimestamp(aux.LastVisit)
	return nil
}

const (
	TierHigh   = "HIGH"
	TierMedium = "MEDIUM"
	TierLow    = "LOW"
)

// FingerprintPolicy 指纹相似度策略：字段权重和置信度阈值
type FingerprintPolicy struct {
	Checks           map[string]int `json:"checks"`
	ConfidenceLevels map[string]int `json:"confidence_levels"`
}

// High HIGH 阈值
func (p FingerprintPolicy) High() int { return p.ConfidenceLevels[TierHigh] }

// Medium MEDIUM 阈值
func (p FingerprintPolicy) Medium() int { return p.ConfidenceLevels[TierMedium] }

// Tier 阈值按下界包含
func (p FingerprintPolicy) Tier(score int) string {
	switch {
	case score >= p.High():
		return TierHigh
	case score >= p.Medium():
		return TierMedium
	default:
		return TierLow
	}
}

// Clone 深拷贝，避免调用方修改共享策略
func (p FingerprintPolicy) Clone() FingerprintPolicy {
	out := FingerprintPolicy{
		Checks:           make(map[string]int, len(p.Checks)),
		ConfidenceLevels: make(map[string]int, len(p.ConfidenceLevels)),
	}
	for k, v := range p.Checks {
		out.Checks[k] = v
	}
	for k, v := range p.ConfidenceLevels {
		out.ConfidenceLevels[k] = v
	}
	return out
}

// Mismatch 未匹配字段及两侧取值
type Mismatch struct {
	Field string `json:"field"`
	FP1   any    `json:"fp1"`
	FP2   any    `json:"fp2"`
}

// MatchResult 两个指纹的比对结果
type MatchResult struct {
	Score      int               `json:"score"`
	Confidence string            `json:"confidence"`
	Matches    []string          `json:"matches"`
	Mismatches []Mismatch        `json:"mismatches"`
	PolicyUsed FingerprintPolicy `json:"policy_used"`
}

// GeoRecord 地理位置查询结果
type GeoRecord struct {
	Country     string   `json:"country"`
	CountryCode string   `json:"country_code"`
	Region      string   `json:"region"`
	City        string   `json:"city"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	ISP         string   `json:"isp"`
	ASN         string   `json:"asn"`
}

const (
	ScopePublic  = "PUBLIC"
	ScopePrivate = "PRIVATE"
)

// IPIntel IP 匿名网络情报
type IPIntel struct {
	IP    string     `json:"ip"`
	Scope string     `json:"scope"`
	Tor   bool       `json:"is_tor"`
	VPN   bool       `json:"is_vpn"`
	ASN   string     `json:"asn"`
	Org   string     `json:"org"`
	Geo   *GeoRecord `json:"geo,omitempty"`
}

// IdentityStats 身份与信标访问的关联统计
type IdentityStats struct {
	TotalVisits int            `json:"total_visits"`
	Resources   map[string]int `json:"resources"`
	LastVisit   time.Time      `json:"last_visit"`
}

// MarshalJSON 时间按线上格式输出
func (s IdentityStats) MarshalJSON() ([]byte, error) {
	type alias IdentityStats
	return json.Marshal(struct {
		alias
		LastVisit *string `json:"last_visit"`
	}{
		alias:     alias(s),
		LastVisit: optionalTimestamp(s.LastVisit),
	})
}

func optionalTimestamp(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := FormatTimestamp(t)
	return &s
}

// AlertEvent 告警记录
type AlertEvent struct {
	IdentityKey    IdentityKey `json:"fingerprint"`
	Score          int         `json:"score"`
	Classification string      `json:"classification"`
	Rules          []string    `json:"rules"`
	CreatedAt      time.Time   `json:"created_at"`
}
