package analyzer

import (
	"math"
	"time"

	"go-beaconsoc/pkg/config"
	"go-beaconsoc/pkg/models"
)

// Scoring 行为评分常量，全部可由 behavior.* 配置调整
type Scoring struct {
	WindowDivisor int64
	VisitWeight   int
	MaxScore      int
	TorScore      int
	VPNBonus      int
	VPNMinBase    int
	SuspiciousAt  int
	MaliciousAt   int
}

// DefaultScoring 每两分钟活动计 1 分，每次访问计 5 分
func DefaultScoring() Scoring {
	return Scoring{
		WindowDivisor: 120,
		VisitWeight:   5,
		MaxScore:      100,
		TorScore:      100,
		VPNBonus:      20,
		VPNMinBase:    60,
		SuspiciousAt:  50,
		MaliciousAt:   80,
	}
}

// ScoringFromConfig 未配置的字段取默认值
func ScoringFromConfig(cfg *config.Config) Scoring {
	s := DefaultScoring()
	if cfg == nil {
		return s
	}
	b := cfg.Behavior
	if b.WindowDivisor > 0 {
		s.WindowDivisor = b.WindowDivisor
	}
	if b.VisitWeight > 0 {
		s.VisitWeight = b.VisitWeight
	}
	if b.MaxScore > 0 {
		s.MaxScore = b.MaxScore
	}
	if b.TorScore > 0 {
		s.TorScore = b.TorScore
	}
	if b.VPNBonus > 0 {
		s.VPNBonus = b.VPNBonus
	}
	if b.VPNMinBase > 0 {
		s.VPNMinBase = b.VPNMinBase
	}
	if b.SuspiciousAt > 0 {
		s.SuspiciousAt = b.SuspiciousAt
	}
	if b.MaliciousAt > 0 {
		s.MaliciousAt = b.MaliciousAt
	}
	return s
}

// Base min(max, window/divisor + visits*weight)
func (s Scoring) Base(windowSeconds int64, visits int) int {
	divisor := s.WindowDivisor
	if divisor <= 0 {
		divisor = 1
	}
	base := windowSeconds/divisor + int64(visits*s.VisitWeight)
	if base > int64(s.MaxScore) {
		return s.MaxScore
	}
	if base < 0 {
		return 0
	}
	return int(base)
}

// Adjust TOR 直接取最高分；VPN 只在基础分已达到门槛时加分
func (s Scoring) Adjust(base int, tor, vpn bool) int {
	switch {
	case tor:
		return s.TorScore
	case vpn && base >= s.VPNMinBase:
		return min(s.MaxScore, base+s.VPNBonus)
	default:
		return base
	}
}

// Classify 阈值按下界包含
func (s Scoring) Classify(score int) string {
	switch {
	case score >= s.MaliciousAt:
		return models.Malicious
	case score >= s.SuspiciousAt:
		return models.Suspicious
	default:
		return models.Legit
	}
}

type accumulator struct {
	summary   models.BehaviorSummary
	resources map[string]struct{}
	first     time.Time
	last      time.Time
}

// Summarize 按身份聚合访问事件，输出顺序为身份首次出现的顺序。
// 没有身份的事件不参与；时间戳无法解析的事件计入访问数，不计入时间窗口。
func (s Scoring) Summarize(events []models.VisitEvent) []models.BehaviorSummary {
	var order []models.IdentityKey
	acc := make(map[models.IdentityKey]*accumulator)

	for _, ev := range events {
		if ev.IdentityKey == "" {
			continue
		}
		a, ok := acc[ev.IdentityKey]
		if !ok {
			a = &accumulator{
				summary:   models.BehaviorSummary{IdentityKey: ev.IdentityKey},
				resources: make(map[string]struct{}),
			}
			acc[ev.IdentityKey] = a
			order = append(order, ev.IdentityKey)
		}
		a.summary.Visits++
		a.resources[ev.BehaviorKey()] = struct{}{}
		if ev.FlagTor {
			a.summary.TorVisits++
		}
		if ev.FlagVPN {
			a.summary.VPNVisits++
		}
		if ts := ev.Timestamp; !ts.IsZero() {
			if a.first.IsZero() || ts.Before(a.first) {
				a.first = ts
			}
			if ts.After(a.last) {
				a.last = ts
			}
		}
	}

	out := make([]models.BehaviorSummary, 0, len(order))
	for _, key := range order {
		a := acc[key]
		sum := a.summary
		sum.Resources = len(a.resources)
		sum.FirstVisit, sum.LastVisit = a.first, a.last
		if !a.first.IsZero() {
			sum.WindowSeconds = int64(a.last.Sub(a.first) / time.Second)
		}
		sum.TorRatio = ratio(sum.TorVisits, sum.Visits)
		sum.VPNRatio = ratio(sum.VPNVisits, sum.Visits)
		sum.BaseScore = s.Base(sum.WindowSeconds, sum.Visits)
		sum.Score = s.Adjust(sum.BaseScore, sum.TorVisits > 0, sum.VPNVisits > 0)
		sum.Classification = s.Classify(sum.Score)
		out = append(out, sum)
	}
	return out
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*100) / 100
}
