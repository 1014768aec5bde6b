package matcher

import (
	"bytes"
	"encoding/json"
	"sort"

	"go-beaconsoc/pkg/metrics"
	"go-beaconsoc/pkg/models"
)

// Compare 按策略逐字段比较两条指纹记录。
// 分数是命中字段权重的直接相加，不做归一化；任一侧为空即计为不匹配。
func Compare(a, b *models.FingerprintRecord, policy models.FingerprintPolicy) models.MatchResult {
	result := models.MatchResult{
		Matches:    []string{},
		Mismatches: []models.Mismatch{},
		PolicyUsed: policy.Clone(),
	}

	fields := make([]string, 0, len(policy.Checks))
	for field := range policy.Checks {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		v1 := signal(a, field)
		v2 := signal(b, field)
		if v1 != nil && equal(v1, v2) {
			result.Score += policy.Checks[field]
			result.Matches = append(result.Matches, field)
			continue
		}
		result.Mismatches = append(result.Mismatches, models.Mismatch{Field: field, FP1: v1, FP2: v2})
	}

	result.Confidence = policy.Tier(result.Score)
	metrics.SimilarityScores.Observe(float64(result.Score))
	return result
}

func signal(rec *models.FingerprintRecord, field string) any {
	if rec == nil || rec.Signals == nil {
		return nil
	}
	return rec.Signals[field]
}

// equal 按规范化 JSON 编码比较，[]string 与 []any、int64 与 float64 的整数值视为相同
func equal(v1, v2 any) bool {
	if v2 == nil {
		return false
	}
	b1, err1 := json.Marshal(v1)
	b2, err2 := json.Marshal(v2)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(b1, b2)
}
