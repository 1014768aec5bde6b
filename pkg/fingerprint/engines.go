package fingerprint

import (
	"math"
	"sort"

	"go-beaconsoc/pkg/models"
)

// EngineWeights 各指纹引擎对采集置信度的贡献
var EngineWeights = map[string]float64{
	"fingerprintjs":   0.40,
	"creepjs":         0.30,
	"broprint":        0.15,
	"thumbmark":       0.10,
	"detectincognito": 0.05,
}

// NormalizeEngines 空值、false 和带 error 的引擎结果记为缺失
func NormalizeEngines(raw models.RawFingerprint) map[string]bool {
	engines, ok := Lookup(map[string]any(raw), "engines").Map()
	if !ok {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(engines))
	for name, result := range engines {
		out[name] = engineReported(result)
	}
	return out
}

func engineReported(result any) bool {
	switch r := result.(type) {
	case nil:
		return false
	case bool:
		return r
	case string:
		return r != ""
	case map[string]any:
		if failed, ok := r["error"]; ok && failed != false && failed != nil {
			return false
		}
		return len(r) > 0
	}
	return true
}

// Coverage 按权重累加有结果的引擎，保留两位小数，并返回有结果的引擎列表
func Coverage(raw models.RawFingerprint) (float64, []string) {
	var (
		confidence float64
		reported   []string
	)
	for name, ok := range NormalizeEngines(raw) {
		if !ok {
			continue
		}
		reported = append(reported, name)
		confidence += EngineWeights[name]
	}
	sort.Strings(reported)
	return math.Round(confidence*100) / 100, reported
}
