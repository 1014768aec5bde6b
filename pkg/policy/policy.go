package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"go-beaconsoc/pkg/models"
)

// DocumentKey 策略文件中的顶层键
const DocumentKey = "fingerprint_scoring"

// Defaults 内置默认策略，任何损坏都回退到这里
func Defaults() models.FingerprintPolicy {
	return models.FingerprintPolicy{
		Checks: map[string]int{
			"visitorId":        60,
			"platform":         10,
			"browser":          10,
			"timezone":         5,
			"deviceMemory":     5,
			"screenResolution": 10,
		},
		ConfidenceLevels: map[string]int{
			models.TierHigh:   80,
			models.TierMedium: 50,
		},
	}
}

const schemaURL = "beaconsoc://fingerprint-policy.schema.json"

const schemaSource = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["fingerprint_scoring"],
  "properties": {
    "fingerprint_scoring": {
      "type": "object",
      "required": ["checks", "confidence_levels"],
      "properties": {
        "checks": {
          "type": "object",
          "minProperties": 1,
          "additionalProperties": {"type": "integer", "minimum": 0}
        },
        "confidence_levels": {
          "type": "object",
          "required": ["HIGH", "MEDIUM"],
          "properties": {
            "HIGH": {"type": "integer", "minimum": 0},
            "MEDIUM": {"type": "integer", "minimum": 0}
          }
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString(schemaURL, schemaSource)

type document struct {
	Scoring section `json:"fingerprint_scoring"`
}

type section struct {
	Checks           json.RawMessage `json:"checks"`
	ConfidenceLevels json.RawMessage `json:"confidence_levels"`
}

// Validate 按 JSON Schema 校验完整的策略文档
func Validate(data []byte) error {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode policy: %w: %w", models.ErrPolicyCorruption, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("validate policy: %w: %w", models.ErrPolicyCorruption, err)
	}
	return nil
}

// Parse 总是返回可用策略；文档有问题时按分段回退默认值，并返回 ErrPolicyCorruption
func Parse(data []byte) (models.FingerprintPolicy, error) {
	defaults := Defaults()
	if err := Validate(data); err == nil {
		var doc struct {
			Scoring models.FingerprintPolicy `json:"fingerprint_scoring"`
		}
		if err := json.Unmarshal(data, &doc); err == nil {
			return doc.Scoring, nil
		}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return defaults, fmt.Errorf("decode policy: %w: %w", models.ErrPolicyCorruption, err)
	}

	var problems []string
	out := models.FingerprintPolicy{}

	if checks, ok := decodeChecks(doc.Scoring.Checks); ok {
		out.Checks = checks
	} else {
		out.Checks = defaults.Checks
		problems = append(problems, "checks")
	}

	if levels, ok := decodeLevels(doc.Scoring.ConfidenceLevels); ok {
		out.ConfidenceLevels = levels
	} else {
		out.ConfidenceLevels = defaults.ConfidenceLevels
		problems = append(problems, "confidence_levels")
	}

	if len(problems) == 0 {
		return out, nil
	}
	return out, fmt.Errorf("invalid sections %s: %w", strings.Join(problems, ","), models.ErrPolicyCorruption)
}

func decodeChecks(raw json.RawMessage) (map[string]int, bool) {
	var checks map[string]int
	if len(raw) == 0 || json.Unmarshal(raw, &checks) != nil || len(checks) == 0 {
		return nil, false
	}
	for _, w := range checks {
		if w < 0 {
			return nil, false
		}
	}
	return checks, true
}

func decodeLevels(raw json.RawMessage) (map[string]int, bool) {
	var levels map[string]int
	if len(raw) == 0 || json.Unmarshal(raw, &levels) != nil {
		return nil, false
	}
	_, high := levels[models.TierHigh]
	_, medium := levels[models.TierMedium]
	if !high || !medium {
		return nil, false
	}
	return levels, true
}

// Encode 生成带顶层键、四空格缩进的策略文档
func Encode(p models.FingerprintPolicy) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	if err := enc.Encode(map[string]models.FingerprintPolicy{DocumentKey: p}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Check 更新前的严格校验，不做回退
func Check(p models.FingerprintPolicy) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	return Validate(data)
}
