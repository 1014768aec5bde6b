package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go-beaconsoc/pkg/models"
)

func defaultPolicy() models.FingerprintPolicy {
	return models.FingerprintPolicy{
		Checks: map[string]int{
			"visitorId": 60, "platform": 10, "browser": 10,
			"timezone": 5, "deviceMemory": 5, "screenResolution": 10,
		},
		ConfidenceLevels: map[string]int{models.TierHigh: 80, models.TierMedium: 50},
	}
}

func rec(signals models.CanonicalSignals) *models.FingerprintRecord {
	return &models.FingerprintRecord{Signals: signals}
}

func TestCompareIdenticalRecords(t *testing.T) {
	s := models.CanonicalSignals{
		"visitorId": "abc", "platform": "Win32", "browser": "Chrome 120",
		"timezone": "UTC", "deviceMemory": int64(8), "screenResolution": "1920x1080",
	}
	res := Compare(rec(s), rec(s), defaultPolicy())
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, models.TierHigh, res.Confidence)
	assert.Len(t, res.Matches, 6)
	assert.Empty(t, res.Mismatches)
}

func TestCompareNullsNeverMatch(t *testing.T) {
	a := rec(models.CanonicalSignals{"visitorId": nil, "platform": "Win32"})
	b := rec(models.CanonicalSignals{"visitorId": nil, "platform": "Win32"})
	res := Compare(a, b, defaultPolicy())
	assert.Equal(t, 10, res.Score)
	assert.Equal(t, []string{"platform"}, res.Matches)
	assert.Equal(t, models.TierLow, res.Confidence)

	var visitor models.Mismatch
	for _, m := range res.Mismatches {
		if m.Field == "visitorId" {
			visitor = m
		}
	}
	assert.Equal(t, "visitorId", visitor.Field)
	assert.Nil(t, visitor.FP1)
	assert.Nil(t, visitor.FP2)
}

func TestCompareIsSymmetric(t *testing.T) {
	a := rec(models.CanonicalSignals{"visitorId": "abc", "platform": "Win32", "timezone": "UTC", "browser": "Firefox 120.0"})
	b := rec(models.CanonicalSignals{"visitorId": "abc", "platform": "Linux", "timezone": "UTC"})

	ab := Compare(a, b, defaultPolicy())
	ba := Compare(b, a, defaultPolicy())
	assert.Equal(t, ab.Score, ba.Score)
	assert.Equal(t, ab.Confidence, ba.Confidence)
	assert.Equal(t, ab.Matches, ba.Matches)
	assert.Equal(t, 65, ab.Score)
	assert.Equal(t, models.TierMedium, ab.Confidence)
	for i := range ab.Mismatches {
		assert.Equal(t, ab.Mismatches[i].Field, ba.Mismatches[i].Field)
		assert.Equal(t, ab.Mismatches[i].FP1, ba.Mismatches[i].FP2)
	}
}

func TestCompareCaseSensitiveAndTypeNormalized(t *testing.T) {
	p := models.FingerprintPolicy{
		Checks:           map[string]int{"platform": 40, "deviceMemory": 30, "languages": 30},
		ConfidenceLevels: map[string]int{models.TierHigh: 80, models.TierMedium: 50},
	}
	a := rec(models.CanonicalSignals{"platform": "Win32", "deviceMemory": int64(8), "languages": []string{"es-ES"}})
	b := rec(models.CanonicalSignals{"platform": "win32", "deviceMemory": float64(8), "languages": []any{"es-ES"}})
	res := Compare(a, b, p)
	assert.Equal(t, []string{"deviceMemory", "languages"}, res.Matches)
	assert.Equal(t, 60, res.Score)
}

func TestCompareLiteralSumNotNormalized(t *testing.T) {
	p := models.FingerprintPolicy{
		Checks:           map[string]int{"platform": 90, "timezone": 90},
		ConfidenceLevels: map[string]int{models.TierHigh: 80, models.TierMedium: 50},
	}
	s := models.CanonicalSignals{"platform": "Win32", "timezone": "UTC"}
	res := Compare(rec(s), rec(s), p)
	assert.Equal(t, 180, res.Score)
	assert.Equal(t, models.TierHigh, res.Confidence)
}

func TestCompareToleratesPolicySupersetAndNilRecords(t *testing.T) {
	p := defaultPolicy()
	p.Checks["gpu"] = 20
	res := Compare(rec(models.CanonicalSignals{"visitorId": "x"}), nil, p)
	assert.Equal(t, 0, res.Score)
	assert.Len(t, res.Mismatches, len(p.Checks))
	assert.Equal(t, 20, res.PolicyUsed.Checks["gpu"])
}

func TestTierBoundaries(t *testing.T) {
	p := defaultPolicy()
	cases := map[int]string{80: models.TierHigh, 79: models.TierMedium, 50: models.TierMedium, 49: models.TierLow}
	for score, want := range cases {
		assert.Equal(t, want, p.Tier(score), score)
	}
}
