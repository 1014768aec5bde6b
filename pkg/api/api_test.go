package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-beaconsoc/pkg/analyzer"
	"go-beaconsoc/pkg/cache"
	"go-beaconsoc/pkg/correlator"
	"go-beaconsoc/pkg/engine"
	"go-beaconsoc/pkg/intel"
	"go-beaconsoc/pkg/models"
	"go-beaconsoc/pkg/policy"
	"go-beaconsoc/pkg/registry"
	"go-beaconsoc/pkg/storage"
)

var t0 = time.Date(2025, 12, 4, 9, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := func() time.Time { return t0 }

	tor := intel.NewTorCache(func(context.Context) (map[string]struct{}, error) {
		return map[string]struct{}{"185.220.101.1": {}}, nil
	}, time.Hour, time.Minute, clock)
	ipIntel := intel.NewAnalyzer(tor, nil, nil, nil, time.Second)
	reg := registry.New(store, clock)

	eng := engine.New(engine.Deps{
		Registry:   reg,
		Correlator: correlator.New(reg, store, ipIntel, correlator.WithClock(clock)),
		Behavior:   analyzer.NewBehaviorAnalyzer(analyzer.DefaultScoring(), store, cache.NewMemoryCache(), store, 5*time.Minute, clock),
		Policies:   policy.NewManager(filepath.Join(t.TempDir(), "fingerprint_policy.json")),
		Intel:      ipIntel,
	})
	return NewRouter(eng, nil)
}

func do(t *testing.T, h http.Handler, method, target string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	req.RemoteAddr = "185.220.101.1:40000"
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func fingerprintBody(resource string) map[string]any {
	return map[string]any{
		"resource": resource,
		"fingerprint": map[string]any{
			"engines": map[string]any{
				"fingerprintjs": map[string]any{
					"data": map[string]any{
						"visitorId":  "v-1",
						"components": map[string]any{"platform": map[string]any{"value": "Win32"}},
					},
				},
			},
		},
	}
}

func TestClientIPPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded first entry", map[string]string{"X-Forwarded-For": " 1.1.1.1 , 2.2.2.2", "CF-Connecting-IP": "3.3.3.3"}, "1.1.1.1"},
		{"cdn header", map[string]string{"CF-Connecting-IP": "3.3.3.3", "X-Real-IP": "4.4.4.4"}, "3.3.3.3"},
		{"real ip", map[string]string{"X-Real-IP": "4.4.4.4"}, "4.4.4.4"},
		{"remote address", nil, "192.0.2.10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.0.2.10:5555"
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ClientIP(req))
		})
	}
}

func TestPixelThenCollectEnrichesVisit(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/b/b1.png?event=alerta", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, pixelPNG, rec.Body.Bytes())

	rec = do(t, h, http.MethodPost, "/api/fingerprint/collect", fingerprintBody("b1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res correlator.CollectResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.IsNew)
	assert.True(t, res.Enriched)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), CookieName+"="+string(res.IdentityKey))

	rec = do(t, h, http.MethodGet, "/api/fingerprints/"+string(res.IdentityKey)+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "ERROR", events[0]["type"])
	assert.Equal(t, true, events[0]["flag_tor"])
	assert.Equal(t, "2025-12-04T09:00:00Z", events[0]["timestamp"])

	rec = do(t, h, http.MethodGet, "/api/behavior?classification=malicious&tor=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ComputedAt string           `json:"computed_at"`
		Summaries  []map[string]any `json:"summaries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2025-12-04T09:00:00Z", body.ComputedAt)
	require.Len(t, body.Summaries, 1)
	assert.Equal(t, "YES 1/1", body.Summaries[0]["TOR"])
	assert.EqualValues(t, 100, body.Summaries[0]["score"])
}

func TestPixelHonoursRegisteredIdentityCookie(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodPost, "/api/fingerprint/resolve", fingerprintBody("lure"))
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved struct {
		Key string `json:"fingerprint_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))

	rec = do(t, h, http.MethodGet, "/b/b2", nil, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: CookieName, Value: resolved.Key})
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/fingerprints/"+resolved.Key+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resource":"b2"`)
}

func TestPixelIgnoresForgedIdentityCookie(t *testing.T) {
	h := newTestRouter(t)
	for _, forged := range []string{"not-a-key", "fp_0123456789abcdef"} {
		rec := do(t, h, http.MethodGet, "/b/b1", nil, func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "185.220.101.1")
			r.AddCookie(&http.Cookie{Name: CookieName, Value: forged})
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, pixelPNG, rec.Body.Bytes())
	}

	rec := do(t, h, http.MethodGet, "/api/behavior?force=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Summaries []map[string]any `json:"summaries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Summaries)

	rec = do(t, h, http.MethodGet, "/api/resources/visits", nil)
	assert.JSONEq(t, `{"b1":2}`, rec.Body.String())
}

type brokenService struct{ Service }

func (brokenService) RecordVisit(context.Context, correlator.VisitRequest) (models.VisitEvent, error) {
	return models.VisitEvent{}, fmt.Errorf("append: %w: %w", models.ErrStorageUnavailable, errors.New("read-only"))
}

func TestPixelServedWhenRecordingFails(t *testing.T) {
	h := NewRouter(brokenService{}, nil)
	rec := do(t, h, http.MethodGet, "/b/b1.gif", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pixelPNG, rec.Body.Bytes())
}

func TestCollectRejectsEmptyFingerprint(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodPost, "/api/fingerprint/collect", map[string]any{"resource": "b1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/fingerprint/collect", strings.NewReader("{"))
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestResolveAndCompare(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/fingerprint/resolve", fingerprintBody("lure"))
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved struct {
		Key   string `json:"fingerprint_id"`
		IsNew bool   `json:"is_new"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.True(t, resolved.IsNew)

	rec = do(t, h, http.MethodGet, "/api/compare?a="+resolved.Key+"&b="+resolved.Key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.MatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 70, res.Score)
	assert.Equal(t, models.TierMedium, res.Confidence)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/compare?a="+resolved.Key, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/compare?a="+resolved.Key+"&b=fp_none", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/fingerprints/fp_none", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/behavior/fp_none", nil).Code)
}

func TestPolicyRoundTrip(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/api/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"visitorId":60`)

	bad := map[string]any{"fingerprint_scoring": map[string]any{
		"checks":            map[string]any{"platform": -5},
		"confidence_levels": map[string]any{"HIGH": 80, "MEDIUM": 50},
	}}
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPut, "/api/policy", bad).Code)

	good := map[string]any{
		"checks":            map[string]any{"platform": 40, "visitorId": 60},
		"confidence_levels": map[string]any{"HIGH": 90, "MEDIUM": 40},
	}
	rec = do(t, h, http.MethodPut, "/api/policy", good)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"HIGH":90`)
}

func TestClassifyIPAndHealth(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/api/ip/10.0.0.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.IPIntel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.ScopePrivate, got.Scope)
	assert.False(t, got.Tor)

	rec = do(t, h, http.MethodGet, "/api/ip/185.220.101.1", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Tor)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", nil).Code)
}

func TestResourceVisitsAndCorrelation(t *testing.T) {
	h := newTestRouter(t)
	do(t, h, http.MethodGet, "/b/b1", nil)
	do(t, h, http.MethodGet, "/b/b1", nil)
	do(t, h, http.MethodPost, "/api/fingerprint/collect", fingerprintBody("b1"))

	rec := do(t, h, http.MethodGet, "/api/resources/visits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"b1":2}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/correlation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report, 1)
	for _, stats := range report {
		assert.EqualValues(t, 1, stats["total_visits"])
		assert.Equal(t, "2025-12-04T09:00:00Z", stats["last_visit"])
	}
}
