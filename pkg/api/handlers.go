package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"go-beaconsoc/pkg/analyzer"
	"go-beaconsoc/pkg/correlator"
	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/models"
)

// CookieName 浏览器端保存身份标识的 cookie
const CookieName = "fingerprint_id"

// 1x1 透明 PNG
var pixelPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warnf("写入响应失败: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrMalformedInput):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrPolicyCorruption):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.Log.Errorf("请求处理失败: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func cookieKey(r *http.Request) models.IdentityKey {
	if c, err := r.Cookie(CookieName); err == nil {
		return models.IdentityKey(strings.TrimSpace(c.Value))
	}
	return ""
}

func setIdentityCookie(w http.ResponseWriter, key models.IdentityKey) {
	if key == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    string(key),
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// pixel 记录失败也照常返回图片
func (h *handler) pixel(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	for _, ext := range []string{".png", ".gif"} {
		resource = strings.TrimSuffix(resource, ext)
	}

	q := r.URL.Query()
	_, err := h.svc.RecordVisit(r.Context(), correlator.VisitRequest{
		IP:          ClientIP(r),
		UserAgent:   r.UserAgent(),
		Resource:    resource,
		Payload:     models.PayloadPNG,
		Event:       q.Get("event"),
		Type:        q.Get("type"),
		IdentityKey: cookieKey(r),
	})
	if err != nil {
		logger.Log.Warnw("信标访问记录失败", "resource", resource, "error", err)
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Content-Length", strconv.Itoa(len(pixelPNG)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelPNG)
}

type collectRequest struct {
	Resource    string                `json:"resource"`
	Event       string                `json:"event"`
	Payload     string                `json:"payload"`
	Fingerprint models.RawFingerprint `json:"fingerprint"`
}

func (h *handler) collect(w http.ResponseWriter, r *http.Request) {
	var body collectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	payload := body.Payload
	if payload == "" {
		payload = "HTML"
	}

	res, err := h.svc.CollectFingerprint(r.Context(), correlator.VisitRequest{
		IP:          ClientIP(r),
		UserAgent:   r.UserAgent(),
		Resource:    body.Resource,
		Payload:     payload,
		Event:       body.Event,
		Fingerprint: body.Fingerprint,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	setIdentityCookie(w, res.IdentityKey)
	writeJSON(w, http.StatusOK, res)
}

type resolveRequest struct {
	Channel     string                `json:"channel"`
	Resource    string                `json:"resource"`
	Fingerprint models.RawFingerprint `json:"fingerprint"`
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Channel == "" {
		body.Channel = "api"
	}
	key, isNew, err := h.svc.ResolveIdentity(r.Context(), body.Fingerprint, models.Source{Channel: body.Channel, Resource: body.Resource})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fingerprint_id": key, "is_new": isNew})
}

func (h *handler) listFingerprints(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.Fingerprints(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) getFingerprint(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Fingerprint(r.Context(), models.IdentityKey(chi.URLParam(r, "key")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) fingerprintEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.EventsForIdentity(r.Context(), models.IdentityKey(chi.URLParam(r, "key")))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.VisitEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) compare(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "parameters a and b are required"})
		return
	}
	res, err := h.svc.Compare(r.Context(), models.IdentityKey(a), models.IdentityKey(b))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) behaviors(w http.ResponseWriter, r *http.Request) {
	filter := analyzer.Filter{
		Classification: strings.ToUpper(r.URL.Query().Get("classification")),
		TorOnly:        boolParam(r, "tor"),
	}
	snap, err := h.svc.Behaviors(r.Context(), boolParam(r, "force"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"computed_at": models.FormatTimestamp(snap.ComputedAt),
		"summaries":   snap.Summaries,
	})
}

func (h *handler) behavior(w http.ResponseWriter, r *http.Request) {
	s, at, err := h.svc.Behavior(r.Context(), models.IdentityKey(chi.URLParam(r, "key")), boolParam(r, "force"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"computed_at": models.FormatTimestamp(at),
		"summary":     s,
	})
}

func (h *handler) classifyIP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ClassifyIP(r.Context(), chi.URLParam(r, "ip")))
}

func (h *handler) getPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]models.FingerprintPolicy{"fingerprint_scoring": h.svc.Policy()})
}

// putPolicy 接受带 fingerprint_scoring 顶层键的文档，也接受裸策略
func (h *handler) putPolicy(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	data, err := json.Marshal(raw)
	if inner, ok := raw["fingerprint_scoring"]; ok {
		data, err = inner, nil
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var p models.FingerprintPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid policy"})
		return
	}
	if err := h.svc.UpdatePolicy(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.FingerprintPolicy{"fingerprint_scoring": h.svc.Policy()})
}

func (h *handler) resourceVisits(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.VisitsByResource(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *handler) correlation(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reconcile(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
