package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"go-beaconsoc/pkg/analyzer"
	"go-beaconsoc/pkg/cache"
	"go-beaconsoc/pkg/config"
	"go-beaconsoc/pkg/correlator"
	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/models"
)

// Service HTTP 层依赖的引擎能力
type Service interface {
	RecordVisit(ctx context.Context, req correlator.VisitRequest) (models.VisitEvent, error)
	CollectFingerprint(ctx context.Context, req correlator.VisitRequest) (correlator.CollectResult, error)
	ResolveIdentity(ctx context.Context, raw models.RawFingerprint, source models.Source) (models.IdentityKey, bool, error)
	Fingerprint(ctx context.Context, key models.IdentityKey) (*models.FingerprintRecord, error)
	Fingerprints(ctx context.Context) ([]models.FingerprintRecord, error)
	EventsForIdentity(ctx context.Context, key models.IdentityKey) ([]models.VisitEvent, error)
	Compare(ctx context.Context, a, b models.IdentityKey) (models.MatchResult, error)
	Behaviors(ctx context.Context, force bool, filter analyzer.Filter) (cache.Snapshot, error)
	Behavior(ctx context.Context, key models.IdentityKey, force bool) (models.BehaviorSummary, time.Time, error)
	ClassifyIP(ctx context.Context, ip string) models.IPIntel
	Policy() models.FingerprintPolicy
	UpdatePolicy(ctx context.Context, p models.FingerprintPolicy) error
	VisitsByResource(ctx context.Context) (map[string]int, error)
	Reconcile(ctx context.Context) (map[models.IdentityKey]models.IdentityStats, error)
}

type handler struct {
	svc Service
}

// NewRouter 注册全部路由
func NewRouter(svc Service, cfg *config.Config) http.Handler {
	h := &handler{svc: svc}

	origins := []string{"*"}
	timeout := 30 * time.Second
	if cfg != nil {
		if len(cfg.HTTP.AllowedOrigins) > 0 {
			origins = cfg.HTTP.AllowedOrigins
		}
		if cfg.HTTP.RequestTimeout > 0 {
			timeout = cfg.HTTP.RequestTimeout
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	// HTML 诱饵页跨域上报指纹
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/b/{resource}", h.pixel)

	r.Route("/api", func(r chi.Router) {
		r.Post("/fingerprint/collect", h.collect)
		r.Post("/fingerprint/resolve", h.resolve)
		r.Get("/fingerprints", h.listFingerprints)
		r.Get("/fingerprints/{key}", h.getFingerprint)
		r.Get("/fingerprints/{key}/events", h.fingerprintEvents)
		r.Get("/compare", h.compare)
		r.Get("/behavior", h.behaviors)
		r.Get("/behavior/{key}", h.behavior)
		r.Get("/ip/{ip}", h.classifyIP)
		r.Get("/policy", h.getPolicy)
		r.Put("/policy", h.putPolicy)
		r.Get("/resources/visits", h.resourceVisits)
		r.Get("/correlation", h.correlation)
	})
	return r
}

// Server HTTP 服务，每个请求带 tracing span
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
}

func NewServer(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      otelhttp.NewHandler(handler, "beaconsoc-http"),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		shutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}
}

// Start 阻塞直到服务关闭
func (s *Server) Start() error {
	logger.Log.Infof("HTTP 服务启动: %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 等待进行中的请求完成
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	return s.srv.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logger.Log.Debugw("HTTP 请求",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"client_ip", ClientIP(r),
				"request_id", middleware.GetReqID(r.Context()),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
