package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go-beaconsoc/pkg/analyzer"
	"go-beaconsoc/pkg/cache"
	"go-beaconsoc/pkg/correlator"
	"go-beaconsoc/pkg/matcher"
	"go-beaconsoc/pkg/metrics"
	"go-beaconsoc/pkg/models"
	"go-beaconsoc/pkg/policy"
	"go-beaconsoc/pkg/registry"
)

const tracerName = "go-beaconsoc/engine"

// Deps 引擎依赖的各组件
type Deps struct {
	Registry   *registry.Registry
	Correlator *correlator.Correlator
	Behavior   *analyzer.BehaviorAnalyzer
	Policies   *policy.Manager
	Intel      correlator.IPAnalyzer
}

// Engine 身份解析与风险评分的统一入口，HTTP 和 Kafka 都经由这里调用
type Engine struct {
	registry   *registry.Registry
	correlator *correlator.Correlator
	behavior   *analyzer.BehaviorAnalyzer
	policies   *policy.Manager
	intel      correlator.IPAnalyzer
	tracer     trace.Tracer
}

func New(d Deps) *Engine {
	return &Engine{
		registry:   d.Registry,
		correlator: d.Correlator,
		behavior:   d.Behavior,
		policies:   d.Policies,
		intel:      d.Intel,
		tracer:     otel.Tracer(tracerName),
	}
}

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := e.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	begin := time.Now()
	return ctx, func(err error) {
		metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(begin).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// ResolveIdentity 解析或新建身份
func (e *Engine) ResolveIdentity(ctx context.Context, raw models.RawFingerprint, source models.Source) (key models.IdentityKey, isNew bool, err error) {
	ctx, end := e.start(ctx, "resolve_identity", attribute.String("channel", source.Channel))
	defer func() { end(err) }()
	return e.correlator.ResolveIdentity(ctx, raw, source)
}

// RecordVisit 记录一次访问；返回错误时事件仍可用于响应
func (e *Engine) RecordVisit(ctx context.Context, req correlator.VisitRequest) (ev models.VisitEvent, err error) {
	ctx, end := e.start(ctx, "record_visit", attribute.String("resource", req.Resource))
	defer func() { end(err) }()
	return e.correlator.RecordVisit(ctx, req)
}

// CollectFingerprint 指纹上报：登记身份并回填或记录访问
func (e *Engine) CollectFingerprint(ctx context.Context, req correlator.VisitRequest) (res correlator.CollectResult, err error) {
	ctx, end := e.start(ctx, "collect_fingerprint", attribute.String("resource", req.Resource))
	defer func() { end(err) }()
	return e.correlator.CollectFingerprint(ctx, req)
}

// Enrich 回填最近一条未关联身份的访问
func (e *Engine) Enrich(ctx context.Context, resource string, key models.IdentityKey) (ok bool, err error) {
	ctx, end := e.start(ctx, "enrich", attribute.String("resource", resource))
	defer func() { end(err) }()
	return e.correlator.Enrich(ctx, resource, key)
}

// Compare 按当前策略比对两个已登记身份
func (e *Engine) Compare(ctx context.Context, a, b models.IdentityKey) (res models.MatchResult, err error) {
	ctx, end := e.start(ctx, "compare", attribute.String("fp1", string(a)), attribute.String("fp2", string(b)))
	defer func() { end(err) }()

	recA, err := e.registry.Get(ctx, a)
	if err != nil {
		return models.MatchResult{}, err
	}
	recB, err := e.registry.Get(ctx, b)
	if err != nil {
		return models.MatchResult{}, err
	}
	return matcher.Compare(recA, recB, e.policies.Current()), nil
}

// Behaviors 全部身份的行为评分，可按分类和 TOR 过滤
func (e *Engine) Behaviors(ctx context.Context, force bool, filter analyzer.Filter) (snap cache.Snapshot, err error) {
	ctx, end := e.start(ctx, "get_behavior", attribute.Bool("force", force))
	defer func() { end(err) }()

	snap, err = e.behavior.Behaviors(ctx, force)
	if err != nil {
		return cache.Snapshot{}, err
	}
	snap.Summaries = filter.Apply(snap.Summaries)
	return snap, nil
}

// Behavior 单个身份的行为评分
func (e *Engine) Behavior(ctx context.Context, key models.IdentityKey, force bool) (s models.BehaviorSummary, at time.Time, err error) {
	ctx, end := e.start(ctx, "get_behavior", attribute.String("fingerprint", string(key)), attribute.Bool("force", force))
	defer func() { end(err) }()
	return e.behavior.Behavior(ctx, key, force)
}

// ClassifyIP IP 匿名网络情报
func (e *Engine) ClassifyIP(ctx context.Context, ip string) models.IPIntel {
	ctx, end := e.start(ctx, "classify_ip", attribute.String("ip", ip))
	defer end(nil)
	return e.intel.Analyze(ctx, ip)
}

func (e *Engine) Fingerprint(ctx context.Context, key models.IdentityKey) (*models.FingerprintRecord, error) {
	return e.registry.Get(ctx, key)
}

func (e *Engine) Fingerprints(ctx context.Context) ([]models.FingerprintRecord, error) {
	return e.registry.List(ctx)
}

func (e *Engine) EventsForIdentity(ctx context.Context, key models.IdentityKey) ([]models.VisitEvent, error) {
	return e.correlator.EventsForIdentity(ctx, key)
}

func (e *Engine) VisitsByResource(ctx context.Context) (map[string]int, error) {
	return e.correlator.VisitsByResource(ctx)
}

// Reconcile 身份与信标访问的关联报告
func (e *Engine) Reconcile(ctx context.Context) (report map[models.IdentityKey]models.IdentityStats, err error) {
	ctx, end := e.start(ctx, "reconcile")
	defer func() { end(err) }()
	return e.correlator.Reconcile(ctx)
}

// Policy 当前生效的相似度策略
func (e *Engine) Policy() models.FingerprintPolicy {
	return e.policies.Current()
}

// UpdatePolicy 校验并保存新策略
func (e *Engine) UpdatePolicy(ctx context.Context, p models.FingerprintPolicy) (err error) {
	_, end := e.start(ctx, "update_policy")
	defer func() { end(err) }()
	return e.policies.Update(p)
}
