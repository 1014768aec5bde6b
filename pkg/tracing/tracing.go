package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"go-beaconsoc/pkg/config"
	"go-beaconsoc/pkg/logger"
)

// Shutdown 刷新并关闭导出器
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init 配置了 tracing.endpoint 时安装 OTLP HTTP 导出器，否则保持全局 no-op
func Init(ctx context.Context, cfg *config.Config) (Shutdown, error) {
	if cfg.Tracing.Endpoint == "" {
		return noop, nil
	}
	name := cfg.Tracing.ServiceName
	if name == "" {
		name = "go-beaconsoc"
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Tracing.Endpoint)}
	if cfg.Tracing.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		logger.Log.Warnf("创建 tracing resource 失败: %v", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Log.Infof("tracing 已启用: endpoint=%s, service=%s", cfg.Tracing.Endpoint, name)
	return tp.Shutdown, nil
}
