package observability

import (
	"context"

	"github.com/penwyp/club-gateway/config"
	"github.com/penwyp/club-gateway/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
)

// InitTracing 初始化分布式追踪，根据配置决定是否启用
// 返回一个清理资源的关闭函数，供 main 在退出时 defer 调用
func InitTracing(cfg *config.Config) func(context.Context) error {
	if !cfg.Observability.Jaeger.Enabled {
		logger.Info("Tracing is disabled in configuration")
		return func(ctx context.Context) error { return nil } // 无操作的关闭函数
	}

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.Observability.Jaeger.Endpoint),
		otlptracehttp.WithURLPath("/v1/traces"),
		otlptracehttp.WithInsecure(), // 本地测试禁用 TLS，生产环境需配置
	)
	if err != nil {
		logger.Error("Failed to initialize OTLP exporter",
			zap.String("endpoint", cfg.Observability.Jaeger.Endpoint),
			zap.Error(err))
		panic(err)
	}

	var sampler sdktrace.Sampler
	switch cfg.Observability.Jaeger.Sampler {
	case "always":
		sampler = sdktrace.AlwaysSample()
	case "ratio":
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Observability.Jaeger.SampleRatio))
	default:
		sampler = sdktrace.AlwaysSample()
		logger.Warn("Unknown sampler type detected, defaulting to 'always'",
			zap.String("sampler", cfg.Observability.Jaeger.Sampler))
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("club-gateway"),
			semconv.ServiceVersionKey.String("0.1.0"),
		),
	)
	if err != nil {
		logger.Error("Failed to create tracing resource", zap.Error(err))
		panic(err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// 设置全局 TracerProvider 和 TextMapPropagator 用于追踪传播
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Distributed tracing initialized successfully",
		zap.String("endpoint", cfg.Observability.Jaeger.Endpoint),
		zap.String("sampler", cfg.Observability.Jaeger.Sampler),
		zap.Float64("sampleRatio", cfg.Observability.Jaeger.SampleRatio))

	return tp.Shutdown
}
