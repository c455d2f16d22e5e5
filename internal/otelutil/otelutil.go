package otelutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var tp *sdktrace.TracerProvider

// Init configures a global tracer provider. OTLP/gRPC is used when
// MDK_OTEL_OTLP_ENDPOINT (or the standard OTEL_EXPORTER_OTLP_ENDPOINT) is
// set; MDK_OTEL_STDOUT=1 selects the stdout exporter instead. Returns an
// error when neither is configured; callers may ignore it.
func Init() error {
	ctx := context.Background()

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(
		semconv.ServiceNameKey.String("maldek-spaces"),
	))
	if err != nil {
		return err
	}

	endpoint := os.Getenv("MDK_OTEL_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if strings.ToLower(os.Getenv("MDK_OTEL_OTLP_INSECURE")) == "1" {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return err
		}
		install(exporter, res)
		return nil
	}

	if strings.ToLower(os.Getenv("MDK_OTEL_STDOUT")) == "1" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		install(exporter, res)
		return nil
	}

	return fmt.Errorf("no OTEL exporter configured: set MDK_OTEL_OTLP_ENDPOINT or MDK_OTEL_STDOUT=1")
}

func install(exporter sdktrace.SpanExporter, res *sdkresource.Resource) {
	tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

// Flush shuts the tracer provider down, flushing pending spans. Safe to
// call multiple times.
func Flush() {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tp.Shutdown(ctx)
}
