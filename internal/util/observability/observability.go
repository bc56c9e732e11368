// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability provides OpenTelemetry tracing setup.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelsdkresource "go.opentelemetry.io/otel/sdk/resource"
	otelsdktrace "go.opentelemetry.io/otel/sdk/trace"
	otelsemconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// SetupOtelOpts represents tracing setup options.
type SetupOtelOpts struct {
	L        *zap.Logger
	Service  string
	Version  string
	Endpoint string // OTLP/HTTP host:port; tracing is disabled if empty
}

// SetupOtel sets up OTLP exporter and the global tracer provider.
//
// If endpoint is empty, the global provider is left as is and a no-op ShutdownFunc is returned.
func SetupOtel(opts *SetupOtelOpts) (ShutdownFunc, error) {
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(opts.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := otelsdktrace.NewTracerProvider(
		otelsdktrace.WithBatcher(exporter, otelsdktrace.WithBatchTimeout(time.Second)),
		otelsdktrace.WithSampler(otelsdktrace.AlwaysSample()),
		otelsdktrace.WithResource(otelsdkresource.NewSchemaless(
			otelsemconv.ServiceNameKey.String(opts.Service),
			otelsemconv.ServiceVersionKey.String(opts.Version),
		)),
	)

	otel.SetTracerProvider(tp)

	l := opts.L.Named("otel")

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		l.Warn("OpenTelemetry error.", zap.Error(err))
	}))

	l.Info("Exporting traces.", zap.String("endpoint", opts.Endpoint))

	return tp.Shutdown, nil
}
