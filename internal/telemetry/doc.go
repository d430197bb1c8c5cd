// Package telemetry wires the global OpenTelemetry API to OTLP exporters.
//
// Services across northstar instrument themselves through otel.Tracer and
// otel.Meter; this package decides where that data goes. Disabled (the
// default), the globals stay no-op. Enabled via OTEL_ENABLE=true, spans
// and metrics flow to an OTLP collector over gRPC or http/protobuf.
//
//	tel, err := telemetry.New(ctx, telemetry.NewDefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Instrumented code is unchanged either way:
//
//	tracer := otel.Tracer("northstar.orchestrator")
//	ctx, span := tracer.Start(ctx, "orchestrator.handle_request")
//	defer span.End()
//
// Tests use TestTelemetry, which records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "classify")
//	span.End()
//	// tt.SpanByName("classify") != nil
package telemetry
