package tracing

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goattend/internal/config"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TelemetryConfig
		wantErr bool
	}{
		{"disabled", config.TelemetryConfig{}, false},
		{"enabled without endpoint", config.TelemetryConfig{Enabled: true}, true},
		{"grpc", config.TelemetryConfig{Enabled: true, Endpoint: "localhost:4317", Insecure: true}, false},
		{"http", config.TelemetryConfig{Enabled: true, Endpoint: "localhost:4318", Protocol: "http", Insecure: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Setup err = %v", err)
			}
			if shutdown == nil {
				t.Fatal("nil shutdown")
			}
			// exporters connect lazily, so shutdown with nothing buffered is quick
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_ = shutdown(ctx)
		})
	}
}

func TestTracer(t *testing.T) {
	_, span := Tracer("ingest").Start(context.Background(), "x")
	span.End()
}
