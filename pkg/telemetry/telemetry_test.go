package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/steemit/reelfeed/pkg/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(&config.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	shutdown()
}

func TestStartSpanWithoutInit(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "feed.fetch_page")
	defer span.End()

	if ctx == nil {
		t.Fatal("StartSpan() returned nil context")
	}
	if Meter("media") == nil {
		t.Fatal("Meter() returned nil")
	}
}

func TestShutdownAllJoinsErrors(t *testing.T) {
	var order []int
	stops := []shutdownFunc{
		func(context.Context) error { order = append(order, 1); return nil },
		func(context.Context) error { order = append(order, 2); return errors.New("flush failed") },
	}

	err := shutdownAll(stops)
	if err == nil || err.Error() != "flush failed" {
		t.Fatalf("shutdownAll() error = %v, want flush failed", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("shutdown order = %v, want [2 1]", order)
	}
	if err := shutdownAll(nil); err != nil {
		t.Errorf("shutdownAll(nil) error = %v", err)
	}
}

func TestTracerBeforeInit(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}
