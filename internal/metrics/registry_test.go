package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRegistry_RecordersEmit(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	r, err := NewRegistry("test.registry")
	require.NoError(t, err)

	ctx := context.Background()
	r.RecordCASConflict(ctx)
	r.RecordTicketCreated(ctx)
	r.RecordTicketLinked(ctx)
	r.RecordThresholdAdjustment(ctx, -0.25)
	r.RecordDetectorFire(ctx, "location")
	r.SetActiveClusters(7)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	collected := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			collected[m.Name] = true
		}
	}
	for _, want := range []string{
		"fig.correlation.cas_conflicts",
		"fig.correlation.active_clusters",
		"fig.escalation.tickets_created",
		"fig.escalation.tickets_linked",
		"fig.tuning.threshold_adjustment",
		"fig.scoring.detector_fires",
	} {
		assert.True(t, collected[want], "expected %s to be collected", want)
	}
}

// Services built without a registry (tests, one-off tools) pass nil; the
// recorders must stay no-ops instead of panicking.
func TestRegistry_NilReceiverRecordersAreNoOps(t *testing.T) {
	var r *Registry
	ctx := context.Background()

	assert.NotPanics(t, func() {
		r.RecordCASConflict(ctx)
		r.RecordTicketCreated(ctx)
		r.RecordTicketLinked(ctx)
		r.RecordThresholdAdjustment(ctx, 0.25)
		r.SetActiveClusters(3)
	})
}
