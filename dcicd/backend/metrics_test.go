package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"tangled.sh/dcicd/dcicd/engine"
)

func TestRunMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { mp.Shutdown(context.Background()) })

	exec := &fakeExec{err: engine.ErrPipelineFailed, res: engine.Result{ExitCode: 1}}
	b, _ := newTestBackend(t, buildConfig, exec)
	b.m.loaded(testRepo)

	for range 2 {
		cmd := NewRunPipeline("build", nil)
		require.NoError(t, b.process(context.Background(), cmd))
		waitJob(t, cmd.Job)
		b.inflight.Wait()
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var runs *metricdata.Sum[int64]
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name == "pipeline_runs" {
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				runs = &sum
			}
		}
	}
	require.NotNil(t, runs)
	require.Len(t, runs.DataPoints, 1)
	assert.Equal(t, int64(2), runs.DataPoints[0].Value)

	status, ok := runs.DataPoints[0].Attributes.Value(attribute.Key("dcicd.status"))
	require.True(t, ok)
	assert.Equal(t, "failed", status.AsString())
}
