package resourceresolver

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.Gauge.GetValue()
}

func TestMetrics_VanityPathsCountReflectsIndexState(t *testing.T) {
	cfg := newConfig(WithVanityPathCacheInitInBackground(false))
	me := NewMapEntries(cfg, NewProviderRegistry())
	me.Initialize(context.Background(), &fakeAdapter{rows: []*Resource{
		vanityRes("/content/foo", "/foo-vanity"),
	}}, nil, "sling:alias", "sling:vanityPath")

	metrics := NewMetrics(me, nil)
	assert.Equal(t, float64(1), gaugeValue(t, metrics.VanityPathsCount))
}

func TestMetrics_OnStartupGaugesSnapshotTheInitialScan(t *testing.T) {
	cfg := newConfig(WithVanityPathCacheInitInBackground(false))
	me := NewMapEntries(cfg, NewProviderRegistry())
	me.Initialize(context.Background(), &fakeAdapter{rows: []*Resource{
		vanityRes("/content/foo", "/foo-vanity"),
		resWithAliases("/content/bar", []string{"bar-alias"}),
	}}, nil, "sling:alias", "sling:vanityPath")

	metrics := NewMetrics(me, nil)
	assert.Equal(t, float64(1), gaugeValue(t, metrics.ResourcesWithVanityOnStartup))
	assert.Equal(t, float64(1), gaugeValue(t, metrics.ResourcesWithAliasesOnStartup))
}

func TestMetrics_RegisterSucceedsOnce(t *testing.T) {
	cfg := newConfig(WithVanityPathCacheInitInBackground(false))
	me := NewMapEntries(cfg, NewProviderRegistry())
	me.Initialize(context.Background(), &fakeAdapter{}, nil, "sling:alias", "sling:vanityPath")

	metrics := NewMetrics(me, &unclosedResolverMetric{})
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
}
