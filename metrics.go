// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors published for a MapEntries
// instance (spec §6 metrics table). The monotonic counters are exposed as
// GaugeFunc rather than Counter: their true source of truth is the
// atomic.Int64 fields already kept on AliasIndex/VanityPathIndex for the
// throttled-logging and Bloom-filter-reset logic, and client_golang has no
// function-backed Counter type, only GaugeFunc. Register attaches them to
// a registerer; no separate update path is needed since each read goes
// straight through to the live counter.
type Metrics struct {
	VanityPathsCount              prometheus.GaugeFunc
	VanityPathLookups             prometheus.GaugeFunc
	VanityBloomNegatives          prometheus.GaugeFunc
	VanityBloomFalsePositives     prometheus.GaugeFunc
	ResourcesWithVanityOnStartup  prometheus.Gauge
	ResourcesWithAliasedChildren  prometheus.GaugeFunc
	ResourcesWithAliasesOnStartup prometheus.Gauge
	DetectedInvalidAliases        prometheus.GaugeFunc
	DetectedConflictingAliases    prometheus.GaugeFunc
	UnclosedResolvers             prometheus.GaugeFunc
}

const metricNamespace = "sling_resourceresolver"

// NewMetrics builds the full metric set described in spec §6, wired to the
// given coordinator and unclosed-resolver guard.
func NewMetrics(entries *MapEntries, unclosed *unclosedResolverMetric) *Metrics {
	m := &Metrics{
		VanityPathsCount: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "vanity_paths_count",
			Help:      "Number of vanity paths currently indexed.",
		}, func() float64 { return float64(vanityKeyCount(entries.Vanity())) }),
		VanityPathLookups: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "vanity_path_lookups",
			Help:      "Total number of vanity path lookups performed.",
		}, func() float64 { return float64(entries.Vanity().Lookups()) }),
		VanityBloomNegatives: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "vanity_bloom_negatives",
			Help:      "Lookups short-circuited by a Bloom filter negative.",
		}, func() float64 { return float64(entries.Vanity().BloomNegatives()) }),
		VanityBloomFalsePositives: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "vanity_bloom_false_positives",
			Help:      "Lookups that passed the Bloom filter but found no entry.",
		}, func() float64 { return float64(entries.Vanity().BloomFalsePositives()) }),
		ResourcesWithVanityOnStartup: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "resources_with_vanity_paths_on_startup",
			Help:      "Number of resources carrying a vanity path at the end of the initial scan.",
		}),
		// ResourcesWithVanityOnStartup (above) and
		// ResourcesWithAliasesOnStartup (below) are set once, right after
		// construction: they track the state at the end of the scan that
		// already ran by the time NewMetrics is called, not a live value.
		ResourcesWithAliasedChildren: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "resources_with_aliased_children",
			Help:      "Number of parent paths with at least one aliased child.",
		}, func() float64 { return float64(aliasParentCount(entries.Aliases())) }),
		ResourcesWithAliasesOnStartup: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "resources_with_aliases_on_startup",
			Help:      "Number of resources carrying an alias at the end of the initial scan.",
		}),
		DetectedInvalidAliases: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "detected_invalid_aliases",
			Help:      "Aliases discarded for failing well-formedness checks.",
		}, func() float64 { return float64(entries.Aliases().InvalidCount()) }),
		DetectedConflictingAliases: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "detected_conflicting_aliases",
			Help:      "Aliases discarded for duplicating another child's alias under the same parent.",
		}, func() float64 { return float64(entries.Aliases().ConflictingCount()) }),
	}
	if unclosed != nil {
		m.UnclosedResolvers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "unclosed_resolvers",
			Help:      "ResourceResolverControl instances garbage-collected without Close having run.",
		}, func() float64 { return float64(unclosed.Count()) })
	}

	m.ResourcesWithVanityOnStartup.Set(float64(vanityTargetCount(entries.Vanity())))
	m.ResourcesWithAliasesOnStartup.Set(float64(aliasChildCount(entries.Aliases())))

	return m
}

// Register attaches every non-nil collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.VanityPathsCount,
		m.VanityPathLookups,
		m.VanityBloomNegatives,
		m.VanityBloomFalsePositives,
		m.ResourcesWithVanityOnStartup,
		m.ResourcesWithAliasedChildren,
		m.ResourcesWithAliasesOnStartup,
		m.DetectedInvalidAliases,
		m.DetectedConflictingAliases,
	}
	if m.UnclosedResolvers != nil {
		collectors = append(collectors, m.UnclosedResolvers)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func vanityKeyCount(v *VanityPathIndex) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byKey)
}

// vanityTargetCount returns the number of distinct resources that have
// registered at least one vanity path, as opposed to vanityKeyCount's count
// of vanity keys (a resource can register several).
func vanityTargetCount(v *VanityPathIndex) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byTarget)
}

func aliasParentCount(a *AliasIndex) int {
	snap := a.snapshot.Load()
	return len(snap.byParent)
}

// aliasChildCount returns the number of distinct (parent, child) pairs
// carrying at least one alias, the "resources with aliases" startup count.
func aliasChildCount(a *AliasIndex) int {
	snap := a.snapshot.Load()
	count := 0
	for _, children := range snap.byParent {
		count += len(children)
	}
	return count
}
