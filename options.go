// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import (
	"log/slog"
	"time"
)

// config holds the recognized options from spec §6's configuration table.
type config struct {
	optimizeAliasResolution bool

	vanityPathEnabled             bool
	vanityPathCacheInitBackground bool
	vanityPathMaxEntries          int
	vanityPathMaxEntriesOnStartup bool
	vanityBloomFilterMaxBytes     int
	vanityPathPrecedence          bool
	defaultVanityRedirectStatus   int
	vanityPathAllowList           []string
	vanityPathDenyList            []string

	allowedAliasLocations []string

	observationPaths []string
	mapRoot          string

	mangleNamespacePrefixes bool

	warmupLRUSize int

	log            *slog.Logger
	errorLogWindow time.Duration
}

func defaultConfig() *config {
	return &config{
		optimizeAliasResolution:       true,
		vanityPathEnabled:             true,
		vanityPathCacheInitBackground: true,
		vanityPathMaxEntries:          -1,
		vanityBloomFilterMaxBytes:     1 << 20,
		defaultVanityRedirectStatus:   302,
		mapRoot:                       "/etc/map",
		warmupLRUSize:                 10000,
		errorLogWindow:                5 * time.Minute,
	}
}

// Option configures the settings a MapEntries is built from.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithOptimizeAliasResolution toggles the in-memory AliasIndex. When
// disabled, the index is not built, and neither mapping nor resolution
// consults aliases at all; aliases are not read from the resource instead.
func WithOptimizeAliasResolution(enabled bool) Option {
	return optionFunc(func(c *config) { c.optimizeAliasResolution = enabled })
}

// WithVanityPathEnabled toggles the VanityPathIndex and its Bloom filter.
func WithVanityPathEnabled(enabled bool) Option {
	return optionFunc(func(c *config) { c.vanityPathEnabled = enabled })
}

// WithVanityPathCacheInitInBackground selects background vs. synchronous
// warm-up for the vanity path scan.
func WithVanityPathCacheInitInBackground(background bool) Option {
	return optionFunc(func(c *config) { c.vanityPathCacheInitBackground = background })
}

// WithVanityPathMaxEntries caps how many resources the initial vanity scan
// reads; resources past the cap are skipped and not added to the Bloom
// filter either. Incremental changes are not capped. -1 means unlimited.
func WithVanityPathMaxEntries(max int) Option {
	return optionFunc(func(c *config) { c.vanityPathMaxEntries = max })
}

// WithVanityPathMaxEntriesOnStartup ignores the cap during the initial scan
// when enabled.
func WithVanityPathMaxEntriesOnStartup(enabled bool) Option {
	return optionFunc(func(c *config) { c.vanityPathMaxEntriesOnStartup = enabled })
}

// WithVanityBloomFilterMaxBytes sets the Bloom filter's byte size.
func WithVanityBloomFilterMaxBytes(n int) Option {
	return optionFunc(func(c *config) { c.vanityBloomFilterMaxBytes = n })
}

// WithVanityPathPrecedence selects the tie-break rule between vanity and
// global resolve entries of equal specificity.
func WithVanityPathPrecedence(vanityFirst bool) Option {
	return optionFunc(func(c *config) { c.vanityPathPrecedence = vanityFirst })
}

// WithDefaultVanityRedirectStatus sets the status used when
// sling:redirect=true but sling:redirectStatus is unset.
func WithDefaultVanityRedirectStatus(status int) Option {
	return optionFunc(func(c *config) { c.defaultVanityRedirectStatus = status })
}

// WithVanityPathAllowList restricts valid vanity paths to the given path
// prefixes. An empty list allows everything not denied.
func WithVanityPathAllowList(prefixes ...string) Option {
	return optionFunc(func(c *config) { c.vanityPathAllowList = append([]string(nil), prefixes...) })
}

// WithVanityPathDenyList excludes vanity paths under the given prefixes.
func WithVanityPathDenyList(prefixes ...string) Option {
	return optionFunc(func(c *config) { c.vanityPathDenyList = append([]string(nil), prefixes...) })
}

// WithAllowedAliasLocations records a list of alias subtrees. The setting is
// stored only: the alias scan does not read it and always covers every row
// the adapter returns.
func WithAllowedAliasLocations(paths ...string) Option {
	return optionFunc(func(c *config) { c.allowedAliasLocations = append([]string(nil), paths...) })
}

// WithObservationPaths records a list of observation paths. The setting is
// stored only: change events are applied regardless of their path.
func WithObservationPaths(paths ...string) Option {
	return optionFunc(func(c *config) { c.observationPaths = append([]string(nil), paths...) })
}

// WithMapRoot records the configuration tree root (default "/etc/map"). The
// setting is stored only: the static ResolveMap is built from the entries
// passed to MapEntries.Initialize, not read from this root.
func WithMapRoot(root string) Option {
	return optionFunc(func(c *config) { c.mapRoot = root })
}

// WithMangleNamespacePrefixes toggles rewriting "NCNAME:NCNAME" path segments
// to "NCNAME_NCNAME" on outbound mapping.
func WithMangleNamespacePrefixes(enabled bool) Option {
	return optionFunc(func(c *config) { c.mangleNamespacePrefixes = enabled })
}

// WithWarmupCacheSize bounds the temporary LRU consulted while the vanity
// path background scan is in flight.
func WithWarmupCacheSize(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.warmupLRUSize = n
		}
	})
}

// WithLogger sets the structured logger used for diagnostics and throttled
// error reporting.
func WithLogger(log *slog.Logger) Option {
	return optionFunc(func(c *config) {
		if log != nil {
			c.log = log
		}
	})
}

// WithErrorLogWindow sets the minimum interval between repeated throttled
// error log lines (default 5 minutes, per spec §4.3).
func WithErrorLogWindow(d time.Duration) Option {
	return optionFunc(func(c *config) {
		if d > 0 {
			c.errorLogWindow = d
		}
	})
}

func newConfig(opts ...Option) *config {
	c := defaultConfig()
	for _, opt := range opts {
		opt.apply(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}
