// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apache/sling-org-apache-sling-resourceresolver/internal/bloom"
	"github.com/apache/sling-org-apache-sling-resourceresolver/internal/lru"
	"golang.org/x/sync/singleflight"
)

// VanityPathIndex maintains the vanity-path lookup table, gated by a Bloom
// filter so cold keys never cost a cache probe (spec §4.4, §2 component 6).
type VanityPathIndex struct {
	cfg *config
	log *throttledLogger

	filter *bloom.Filter

	mu       sync.Mutex
	byKey    map[string][]*ResolveEntry
	byTarget map[string][]string // source resource path -> keys it registered, for eviction on change

	warm atomic.Bool

	warmupMu    sync.Mutex
	warmupCache *lru.Cache[string, []*ResolveEntry]

	lookups             atomic.Int64
	bloomNegatives      atomic.Int64
	bloomFalsePositives atomic.Int64

	queueMu sync.Mutex
	queue   []vanityScanBatch

	// sf collapses concurrent triggers of the cold full-tree scan (e.g. a
	// config reload racing the initial warm-up) into a single underlying
	// scan, instead of running the same expensive paged query twice.
	sf singleflight.Group
}

// vanityScanBatch is one unit of incremental work buffered while the
// background scan is still running. The FIFO queue holding them has no size
// bound; it is drained twice after scan completion.
type vanityScanBatch struct {
	kind aliasChangeKind
	res  *Resource
}

// NewVanityPathIndex returns an empty, not-yet-warm VanityPathIndex.
func NewVanityPathIndex(cfg *config, log *throttledLogger) *VanityPathIndex {
	v := &VanityPathIndex{
		cfg:      cfg,
		log:      log,
		byKey:    make(map[string][]*ResolveEntry),
		byTarget: make(map[string][]string),
	}
	if cfg.warmupLRUSize > 0 {
		v.warmupCache = lru.New[string, []*ResolveEntry](cfg.warmupLRUSize)
	}
	return v
}

// IsWarm reports whether the full-tree scan has completed and the index is
// authoritative (spec §3 Lifecycle: cold/warming/warm).
func (v *VanityPathIndex) IsWarm() bool { return v.warm.Load() }

// Lookups, BloomNegatives, BloomFalsePositives expose the §6 metrics.
func (v *VanityPathIndex) Lookups() int64             { return v.lookups.Load() }
func (v *VanityPathIndex) BloomNegatives() int64      { return v.bloomNegatives.Load() }
func (v *VanityPathIndex) BloomFalsePositives() int64 { return v.bloomFalsePositives.Load() }

// ResetCounters resets the lookup counter together with the Bloom-filter
// negative and false-positive counters, so their ratios stay comparable.
// The Bloom filter's contents are kept.
func (v *VanityPathIndex) ResetCounters() {
	v.lookups.Store(0)
	v.bloomNegatives.Store(0)
	v.bloomFalsePositives.Store(0)
}

// Lookup returns the ResolveEntry list registered for a vanity key. The
// Bloom filter is consulted first; a negative is authoritative (no false
// negatives by construction), while a positive falls through to the real
// map, which may itself turn out empty (a Bloom false positive).
func (v *VanityPathIndex) Lookup(key string) []*ResolveEntry {
	v.lookups.Add(1)

	if v.filter != nil && !v.filter.MayContain(key) {
		v.bloomNegatives.Add(1)
		return nil
	}

	if v.warm.Load() {
		v.mu.Lock()
		entries := v.byKey[key]
		v.mu.Unlock()
		if len(entries) == 0 {
			v.bloomFalsePositives.Add(1)
			return nil
		}
		return entries
	}

	// Not yet warm: fall back to the bounded warm-up cache (spec §4.4:
	// "warm-up LRU fallback"). A cache miss here is simply "unknown yet",
	// not a negative.
	if v.warmupCache == nil {
		return nil
	}
	v.warmupMu.Lock()
	entries, ok := v.warmupCache.Get(key)
	v.warmupMu.Unlock()
	if !ok {
		return nil
	}
	if len(entries) == 0 {
		v.bloomFalsePositives.Add(1)
	}
	return entries
}

// Initialize runs the full-tree vanity-path scan, either synchronously
// (eager mode) or on a dedicated background goroutine, per cfg.
func (v *VanityPathIndex) Initialize(ctx context.Context, adapter StorageAdapter, queryTemplate, property string, nextReg func() int) {
	if !v.cfg.vanityPathEnabled {
		v.warm.Store(true)
		return
	}

	maxEntries := v.cfg.vanityPathMaxEntries
	if v.cfg.vanityPathMaxEntriesOnStartup {
		// The initial scan ignores the cap; incremental changes are not
		// capped either, so with this option nothing is capped.
		maxEntries = -1
	}
	v.filter = bloom.New(estimatedVanityCount(maxEntries), 0.01, v.cfg.vanityBloomFilterMaxBytes)

	scan := func() {
		// Collapse concurrent cold-scan triggers (a caller re-invoking
		// Initialize, or background and eager paths racing) into one scan;
		// every caller waiting on "scan" gets the same result.
		_, _, _ = v.sf.Do("scan", func() (any, error) {
			v.runScan(ctx, adapter, queryTemplate, property, nextReg, maxEntries)
			v.drainQueue(ctx, property, nextReg)
			v.drainQueue(ctx, property, nextReg)
			return nil, nil
		})
	}

	if v.cfg.vanityPathCacheInitBackground {
		go scan()
	} else {
		scan()
	}
}

func estimatedVanityCount(maxEntries int) int {
	if maxEntries > 0 {
		return maxEntries
	}
	return 100000
}

// runScan performs the actual paged scan and populates byKey/byTarget and
// the Bloom filter. On adapter error, it logs (throttled) and leaves
// whatever was scanned so far in place rather than discarding it, then
// still marks the index warm so lookups stop blocking on "not yet known".
func (v *VanityPathIndex) runScan(ctx context.Context, adapter StorageAdapter, queryTemplate, property string, nextReg func() int, maxEntries int) {
	defer v.warm.Store(true)

	pqi := NewPagedQueryIterator(ctx, adapter, queryTemplate, property, "", 1000)
	defer pqi.Close()

	count := 0
	for {
		if maxEntries > 0 && count >= maxEntries {
			if v.log != nil {
				v.log.Error("vanity path scan reached vanity_path_max_entries, remaining resources skipped")
			}
			return
		}
		res, err := pqi.Next()
		if err != nil {
			if v.log != nil {
				v.log.Error("vanity path scan failed", "error", err)
			}
			return
		}
		if res == nil {
			return
		}
		v.registerResource(res, property, nextReg)
		count++
	}
}

// registerResource adds every vanity key declared by res to the index,
// provided res's own path falls within the configured allow/deny scope
// (spec §4.4: vanity paths are only honored for content under permitted
// tree locations).
//
// Per vanity value vi, two ResolveEntry are built (spec §3, §8 scenario 3):
// an exact-match entry (pattern "^{prefix}{vi}$") and an extension-aware
// entry that lets the requested extension reach the target. prefix is the
// generic two-segment scheme/host wildcard "[^/]+/[^/]+", omitted when vi is
// itself a full scheme/host URL. When the target resource's own name has no
// extension, ".html" is appended to the redirect and the second entry
// matches that literal extension; when the target already carries one, the
// second entry instead uses a generic "(\..*)" capture so an arbitrarily
// extensioned request still resolves.
func (v *VanityPathIndex) registerResource(res *Resource, property string, nextReg func() int) {
	if !allowedVanitySource(v.cfg, res.Path()) {
		return
	}
	keys, _ := res.StringsProp(property)
	if len(keys) == 0 {
		return
	}
	status := v.cfg.defaultVanityRedirectStatus
	if s, ok := res.IntProp("sling:redirectStatus"); ok {
		status = s
	}
	internal := true
	if redirect, ok := res.BoolProp("sling:redirect"); ok {
		internal = !redirect
	}
	order := int64(0)
	if o, ok := res.IntProp("sling:vanityOrder"); ok {
		order = int64(o)
	}
	entryStatus := -1
	if !internal {
		entryStatus = status
	}

	target := res.Path()
	redirectTarget, secondSuffix := vanityRedirectAndSuffix(target)

	v.mu.Lock()
	defer v.mu.Unlock()

	var registeredKeys []string
	for _, key := range keys {
		prefix := "[^/]+/[^/]+"
		if isFullVanityURL(key) {
			prefix = ""
		}
		quoted := regexpQuote(key)

		exact, err := NewResolveEntry("^"+prefix+quoted+"$", []string{redirectTarget}, entryStatus, order, false, nextReg())
		added := false
		if err == nil {
			exact.vanitySource = target
			v.byKey[key] = append(v.byKey[key], exact)
			added = true
		}

		withExt, err := NewResolveEntry("^"+prefix+quoted+secondSuffix, []string{redirectTarget}, entryStatus, order, false, nextReg())
		if err == nil {
			withExt.vanitySource = target
			v.byKey[key] = append(v.byKey[key], withExt)
			added = true
		}

		if added {
			registeredKeys = append(registeredKeys, key)
			v.filter.Add(key)
		}
	}
	if len(registeredKeys) > 0 {
		v.byTarget[target] = registeredKeys
	}
}

// vanityRedirectAndSuffix computes the redirect target and the second
// entry's pattern suffix for a vanity target path (spec §3, §8 scenario 3).
func vanityRedirectAndSuffix(target string) (redirectTarget, secondSuffix string) {
	name := target
	if idx := strings.LastIndexByte(target, '/'); idx >= 0 {
		name = target[idx+1:]
	}
	if strings.IndexByte(name, '.') >= 0 {
		return target, `(\..*)`
	}
	return target + ".html", `\.html`
}

// isFullVanityURL reports whether vi is a full scheme/host URL rather than
// a bare path, per spec §3: such vanity values get no generic prefix.
func isFullVanityURL(vi string) bool {
	return strings.Contains(vi, "://")
}

func allowedVanitySource(cfg *config, sourcePath string) bool {
	if len(cfg.vanityPathDenyList) > 0 {
		for _, p := range cfg.vanityPathDenyList {
			if hasPrefixPath(sourcePath, p) {
				return false
			}
		}
	}
	if len(cfg.vanityPathAllowList) == 0 {
		return true
	}
	for _, p := range cfg.vanityPathAllowList {
		if hasPrefixPath(sourcePath, p) {
			return true
		}
	}
	return false
}

func hasPrefixPath(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix
}

// regexpQuote escapes key so it can be embedded in a literal-match regexp
// pattern (vanity paths are exact matches, not patterns).
func regexpQuote(key string) string {
	special := `\.+*?()|[]{}^$`
	out := make([]byte, 0, len(key)*2)
	for i := 0; i < len(key); i++ {
		c := key[i]
		for j := 0; j < len(special); j++ {
			if c == special[j] {
				out = append(out, '\\')
				break
			}
		}
		out = append(out, c)
	}
	return string(out)
}

// QueueChange buffers an incremental vanity-path change while the index is
// still warming, or applies it immediately once warm (spec §4.4: "pending
// change queue buffering events during warm-up").
func (v *VanityPathIndex) QueueChange(kind aliasChangeKind, res *Resource, property string, nextReg func() int) {
	if !v.cfg.vanityPathEnabled {
		return
	}
	if !v.warm.Load() {
		v.queueMu.Lock()
		v.queue = append(v.queue, vanityScanBatch{kind: kind, res: res})
		v.queueMu.Unlock()
		return
	}
	v.applyChange(kind, res, property, nextReg)
}

func (v *VanityPathIndex) applyChange(kind aliasChangeKind, res *Resource, property string, nextReg func() int) {
	v.mu.Lock()
	if oldKeys, ok := v.byTarget[res.Path()]; ok {
		for _, key := range oldKeys {
			v.removeFromKeyLocked(key, res.Path())
		}
		delete(v.byTarget, res.Path())
	}
	v.mu.Unlock()

	if kind != aliasChangeRemove {
		v.registerResource(res, property, nextReg)
	}
}

// removeFromKeyLocked drops every entry registered for key that originated
// from sourcePath — both the exact-match and extension-aware entries
// registerResource builds per vi, decrementing the key's entry count by 2
// per target (spec §4.4).
func (v *VanityPathIndex) removeFromKeyLocked(key, sourcePath string) {
	entries := v.byKey[key]
	filtered := entries[:0]
	for _, e := range entries {
		if e.vanitySource != sourcePath {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		delete(v.byKey, key)
	} else {
		v.byKey[key] = filtered
	}
}

// drainQueue applies everything buffered since the last drain. It is
// called twice after the scan completes, matching the double-drain
// sequencing that closes the race between "scan just finished" and "one
// more change arrived while we were draining" (spec §4.4/§8 scenario 6).
func (v *VanityPathIndex) drainQueue(ctx context.Context, property string, nextReg func() int) {
	v.queueMu.Lock()
	batch := v.queue
	v.queue = nil
	v.queueMu.Unlock()

	for _, item := range batch {
		v.applyChange(item.kind, item.res, property, nextReg)
	}
}
