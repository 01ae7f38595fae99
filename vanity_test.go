package resourceresolver

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vanityRes(path, vanityPath string) *Resource {
	return NewResource(path, map[string]any{"sling:vanityPath": []string{vanityPath}}, 0)
}

func newTestVanityIndex(t *testing.T, eager bool) *VanityPathIndex {
	t.Helper()
	cfg := newConfig(
		WithVanityPathEnabled(true),
		WithVanityPathCacheInitInBackground(!eager),
		WithVanityBloomFilterMaxBytes(1<<16),
	)
	return NewVanityPathIndex(cfg, nil)
}

func nextRegCounter() func() int {
	var n atomic.Int64
	return func() int { return int(n.Add(1) - 1) }
}

func TestVanityPathIndex_EagerInitLookupAfterWarm(t *testing.T) {
	idx := newTestVanityIndex(t, true)
	adapter := &fakeAdapter{rows: []*Resource{vanityRes("/content/foo", "/foo")}}

	idx.Initialize(context.Background(), adapter, "%s", "sling:vanityPath", nextRegCounter())

	require.True(t, idx.IsWarm())
	entries := idx.Lookup("/foo")
	require.Len(t, entries, 2, "an exact-match and an extension-aware entry are registered per vanity value")
	assert.Equal(t, "/content/foo.html", entries[0].Redirects[0], "no extension on the target, so .html is appended")
	assert.Equal(t, "/content/foo.html", entries[1].Redirects[0])
}

func TestVanityPathIndex_BloomFilterNoFalseNegatives(t *testing.T) {
	idx := newTestVanityIndex(t, true)
	rows := make([]*Resource, 0, 200)
	for i := 0; i < 200; i++ {
		rows = append(rows, vanityRes("/content/n", "/v"+string(rune('a'+i%26))+string(rune('0'+i%10))))
	}
	// The adapter returns rows sorted by their first vanity value, as the
	// paged scan requires.
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := firstStringValue(rows[i], "sling:vanityPath")
		b, _ := firstStringValue(rows[j], "sling:vanityPath")
		return a < b
	})
	adapter := &fakeAdapter{rows: rows}
	idx.Initialize(context.Background(), adapter, "%s", "sling:vanityPath", nextRegCounter())

	for i := 0; i < 200; i++ {
		key := "/v" + string(rune('a'+i%26)) + string(rune('0'+i%10))
		assert.NotEmpty(t, idx.Lookup(key), "bloom filter must never produce a false negative for %s", key)
	}
}

func TestVanityPathIndex_UnknownKeyRejectedByBloomFilter(t *testing.T) {
	idx := newTestVanityIndex(t, true)
	adapter := &fakeAdapter{rows: []*Resource{vanityRes("/content/foo", "/foo")}}
	idx.Initialize(context.Background(), adapter, "%s", "sling:vanityPath", nextRegCounter())

	entries := idx.Lookup("/never-registered")
	assert.Empty(t, entries)
	assert.Equal(t, int64(1), idx.BloomNegatives())
}

func TestVanityPathIndex_ResetCountersClearsCountsKeepsBloom(t *testing.T) {
	idx := newTestVanityIndex(t, true)
	adapter := &fakeAdapter{rows: []*Resource{vanityRes("/content/foo", "/foo")}}
	idx.Initialize(context.Background(), adapter, "%s", "sling:vanityPath", nextRegCounter())

	idx.Lookup("/foo")
	idx.Lookup("/missing")
	assert.NotZero(t, idx.Lookups())

	idx.ResetCounters()
	assert.Zero(t, idx.Lookups())
	assert.Zero(t, idx.BloomNegatives())
	assert.NotEmpty(t, idx.Lookup("/foo"), "resetting the counters keeps the bloom filter, so registered keys still resolve")
}

func TestVanityPathIndex_AllowListRejectsOutOfScopeVanityPath(t *testing.T) {
	cfg := newConfig(
		WithVanityPathEnabled(true),
		WithVanityPathCacheInitInBackground(false),
		WithVanityPathAllowList("/content/allowed"),
	)
	idx := NewVanityPathIndex(cfg, nil)
	adapter := &fakeAdapter{rows: []*Resource{
		vanityRes("/content/allowed/a", "/a-vanity"),
		vanityRes("/content/other/b", "/b-vanity"),
	}}
	idx.Initialize(context.Background(), adapter, "%s", "sling:vanityPath", nextRegCounter())

	assert.NotEmpty(t, idx.Lookup("/a-vanity"))
}

func TestVanityPathIndex_TwoEntriesPerVanityValueWithExtensionFallback(t *testing.T) {
	idx := newTestVanityIndex(t, true)
	res := NewResource("/content/page", map[string]any{
		"sling:vanityPath": []string{"/docs"},
		"sling:redirect":   true,
	}, 0)
	adapter := &fakeAdapter{rows: []*Resource{res}}
	idx.Initialize(context.Background(), adapter, "%s", "sling:vanityPath", nextRegCounter())

	entries := idx.Lookup("/docs")
	require.Len(t, entries, 2)

	patterns := []string{entries[0].PatternSrc, entries[1].PatternSrc}
	assert.Contains(t, patterns, `^[^/]+/[^/]+/docs$`)
	assert.Contains(t, patterns, `^[^/]+/[^/]+/docs\.html`)
	assert.Equal(t, "/content/page.html", entries[0].Redirects[0])
	assert.Equal(t, "/content/page.html", entries[1].Redirects[0])
}

func TestVanityPathIndex_ExplicitRedirectStatusIsHonored(t *testing.T) {
	idx := newTestVanityIndex(t, true)
	res := NewResource("/content/page", map[string]any{
		"sling:vanityPath":     []string{"/docs"},
		"sling:redirect":       true,
		"sling:redirectStatus": 301,
	}, 0)
	adapter := &fakeAdapter{rows: []*Resource{res}}
	idx.Initialize(context.Background(), adapter, "%s", "sling:vanityPath", nextRegCounter())

	entries := idx.Lookup("/docs")
	require.Len(t, entries, 2)
	assert.Equal(t, 301, entries[0].Status)
	assert.Equal(t, 301, entries[1].Status)
}

func TestVanityPathIndex_RemovalDecrementsBothEntriesPerTarget(t *testing.T) {
	idx := newTestVanityIndex(t, true)
	res := vanityRes("/content/foo", "/foo")
	adapter := &fakeAdapter{rows: []*Resource{res}}
	idx.Initialize(context.Background(), adapter, "%s", "sling:vanityPath", nextRegCounter())

	require.Len(t, idx.Lookup("/foo"), 2)

	idx.applyChange(aliasChangeRemove, res, "sling:vanityPath", nextRegCounter())
	assert.Empty(t, idx.byKey["/foo"])
}

func TestVanityPathIndex_QueueChangeBufferedUntilWarm(t *testing.T) {
	idx := newTestVanityIndex(t, true)
	idx.warm.Store(false)

	idx.QueueChange(aliasChangeAdd, vanityRes("/content/late", "/late"), "sling:vanityPath", nextRegCounter())
	assert.Empty(t, idx.Lookup("/late"), "change queued while cold must not be visible yet")

	idx.queueMu.Lock()
	pending := len(idx.queue)
	idx.queueMu.Unlock()
	assert.Equal(t, 1, pending)
}
