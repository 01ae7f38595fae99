package resourceresolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapEntries_InitializeReachesWarmAndNotifiesOnce(t *testing.T) {
	cfg := newConfig(WithVanityPathCacheInitInBackground(false))
	me := NewMapEntries(cfg, NewProviderRegistry())

	var notifications int
	me.AddChangeListener(func() { notifications++ })

	adapter := &fakeAdapter{rows: []*Resource{
		resWithAliases("/content/foo", []string{"foo-alias"}),
	}}
	me.Initialize(context.Background(), adapter, nil, "sling:alias", "sling:vanityPath")

	assert.Equal(t, stateWarm, me.State())
	assert.Equal(t, 1, notifications)

	aliases, ok := me.Aliases().Lookup("/content", "foo")
	require.True(t, ok)
	assert.Equal(t, []string{"foo-alias"}, aliases)
}

func TestMapEntries_ChangeDuringWarmupIsQueuedThenApplied(t *testing.T) {
	cfg := newConfig(WithVanityPathCacheInitInBackground(false), WithOptimizeAliasResolution(true))
	me := NewMapEntries(cfg, NewProviderRegistry())

	me.state.Store(int32(stateWarming))
	me.QueueOrApplyChange(aliasChangeAdd, resWithAliases("/content/late", []string{"late-alias"}), "sling:alias", "sling:vanityPath")

	me.pendingMu.Lock()
	pendingCount := len(me.pending)
	me.pendingMu.Unlock()
	assert.Equal(t, 1, pendingCount)

	adapter := &fakeAdapter{}
	me.Initialize(context.Background(), adapter, nil, "sling:alias", "sling:vanityPath")

	aliases, ok := me.Aliases().Lookup("/content", "late")
	require.True(t, ok)
	assert.Equal(t, []string{"late-alias"}, aliases)
}

func TestMapEntries_DisposeRefusesAfterward(t *testing.T) {
	cfg := newConfig(WithVanityPathCacheInitInBackground(false))
	me := NewMapEntries(cfg, NewProviderRegistry())

	require.NoError(t, me.Dispose())
	assert.Equal(t, stateDisposed, me.State())

	me.QueueOrApplyChange(aliasChangeAdd, resWithAliases("/content/x", []string{"x"}), "sling:alias", "sling:vanityPath")
	me.pendingMu.Lock()
	pendingCount := len(me.pending)
	me.pendingMu.Unlock()
	assert.Zero(t, pendingCount, "disposed coordinator must not buffer further changes")
}

func TestMapEntries_NewIteratorMergesStaticAndVanity(t *testing.T) {
	cfg := newConfig(WithVanityPathCacheInitInBackground(false))
	me := NewMapEntries(cfg, NewProviderRegistry())

	entry := mustEntry(t, "^/content/foo$", []string{"/internal/foo"}, -1, 0, 0)
	me.resolveMap.Rebuild([]*ResolveEntry{entry})

	it := me.NewIterator("/content/foo")
	require.True(t, it.HasNext())
	assert.Same(t, entry, it.Next())
}
