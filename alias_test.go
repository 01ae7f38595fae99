package resourceresolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	rows []*Resource
	err  error
}

func (f *fakeAdapter) FindResources(ctx context.Context, query, language string) (ResourceIterator, error) {
	if f.err != nil {
		return nil, f.err
	}
	return NewSliceIterator(f.rows), nil
}
func (f *fakeAdapter) GetResource(ctx context.Context, path string) (*Resource, error) { return nil, nil }
func (f *fakeAdapter) Refresh(ctx context.Context) error                              { return nil }
func (f *fakeAdapter) Close()                                                         {}

func resWithAliases(path string, aliases []string) *Resource {
	return NewResource(path, map[string]any{"sling:alias": aliases}, 0)
}

func TestAliasIndex_InitializeBuildsLookupTable(t *testing.T) {
	adapter := &fakeAdapter{rows: []*Resource{
		resWithAliases("/content/bar", []string{"bar-alias", "bar2"}),
		resWithAliases("/content/foo", []string{"foo-alias"}),
	}}
	idx := NewAliasIndex(nil)
	idx.Initialize(context.Background(), adapter, "%s", "sling:alias", "", 10)

	require.True(t, idx.Enabled())
	aliases, ok := idx.Lookup("/content", "foo")
	require.True(t, ok)
	assert.Equal(t, []string{"foo-alias"}, aliases)

	aliases, ok = idx.Lookup("/content", "bar")
	require.True(t, ok)
	assert.Equal(t, []string{"bar-alias", "bar2"}, aliases)

	child, ok := idx.ResolveAlias("/content", "bar2")
	require.True(t, ok)
	assert.Equal(t, "bar", child)
}

func TestAliasIndex_InvalidAliasDiscardedAndCounted(t *testing.T) {
	adapter := &fakeAdapter{rows: []*Resource{
		resWithAliases("/content/foo", []string{"..", "ok-alias"}),
	}}
	idx := NewAliasIndex(nil)
	idx.Initialize(context.Background(), adapter, "%s", "sling:alias", "", 10)

	assert.EqualValues(t, 1, idx.InvalidCount())
	aliases, ok := idx.Lookup("/content", "foo")
	require.True(t, ok)
	assert.Equal(t, []string{"ok-alias"}, aliases)
}

func TestAliasIndex_ConflictingAliasDiscardedKeepsFirst(t *testing.T) {
	adapter := &fakeAdapter{rows: []*Resource{
		resWithAliases("/content/foo", []string{"dup"}),
		resWithAliases("/content/other", []string{"dup"}),
	}}
	idx := NewAliasIndex(nil)
	idx.Initialize(context.Background(), adapter, "%s", "sling:alias", "", 10)

	assert.EqualValues(t, 1, idx.ConflictingCount())
	child, ok := idx.ResolveAlias("/content", "dup")
	require.True(t, ok)
	assert.Equal(t, "foo", child, "first registration wins, second is a discarded conflict")
}

func TestAliasIndex_InitializeFailureDisablesAndClears(t *testing.T) {
	idx := NewAliasIndex(nil)
	idx.Initialize(context.Background(), &fakeAdapter{err: ErrPersistence}, "%s", "sling:alias", "", 10)

	assert.False(t, idx.Enabled())
	_, ok := idx.Lookup("/content", "foo")
	assert.False(t, ok)
}

func TestAliasIndex_JCRContentAliasAttributedToParent(t *testing.T) {
	adapter := &fakeAdapter{rows: []*Resource{
		resWithAliases("/content/foo/jcr:content", []string{"foo-alias"}),
	}}
	idx := NewAliasIndex(nil)
	idx.Initialize(context.Background(), adapter, "%s", "sling:alias", "", 10)

	aliases, ok := idx.Lookup("/content", "foo")
	require.True(t, ok)
	assert.Equal(t, []string{"foo-alias"}, aliases)
}

func TestAliasIndex_ApplyChangeRemoveClearsEntry(t *testing.T) {
	idx := NewAliasIndex(nil)
	idx.Initialize(context.Background(), &fakeAdapter{rows: []*Resource{
		resWithAliases("/content/foo", []string{"foo-alias"}),
	}}, "%s", "sling:alias", "", 10)
	require.True(t, idx.Enabled())

	idx.ApplyChange(aliasChangeRemove, resWithAliases("/content/foo", nil), "sling:alias")

	_, ok := idx.Lookup("/content", "foo")
	assert.False(t, ok)
	_, ok = idx.ResolveAlias("/content", "foo-alias")
	assert.False(t, ok)
}

func TestAliasIndex_ApplyChangeUpdateReplacesAliasSet(t *testing.T) {
	idx := NewAliasIndex(nil)
	idx.Initialize(context.Background(), &fakeAdapter{rows: []*Resource{
		resWithAliases("/content/foo", []string{"old-alias"}),
	}}, "%s", "sling:alias", "", 10)

	idx.ApplyChange(aliasChangeUpdate, resWithAliases("/content/foo", []string{"new-alias"}), "sling:alias")

	_, ok := idx.ResolveAlias("/content", "old-alias")
	assert.False(t, ok)
	child, ok := idx.ResolveAlias("/content", "new-alias")
	require.True(t, ok)
	assert.Equal(t, "foo", child)
}
