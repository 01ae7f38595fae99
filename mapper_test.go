package resourceresolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMapEntries(t *testing.T, rows ...*Resource) *MapEntries {
	t.Helper()
	cfg := newConfig(WithVanityPathCacheInitInBackground(false))
	me := NewMapEntries(cfg, NewProviderRegistry())
	adapter := &fakeAdapter{rows: rows}
	me.Initialize(context.Background(), adapter, nil, "sling:alias", "sling:vanityPath")
	return me
}

func TestResourceMapper_CanonicalPathAlwaysIncluded(t *testing.T) {
	me := newTestMapEntries(t)
	cfg := newConfig()
	mapper := NewResourceMapper(me, cfg)

	all := mapper.GetAllMappings(MappingRequest{}, "/content/foo")
	assert.Contains(t, all, "/content/foo")
}

func TestResourceMapper_AliasCandidateIncluded(t *testing.T) {
	me := newTestMapEntries(t, resWithAliases("/content/foo", []string{"foo-alias"}))
	cfg := newConfig()
	mapper := NewResourceMapper(me, cfg)

	all := mapper.GetAllMappings(MappingRequest{}, "/content/foo")
	assert.Contains(t, all, "/content/foo-alias")
	assert.Contains(t, all, "/content/foo")
}

func TestResourceMapper_VanityPathTargetingCanonicalEndsUpLast(t *testing.T) {
	me := newTestMapEntries(t, vanityRes("/content/foo", "/foo-vanity"))
	cfg := newConfig()
	mapper := NewResourceMapper(me, cfg)

	all := mapper.GetAllMappings(MappingRequest{}, "/content/foo")
	require.NotEmpty(t, all)
	assert.Equal(t, "/content/foo", all[0])
	assert.Equal(t, "/foo-vanity", all[len(all)-1], "vanity entries targeting the canonical path end up last after the reversal")
}

func TestResourceMapper_MangleNamespacePrefixes(t *testing.T) {
	me := newTestMapEntries(t)
	cfg := newConfig(WithMangleNamespacePrefixes(true))
	mapper := NewResourceMapper(me, cfg)

	all := mapper.GetAllMappings(MappingRequest{}, "/content/jcr:content")
	assert.Contains(t, all, "/content/jcr_content")
}

func TestResourceMapper_GetMappingReturnsFirstCandidate(t *testing.T) {
	me := newTestMapEntries(t, vanityRes("/content/foo", "/foo-vanity"))
	cfg := newConfig()
	mapper := NewResourceMapper(me, cfg)

	got := mapper.GetMapping(MappingRequest{}, "/content/foo")
	assert.Equal(t, "/content/foo", got, "with no aliased ancestor the canonical path is the first (and only non-vanity) candidate")
}

func TestResourceMapper_AliasedVariantsFirstCanonicalLast(t *testing.T) {
	me := newTestMapEntries(t,
		resWithAliases("/c/a", []string{"aa"}),
		resWithAliases("/c/a/b", []string{"bb"}),
	)
	cfg := newConfig()
	mapper := NewResourceMapper(me, cfg)

	all := mapper.GetAllMappings(MappingRequest{}, "/c/a/b")
	assert.Equal(t, []string{"/c/aa/bb", "/c/a/bb", "/c/aa/b", "/c/a/b"}, all)
}

func TestPathGenerator_CartesianProductOfAliasedAncestors(t *testing.T) {
	idx := NewAliasIndex(nil)
	idx.Initialize(context.Background(), &fakeAdapter{rows: []*Resource{
		resWithAliases("/content/foo/bar", []string{"b"}),
		resWithAliases("/content/foo", []string{"f"}),
	}}, "%s", "sling:alias", "", 10)

	gen := NewPathGenerator("/content/foo/bar", idx)
	var got []string
	for gen.HasNext() {
		got = append(got, gen.Next())
	}

	assert.Contains(t, got, "/content/foo/bar")
	assert.Contains(t, got, "/content/f/bar")
	assert.Contains(t, got, "/content/foo/b")
	assert.Contains(t, got, "/content/f/b")
	assert.Len(t, got, 4)
}
