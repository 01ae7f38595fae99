package resourceresolver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memProvider is a minimal in-memory Provider used to exercise
// ResourceResolverControl's dispatch logic end-to-end.
type memProvider struct {
	mu    sync.Mutex
	root  string
	items map[string]*Resource
	info  ProviderInfo

	hasChanges bool
	committed  bool
	reverted   bool
}

func newMemProvider(root string, ranking int, flags ProviderFlags) *memProvider {
	return &memProvider{
		root:  root,
		items: make(map[string]*Resource),
		info:  ProviderInfo{RootPath: root, Mode: ModeOverlay, Ranking: ranking, Flags: flags},
	}
}

func (p *memProvider) Info() ProviderInfo { return p.info }
func (p *memProvider) Authenticate(ctx context.Context, authInfo map[string]any) (any, error) {
	return "session", nil
}
func (p *memProvider) Logout(state any) {}
func (p *memProvider) Get(ctx context.Context, path string, parent *Resource, params map[string]string) (*Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items[path], nil
}
func (p *memProvider) ListChildren(ctx context.Context, res *Resource) (ResourceIterator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Resource
	prefix := res.Path()
	if prefix != "/" {
		prefix += "/"
	}
	for path, r := range p.items {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix && lastSlash(path) == len(prefix)-1 {
			out = append(out, r)
		}
	}
	return NewSliceIterator(out), nil
}
func (p *memProvider) GetParent(ctx context.Context, res *Resource) (*Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items[res.ParentPath()], nil
}

func (p *memProvider) Create(ctx context.Context, path string, props map[string]any) (*Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := NewResource(path, props, 0)
	p.items[path] = r
	return r, nil
}
func (p *memProvider) Delete(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, path)
	return nil
}
func (p *memProvider) OrderBefore(ctx context.Context, parent, name, sibling string) error { return nil }

func (p *memProvider) Commit(ctx context.Context) error    { p.committed = true; return nil }
func (p *memProvider) Revert(ctx context.Context) error    { p.reverted = true; return nil }
func (p *memProvider) HasChanges(ctx context.Context) bool { return p.hasChanges }

func setupControl(t *testing.T, providers ...*memProvider) (*ResourceResolverControl, *ProviderRegistry) {
	t.Helper()
	reg := NewProviderRegistry()
	for _, p := range providers {
		_, err := reg.Register(p.info, p)
		require.NoError(t, err)
	}
	cfg := newConfig(WithVanityPathCacheInitInBackground(false))
	entries := NewMapEntries(cfg, reg)
	entries.Initialize(context.Background(), &fakeAdapter{}, nil, "sling:alias", "sling:vanityPath")

	ctrl, err := NewResourceResolverControl(context.Background(), entries, reg, nil, nil, nil)
	require.NoError(t, err)
	return ctrl, reg
}

func TestResourceResolverControl_GetReturnsProviderResource(t *testing.T) {
	p := newMemProvider("/content", 0, ProviderFlags{})
	p.items["/content/foo"] = NewResource("/content/foo", map[string]any{"title": "Foo"}, 1)
	ctrl, _ := setupControl(t, p)

	res, err := ctrl.Get(context.Background(), "/content/foo")
	require.NoError(t, err)
	title, _ := res.StringProp("title")
	assert.Equal(t, "Foo", title)
}

func TestResourceResolverControl_GetSyntheticForIntermediateMount(t *testing.T) {
	top := newMemProvider("/content", 0, ProviderFlags{})
	nested := newMemProvider("/content/sub/deep", 0, ProviderFlags{})
	ctrl, _ := setupControl(t, top, nested)

	res, err := ctrl.Get(context.Background(), "/content/sub")
	require.NoError(t, err)
	assert.True(t, res.IsSynthetic())
}

func TestResourceResolverControl_ListChildrenHandleProducedBeforeRealBeforeSynthetic(t *testing.T) {
	top := newMemProvider("/content", 0, ProviderFlags{})
	top.items["/content/real"] = NewResource("/content/real", nil, 1)
	nested := newMemProvider("/content/mount", 0, ProviderFlags{})
	nested.items["/content/mount"] = NewResource("/content/mount", nil, 2)
	nested.items["/content/mount/jcr:content"] = NewResource("/content/mount/jcr:content", nil, 2)
	ctrl, _ := setupControl(t, top, nested)

	it, err := ctrl.ListChildren(context.Background(), NewResource("/content", nil, 0))
	require.NoError(t, err)

	var names []string
	for {
		r, err := it.Next()
		require.NoError(t, err)
		if r == nil {
			break
		}
		names = append(names, r.Name())
	}

	require.Len(t, names, 2)
	assert.Equal(t, "mount", names[0], "handle-produced children (mount points) are emitted first")
	assert.Equal(t, "real", names[1], "real provider-listed children follow")
}

func TestResourceResolverControl_CreateRequiresModifiableFlag(t *testing.T) {
	p := newMemProvider("/content", 0, ProviderFlags{Modifiable: true})
	ctrl, _ := setupControl(t, p)

	res, err := ctrl.Create(context.Background(), "/content", "foo", map[string]any{"title": "Foo"})
	require.NoError(t, err)
	assert.Equal(t, "/content/foo", res.Path())
}

func TestResourceResolverControl_CreateRejectedWithoutCapability(t *testing.T) {
	p := newMemProvider("/content", 0, ProviderFlags{Modifiable: false})
	ctrl, _ := setupControl(t, p)

	_, err := ctrl.Create(context.Background(), "/content", "foo", nil)
	assert.Error(t, err)
}

func TestResourceResolverControl_CommitOnlyTouchesChangedProviders(t *testing.T) {
	p := newMemProvider("/content", 0, ProviderFlags{})
	p.hasChanges = true
	ctrl, _ := setupControl(t, p)

	require.NoError(t, ctrl.Commit(context.Background()))
	assert.True(t, p.committed)
}

func TestResourceResolverControl_CloseIsIdempotent(t *testing.T) {
	p := newMemProvider("/content", 0, ProviderFlags{})
	ctrl, _ := setupControl(t, p)

	ctrl.Close()
	assert.True(t, ctrl.IsClosed())
	ctrl.Close() // must not panic
}

func TestResourceResolverControl_OperationsFailAfterClose(t *testing.T) {
	p := newMemProvider("/content", 0, ProviderFlags{})
	ctrl, _ := setupControl(t, p)
	ctrl.Close()

	_, err := ctrl.Get(context.Background(), "/content/foo")
	assert.ErrorIs(t, err, ErrDisposed)
}
