// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ProviderMode is a provider's mount mode (spec glossary: OVERLAY / PASSTHROUGH).
type ProviderMode int

const (
	ModeOverlay ProviderMode = iota
	ModePassthrough
)

func (m ProviderMode) String() string {
	if m == ModePassthrough {
		return "PASSTHROUGH"
	}
	return "OVERLAY"
}

// ProviderFlags advertise the optional capabilities a mounted provider
// supports (spec §3 ProviderHandle). Capability dispatch itself is done by
// interface assertion on Provider (see capability interfaces below),
// following the teacher's design-notes guidance (§9): "a tagged capability
// record on each ProviderHandle checked before dispatch".
type ProviderFlags struct {
	Modifiable   bool
	Adaptable    bool
	Refreshable  bool
	Attributable bool
}

// ProviderInfo describes a mounted storage provider (spec §2 component 2).
type ProviderInfo struct {
	RootPath string
	Mode     ProviderMode
	AuthType string
	Flags    ProviderFlags
	Ranking  int
}

// HandleID is a stable, monotonically assigned identifier for a registered
// provider, used to key dense per-session state vectors instead of an
// identity-keyed map (spec §9 design notes: "a dense vector indexed by a
// stable HandleId assigned at registration").
type HandleID uint32

// ProviderHandle is the immutable descriptor the PathTree stores at a node
// and that ResourceResolverControl dispatches through (spec §3).
type ProviderHandle struct {
	ID       HandleID
	Root     string
	Mode     ProviderMode
	AuthType string
	Flags    ProviderFlags
	Ranking  int
	Backend  Provider

	// registrationOrder breaks ranking ties deterministically and stably
	// (spec §3: "ties broken by ranking then registration order (stable)").
	registrationOrder int
}

// Capability interfaces a Provider backend may optionally implement. Only
// handles whose Flags advertise the capability are expected to be asserted
// against, but assertion is always the authoritative check.
type (
	// Modifier supports structural mutation: create, delete, ordering.
	Modifier interface {
		Create(ctx context.Context, path string, props map[string]any) (*Resource, error)
		Delete(ctx context.Context, path string) error
		OrderBefore(ctx context.Context, parent, name, sibling string) error
	}

	// Transactional supports staged writes across multiple operations.
	Transactional interface {
		Commit(ctx context.Context) error
		Revert(ctx context.Context) error
		HasChanges(ctx context.Context) bool
	}

	// CopyMover supports native copy/move when both source and destination
	// are owned by the same provider (spec §4.2 copy/move contract).
	CopyMover interface {
		Copy(ctx context.Context, src, dst string) error
		Move(ctx context.Context, src, dst string) error
	}

	// Refresher supports discarding any cached/session state.
	Refresher interface {
		Refresh(ctx context.Context) error
	}

	// Adapter supports adapting a resource to another representation.
	Adapter interface {
		AdaptTo(ctx context.Context, res *Resource, target string) (any, error)
	}

	// Attributer supports session attribute lookup.
	Attributer interface {
		GetAttribute(ctx context.Context, name string) (any, bool)
		GetAttributeNames(ctx context.Context) []string
	}

	// Querier supports find_resources/query_resources (spec §6).
	Querier interface {
		GetSupportedLanguages(ctx context.Context) []string
		FindResources(ctx context.Context, query, language string) (ResourceIterator, error)
		QueryResources(ctx context.Context, query, language string) (ResourceIterator, error)
	}

	// ReleasableState is implemented by a provider's per-session
	// authentication state when it supports an explicit release contract
	// distinct from Logout (spec §4.2: "closed if it implements a release
	// contract").
	ReleasableState interface {
		Release()
	}
)

// Provider is the narrow, external-collaborator contract each mounted
// storage provider must satisfy (spec §6). Concrete adapters (JCR, blob
// store, in-memory, etc.) are out of scope for this module; it only depends
// on this interface.
type Provider interface {
	Info() ProviderInfo
	Authenticate(ctx context.Context, authInfo map[string]any) (any, error)
	Logout(state any)
	Get(ctx context.Context, path string, parent *Resource, params map[string]string) (*Resource, error)
	ListChildren(ctx context.Context, res *Resource) (ResourceIterator, error)
	GetParent(ctx context.Context, res *Resource) (*Resource, error)
}

// ResourceIterator is a lazy sequence of resources, matching the storage
// adapter contract in spec §6 ("find_resources(...) -> lazy sequence").
type ResourceIterator interface {
	Next() (*Resource, error) // returns (nil, nil) at end of sequence
	Close()
}

// sliceIterator adapts a pre-materialized slice to ResourceIterator, useful
// for adapters and tests.
type sliceIterator struct {
	items []*Resource
	pos   int
}

// NewSliceIterator returns a ResourceIterator over a fixed slice of resources.
func NewSliceIterator(items []*Resource) ResourceIterator {
	return &sliceIterator{items: items}
}

func (s *sliceIterator) Next() (*Resource, error) {
	if s.pos >= len(s.items) {
		return nil, nil
	}
	r := s.items[s.pos]
	s.pos++
	return r, nil
}

func (s *sliceIterator) Close() {}

// ProviderStorage is the immutable snapshot ProviderRegistry publishes on
// every registration change: a fresh PathTree plus the full set of handles
// for union-style (fan-out) operations (spec §2 component 2).
type ProviderStorage struct {
	Tree    *PathTree
	Handles []*ProviderHandle
	byID    map[HandleID]*ProviderHandle
}

// HandleByID looks up a handle by its stable id.
func (s *ProviderStorage) HandleByID(id HandleID) (*ProviderHandle, bool) {
	h, ok := s.byID[id]
	return h, ok
}

type registeredProvider struct {
	info              ProviderInfo
	backend           Provider
	id                HandleID
	registrationOrder int
}

// ProviderRegistry owns the set of registered storage providers and
// publishes immutable ProviderStorage snapshots (spec §2 component 2).
// Registration/unregistration is guarded by a mutex; readers observe an
// atomic pointer to the current snapshot and never block (same discipline
// as PathTree's lock-free reads).
type ProviderRegistry struct {
	mu       sync.Mutex
	nextID   atomic.Uint32
	nextSeq  int
	byID     map[HandleID]*registeredProvider
	snapshot atomic.Pointer[ProviderStorage]
}

// NewProviderRegistry returns an empty registry with an empty published
// snapshot.
func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{byID: make(map[HandleID]*registeredProvider)}
	r.snapshot.Store(&ProviderStorage{Tree: NewPathTree(), byID: make(map[HandleID]*ProviderHandle)})
	return r
}

// Register mounts backend at info.RootPath and republishes the snapshot.
func (r *ProviderRegistry) Register(info ProviderInfo, backend Provider) (HandleID, error) {
	if info.RootPath == "" {
		return 0, fmt.Errorf("%w: provider root path must not be empty", ErrIllegalArgument)
	}
	if backend == nil {
		return 0, fmt.Errorf("%w: provider backend must not be nil", ErrIllegalArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := HandleID(r.nextID.Add(1))
	r.nextSeq++
	r.byID[id] = &registeredProvider{info: info, backend: backend, id: id, registrationOrder: r.nextSeq}
	r.rebuildLocked()
	return id, nil
}

// Unregister removes the provider registered under id and republishes the
// snapshot. Reports false if id was not registered.
func (r *ProviderRegistry) Unregister(id HandleID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	r.rebuildLocked()
	return true
}

// Snapshot returns the current immutable ProviderStorage. Safe for
// concurrent use with Register/Unregister.
func (r *ProviderRegistry) Snapshot() *ProviderStorage {
	return r.snapshot.Load()
}

// rebuildLocked must be called with r.mu held. It groups registered
// providers by root path, collapses each group to its single highest
// ranking (ties by registration order) handle, and inserts the winners into
// a fresh PathTree (spec §4.1: "multiple handles at the same root are
// chained at handle-registry level and collapsed to the highest-ranking
// one when the snapshot is built").
func (r *ProviderRegistry) rebuildLocked() {
	byRoot := make(map[string][]*registeredProvider)
	for _, p := range r.byID {
		byRoot[p.info.RootPath] = append(byRoot[p.info.RootPath], p)
	}

	tree := NewPathTree()
	handles := make([]*ProviderHandle, 0, len(r.byID))
	byID := make(map[HandleID]*ProviderHandle, len(r.byID))

	for root, group := range byRoot {
		sort.Slice(group, func(i, j int) bool {
			if group[i].info.Ranking != group[j].info.Ranking {
				return group[i].info.Ranking > group[j].info.Ranking
			}
			return group[i].registrationOrder < group[j].registrationOrder
		})
		winner := group[0]
		h := &ProviderHandle{
			ID:                winner.id,
			Root:              root,
			Mode:              winner.info.Mode,
			AuthType:          winner.info.AuthType,
			Flags:             winner.info.Flags,
			Ranking:           winner.info.Ranking,
			Backend:           winner.backend,
			registrationOrder: winner.registrationOrder,
		}
		tree.Insert(root, h)
		handles = append(handles, h)
		byID[h.ID] = h
	}

	sort.Slice(handles, func(i, j int) bool { return handles[i].registrationOrder < handles[j].registrationOrder })

	r.snapshot.Store(&ProviderStorage{Tree: tree, Handles: handles, byID: byID})
}
