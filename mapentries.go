// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// lifecycleState is MapEntries' coarse state machine (spec §3 Lifecycle:
// cold -> warming -> warm, and warm -> disposed).
type lifecycleState int32

const (
	stateCold lifecycleState = iota
	stateWarming
	stateWarm
	stateDisposed
)

// pendingChange buffers one change event observed while MapEntries is
// still warming (spec §3: "pending change queue buffering events during
// warm-up").
type pendingChange struct {
	kind     aliasChangeKind
	resource *Resource
}

// changeListener is notified once per batch of applied changes (spec §3:
// "one notification per batch").
type changeListener func()

// MapEntries is the coordinator that owns the ResolveMap, AliasIndex and
// VanityPathIndex, and serializes all (re)initialization under a single
// process-wide lock (spec §2 component 8, §3 Lifecycle). The lock plays
// the role the design notes describe as a reentrant lock guarding
// "initializing"; Go's sync.Mutex is not reentrant, so call sites are
// structured to never recurse into it from the same goroutine.
type MapEntries struct {
	cfg *config
	log *throttledLogger

	resolveMap *ResolveMap
	aliases    *AliasIndex
	vanity     *VanityPathIndex
	providers  *ProviderRegistry

	state atomic.Int32

	initializing sync.Mutex

	pendingMu sync.Mutex
	pending   []pendingChange

	listenersMu sync.Mutex
	listeners   []changeListener

	nextVanityReg atomic.Int64
}

// NewMapEntries wires together a fresh, cold coordinator.
func NewMapEntries(cfg *config, providers *ProviderRegistry) *MapEntries {
	log := newThrottledLogger(cfg.log, cfg.errorLogWindow)
	return &MapEntries{
		cfg:        cfg,
		log:        log,
		resolveMap: NewResolveMap(),
		aliases:    NewAliasIndex(log),
		vanity:     NewVanityPathIndex(cfg, log),
		providers:  providers,
	}
}

// State reports the current lifecycle state.
func (m *MapEntries) State() lifecycleState { return lifecycleState(m.state.Load()) }

// AddChangeListener registers a callback invoked once after each batch of
// applied changes (initial warm-up included).
func (m *MapEntries) AddChangeListener(l changeListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *MapEntries) notifyListeners() {
	m.listenersMu.Lock()
	ls := make([]changeListener, len(m.listeners))
	copy(ls, m.listeners)
	m.listenersMu.Unlock()
	for _, l := range ls {
		l()
	}
}

// Initialize runs the full warm-up sequence: rebuilds the static resolve map
// from staticEntries, and initializes the alias and vanity indexes, then
// drains anything queued while warming and flips to warm.
func (m *MapEntries) Initialize(ctx context.Context, adapter StorageAdapter, staticEntries []*ResolveEntry, aliasProperty, vanityProperty string) {
	m.initializing.Lock()
	defer m.initializing.Unlock()

	if m.state.Load() == int32(stateDisposed) {
		return
	}
	m.state.Store(int32(stateWarming))

	m.resolveMap.Rebuild(staticEntries)

	if m.cfg.optimizeAliasResolution {
		m.aliases.Initialize(ctx, adapter, "%s", aliasProperty, "", 1000)
	}

	m.vanity.Initialize(ctx, adapter, "%s", vanityProperty, func() int {
		return int(m.nextVanityReg.Add(1) - 1)
	})

	m.drainPending(aliasProperty, vanityProperty)

	m.state.Store(int32(stateWarm))
	m.notifyListeners()
}

// QueueOrApplyChange buffers a resource-change event during warm-up, or
// applies it immediately (and notifies listeners once) when already warm.
func (m *MapEntries) QueueOrApplyChange(kind aliasChangeKind, res *Resource, aliasProperty, vanityProperty string) {
	if m.State() == stateDisposed {
		return
	}
	if m.State() != stateWarm {
		m.pendingMu.Lock()
		m.pending = append(m.pending, pendingChange{kind: kind, resource: res})
		m.pendingMu.Unlock()
		return
	}

	m.applyChange(kind, res, aliasProperty, vanityProperty)
	m.notifyListeners()
}

func (m *MapEntries) applyChange(kind aliasChangeKind, res *Resource, aliasProperty, vanityProperty string) {
	if m.cfg.optimizeAliasResolution {
		m.aliases.ApplyChange(kind, res, aliasProperty)
	}
	m.vanity.QueueChange(kind, res, vanityProperty, func() int {
		return int(m.nextVanityReg.Add(1) - 1)
	})
}

func (m *MapEntries) drainPending(aliasProperty, vanityProperty string) {
	m.pendingMu.Lock()
	batch := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	for _, c := range batch {
		m.applyChange(c.kind, c.resource, aliasProperty, vanityProperty)
	}
}

// ResolveMap exposes the underlying static resolve map.
func (m *MapEntries) ResolveMap() *ResolveMap { return m.resolveMap }

// Aliases exposes the underlying alias index.
func (m *MapEntries) Aliases() *AliasIndex { return m.aliases }

// Vanity exposes the underlying vanity path index.
func (m *MapEntries) Vanity() *VanityPathIndex { return m.vanity }

// NewIterator builds a MapEntryIterator for key against the current
// resolve map and vanity index (spec §4.5).
func (m *MapEntries) NewIterator(key string) *MapEntryIterator {
	return NewMapEntryIterator(m.resolveMap.Entries(), key, m.vanity.Lookup, m.cfg.vanityPathPrecedence)
}

// disposeLockTimeout bounds how long Dispose waits to acquire the
// initializing lock before giving up (spec §5: "dispose with a 10-second
// lock-acquisition timeout").
const disposeLockTimeout = 10 * time.Second

// Dispose marks the coordinator disposed, refusing further
// initialization/changes. It waits up to disposeLockTimeout to acquire the
// initializing lock so it never runs concurrently with Initialize; if the
// lock cannot be acquired in time it forces disposal anyway and returns an
// error so the caller can log it.
func (m *MapEntries) Dispose() error {
	done := make(chan struct{})
	go func() {
		m.initializing.Lock()
		defer m.initializing.Unlock()
		m.state.Store(int32(stateDisposed))
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(disposeLockTimeout):
		// Force the visible state to disposed immediately; the goroutine
		// above will still acquire the lock eventually, redundantly (and
		// harmlessly) re-apply the same state, and release it.
		m.state.Store(int32(stateDisposed))
		return fmt.Errorf("%w: timed out waiting %s to acquire initialization lock during dispose", ErrDisposed, disposeLockTimeout)
	}
}
