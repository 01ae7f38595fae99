// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import (
	"context"
	"sync"
	"sync/atomic"
)

// aliasConflict records one discarded duplicate alias for diagnostics
// (spec §4.3: "up to 50 example entries recorded").
type aliasConflict struct {
	ParentPath string
	ChildName  string
	Alias      string
}

// aliasSnapshot is the immutable published view of the alias index: for
// each parent path, the child name to its ordered alias list (spec §3:
// "parent_path -> (child_name -> ordered list of aliases)").
type aliasSnapshot struct {
	byParent map[string]map[string][]string
	// byAlias supports O(1) reverse lookup: parent_path -> alias -> child_name.
	byAlias map[string]map[string]string
}

func emptyAliasSnapshot() *aliasSnapshot {
	return &aliasSnapshot{
		byParent: make(map[string]map[string][]string),
		byAlias:  make(map[string]map[string]string),
	}
}

// AliasIndex maintains the alias map used to shortcut path resolution
// (spec §4.3). Reads are lock-free against an atomically published
// snapshot; writes (initialize and incremental updates) are serialized
// under a single mutex so the invariants (I1 well-formedness, I2
// no-duplicate-under-parent, I3 insertion-order) hold across concurrent
// mutation.
type AliasIndex struct {
	snapshot atomic.Pointer[aliasSnapshot]
	mu       sync.Mutex

	enabled atomic.Bool

	log *throttledLogger

	invalidCount     atomic.Int64
	conflictingCount atomic.Int64

	mu2              sync.Mutex // guards the two example slices below
	invalidExamples  []string
	conflictExamples []aliasConflict
}

// NewAliasIndex returns a disabled, empty AliasIndex. Call Initialize to
// populate it and enable lookups.
func NewAliasIndex(log *throttledLogger) *AliasIndex {
	a := &AliasIndex{log: log}
	a.snapshot.Store(emptyAliasSnapshot())
	return a
}

// Enabled reports whether the index was populated successfully and is safe
// to consult as a resolution shortcut (spec §4.3: "optimize_alias_resolution").
func (a *AliasIndex) Enabled() bool { return a.enabled.Load() }

// aliasSourceRow is one row of the full-tree alias scan: a resource with a
// jcr:content-style alias property, or the resource itself if it carries
// its own alias property directly.
type aliasSourceRow struct {
	ParentPath string
	ChildName  string
	Aliases    []string
}

// Initialize performs a full paged scan via adapter and atomically replaces
// the published snapshot. On any scan error the index is left empty and
// disabled for the session, matching spec §4.3's fail-safe behavior; the
// error is logged through the throttled logger rather than propagated,
// since callers must keep serving requests without the optimization.
func (a *AliasIndex) Initialize(ctx context.Context, adapter StorageAdapter, queryTemplate, property, language string, pageSize int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := emptyAliasSnapshot()
	pqi := NewPagedQueryIterator(ctx, adapter, queryTemplate, property, language, pageSize)
	defer pqi.Close()

	for {
		res, err := pqi.Next()
		if err != nil {
			a.enabled.Store(false)
			a.snapshot.Store(emptyAliasSnapshot())
			if a.log != nil {
				a.log.Error("alias index initialization failed, disabling optimization for this session", "error", err)
			}
			return
		}
		if res == nil {
			break
		}
		row := aliasRowFromResource(res, property)
		if row.ChildName == "" {
			continue
		}
		a.applyRowLocked(next, row)
	}

	a.snapshot.Store(next)
	a.enabled.Store(true)
}

// aliasRowFromResource extracts the owning parent/child pair for an
// alias-bearing resource, following the jcr:content redirection rule (spec
// §3: "a jcr:content child's alias property is attributed to its parent").
func aliasRowFromResource(res *Resource, property string) aliasSourceRow {
	parentPath := res.ParentPath()
	childName := res.Name()
	if res.IsJCRContent() {
		// The alias lives on the jcr:content child but is attributed to its
		// parent (spec §3).
		owningPath := parentOfPath(res.Path())
		childName = nameOf(owningPath)
		parentPath = parentOfPath(owningPath)
	}
	aliases, _ := res.StringsProp(property)
	return aliasSourceRow{ParentPath: parentPath, ChildName: childName, Aliases: aliases}
}

func parentOfPath(path string) string {
	if path == "/" || path == "" {
		return "/"
	}
	idx := lastSlash(path)
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func nameOf(path string) string {
	idx := lastSlash(path)
	return path[idx+1:]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// applyRowLocked merges one alias row into snap, applying I1 (well-formed)
// and I2 (no duplicate alias under one parent) filters, and counting
// rejected entries. Must be called with a.mu held.
func (a *AliasIndex) applyRowLocked(snap *aliasSnapshot, row aliasSourceRow) {
	children, ok := snap.byParent[row.ParentPath]
	if !ok {
		children = make(map[string][]string)
		snap.byParent[row.ParentPath] = children
	}
	aliasesForParent, ok := snap.byAlias[row.ParentPath]
	if !ok {
		aliasesForParent = make(map[string]string)
		snap.byAlias[row.ParentPath] = aliasesForParent
	}

	kept := make([]string, 0, len(row.Aliases))
	for _, alias := range row.Aliases {
		if !isWellFormedAlias(alias) {
			a.recordInvalid(row.ParentPath + "/" + row.ChildName + " -> " + alias)
			continue
		}
		if owner, exists := aliasesForParent[alias]; exists && owner != row.ChildName {
			a.recordConflict(aliasConflict{ParentPath: row.ParentPath, ChildName: row.ChildName, Alias: alias})
			continue
		}
		if _, exists := aliasesForParent[alias]; exists {
			// Same child re-declaring the same alias: idempotent, not a conflict.
			continue
		}
		aliasesForParent[alias] = row.ChildName
		kept = append(kept, alias)
	}
	if len(kept) > 0 {
		children[row.ChildName] = append(children[row.ChildName], kept...)
	}
}

// isWellFormedAlias enforces I1: aliases must not be empty, ".", "..", "/",
// "#", or "?", and must not contain a "/".
func isWellFormedAlias(alias string) bool {
	switch alias {
	case "", ".", "..", "/", "#", "?":
		return false
	}
	for i := 0; i < len(alias); i++ {
		if alias[i] == '/' {
			return false
		}
	}
	return true
}

func (a *AliasIndex) recordInvalid(example string) {
	a.invalidCount.Add(1)
	a.mu2.Lock()
	defer a.mu2.Unlock()
	if len(a.invalidExamples) < 50 {
		a.invalidExamples = append(a.invalidExamples, example)
	}
}

func (a *AliasIndex) recordConflict(c aliasConflict) {
	a.conflictingCount.Add(1)
	a.mu2.Lock()
	defer a.mu2.Unlock()
	if len(a.conflictExamples) < 50 {
		a.conflictExamples = append(a.conflictExamples, c)
	}
}

// InvalidCount returns the running total of discarded invalid aliases.
func (a *AliasIndex) InvalidCount() int64 { return a.invalidCount.Load() }

// ConflictingCount returns the running total of discarded duplicate aliases.
func (a *AliasIndex) ConflictingCount() int64 { return a.conflictingCount.Load() }

// Lookup returns the aliases registered for childName under parentPath, in
// insertion order, or (nil, false) if none (or the index is disabled).
func (a *AliasIndex) Lookup(parentPath, childName string) ([]string, bool) {
	if !a.enabled.Load() {
		return nil, false
	}
	snap := a.snapshot.Load()
	children, ok := snap.byParent[parentPath]
	if !ok {
		return nil, false
	}
	aliases, ok := children[childName]
	return aliases, ok
}

// ResolveAlias returns the child name registered for a single alias under
// parentPath, or ("", false) if none.
func (a *AliasIndex) ResolveAlias(parentPath, alias string) (string, bool) {
	if !a.enabled.Load() {
		return "", false
	}
	snap := a.snapshot.Load()
	aliases, ok := snap.byAlias[parentPath]
	if !ok {
		return "", false
	}
	child, ok := aliases[alias]
	return child, ok
}

// aliasChangeKind distinguishes the three incremental update shapes the
// resource-change observer can deliver (spec §4.3: "Add/Update/Remove").
type aliasChangeKind int

const (
	aliasChangeAdd aliasChangeKind = iota
	aliasChangeUpdate
	aliasChangeRemove
)

// ApplyChange incrementally updates the index for a single changed
// resource, under the same lock that guards Initialize so a concurrent
// full scan and an incremental update never interleave.
//
// Resolving the spec's Open Question on "is this an intermediate alias
// change" (§9): a changed resource is treated as alias-relevant only when
// it is a direct child of its parent (ordinary case) or is itself named
// "jcr:content" (the content-node convention) — any other descendant
// change is ignored, since only those two shapes can carry the alias
// property that this index consults. This mirrors aliasRowFromResource's
// jcr:content redirection above and keeps the two code paths consistent
// rather than diverging, which is the simpler of the two behaviors the
// original codebase split across call sites.
func (a *AliasIndex) ApplyChange(kind aliasChangeKind, res *Resource, property string) {
	if !a.enabled.Load() {
		return
	}
	if !res.IsJCRContent() && res.Name() == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.snapshot.Load()
	next := cloneAliasSnapshot(cur)

	row := aliasRowFromResource(res, property)

	children := next.byParent[row.ParentPath]
	if children != nil {
		if old := children[row.ChildName]; len(old) > 0 {
			aliasesForParent := next.byAlias[row.ParentPath]
			for _, alias := range old {
				if aliasesForParent[alias] == row.ChildName {
					delete(aliasesForParent, alias)
				}
			}
			delete(children, row.ChildName)
		}
	}

	if kind != aliasChangeRemove {
		a.applyRowLocked(next, row)
	}

	a.snapshot.Store(next)
}

func cloneAliasSnapshot(s *aliasSnapshot) *aliasSnapshot {
	next := emptyAliasSnapshot()
	for parent, children := range s.byParent {
		nc := make(map[string][]string, len(children))
		for child, aliases := range children {
			cp := make([]string, len(aliases))
			copy(cp, aliases)
			nc[child] = cp
		}
		next.byParent[parent] = nc
	}
	for parent, aliases := range s.byAlias {
		na := make(map[string]string, len(aliases))
		for alias, child := range aliases {
			na[alias] = child
		}
		next.byAlias[parent] = na
	}
	return next
}
