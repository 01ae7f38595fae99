// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ResolveEntry is one rewrite rule in the static resolve map, or one entry
// synthesized for a vanity path (spec §3). Pattern/PatternSrc are kept
// separate because ordering compares the *source text* length, not the
// compiled automaton.
type ResolveEntry struct {
	Pattern       *regexp.Regexp
	PatternSrc    string
	Redirects     []string
	Status        int // -1 == internal
	Order         int64
	TrailingSlash bool

	// regIdx breaks ties after pattern-length and Order, by insertion order
	// (spec §3: "then by insertion index").
	regIdx int

	// vanitySource is the originating resource path for entries synthesized
	// by VanityPathIndex.registerResource, used to evict both entries for a
	// target on change without relying on Redirects matching exactly (it
	// may carry an appended ".html"). Empty for ordinary resolve-map entries.
	vanitySource string
}

// NewResolveEntry compiles pattern and returns a ResolveEntry. regIdx should
// be a monotonically increasing registration counter supplied by the caller
// assembling a ResolveMap.
func NewResolveEntry(pattern string, redirects []string, status int, order int64, trailingSlash bool, regIdx int) (*ResolveEntry, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &ResolveEntry{
		Pattern:       re,
		PatternSrc:    pattern,
		Redirects:     redirects,
		Status:        status,
		Order:         order,
		TrailingSlash: trailingSlash,
		regIdx:        regIdx,
	}, nil
}

// IsInternal reports whether this entry rewrites internally rather than
// issuing an HTTP redirect (spec §3: "status: i32 (-1 = internal)").
func (e *ResolveEntry) IsInternal() bool { return e.Status == -1 }

// lessResolveEntry implements the total order from spec §3/§4.5: pattern
// length descending, then Order ascending, then insertion index ascending.
func lessResolveEntry(a, b *ResolveEntry) bool {
	if len(a.PatternSrc) != len(b.PatternSrc) {
		return len(a.PatternSrc) > len(b.PatternSrc)
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.regIdx < b.regIdx
}

// ResolveMap is the global ordered list of ResolveEntry loaded from the
// administrator configuration tree plus virtual-URL/inbound URL mappings
// (spec §2 component 7). It is rebuilt wholesale under a lock; readers
// capture a snapshot reference once per iteration (spec §5).
type ResolveMap struct {
	mu      sync.Mutex
	entries atomic.Pointer[[]*ResolveEntry]
	nextReg int
}

// NewResolveMap returns an empty ResolveMap.
func NewResolveMap() *ResolveMap {
	m := &ResolveMap{}
	empty := make([]*ResolveEntry, 0)
	m.entries.Store(&empty)
	return m
}

// NextRegistrationIndex returns a fresh, monotonically increasing
// registration index for building a new ResolveEntry. Must be called while
// holding no other lock from this type (it takes its own).
func (m *ResolveMap) NextRegistrationIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.nextReg
	m.nextReg++
	return idx
}

// Rebuild replaces the resolve map wholesale, sorted per spec's total order.
// The provided slice is copied and must not be mutated afterwards by the
// caller.
func (m *ResolveMap) Rebuild(entries []*ResolveEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := make([]*ResolveEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return lessResolveEntry(sorted[i], sorted[j]) })
	m.entries.Store(&sorted)
}

// Entries returns the current snapshot of sorted entries. Safe to call
// concurrently with Rebuild; the returned slice is never mutated in place.
func (m *ResolveMap) Entries() []*ResolveEntry {
	return *m.entries.Load()
}

// vanityLookupFunc resolves the ResolveEntry list registered for a single
// vanity key (spec §4.5: "vanity_entries(key)").
type vanityLookupFunc func(key string) []*ResolveEntry

// MapEntryIterator produces the merged (global, vanity) sequence for a
// single request key, using the explicit pull-based state machine the
// teacher's design notes call for (§9: "(next_global, next_special,
// current_key)", "seek() called from has_next only") rather than Go's
// range-over-func sugar, since callers need to peek one element ahead
// without consuming it.
type MapEntryIterator struct {
	uri               string
	globalPrecedence  bool
	vanityFirst       bool
	global            []*ResolveEntry
	globalIdx         int
	vanityLookup      vanityLookupFunc
	currentKey        string
	strippedSelectors bool
	vanityQueue       []*ResolveEntry
	vanityIdx         int
	vanityExhausted   bool
	keyLookedUp       bool

	peekedGlobal  *ResolveEntry
	haveGlobal    bool
	peekedSpecial *ResolveEntry
	haveSpecial   bool
}

// NewMapEntryIterator builds an iterator over global (already
// longest-pattern-first sorted) entries merged with vanity entries for key,
// tie-broken per vanityPathPrecedence (spec §4.5).
func NewMapEntryIterator(global []*ResolveEntry, key string, vanityLookup vanityLookupFunc, vanityPathPrecedence bool) *MapEntryIterator {
	return &MapEntryIterator{
		uri:          key,
		vanityFirst:  vanityPathPrecedence,
		global:       global,
		vanityLookup: vanityLookup,
		currentKey:   key,
	}
}

// seekGlobal advances globalIdx to the next entry whose pattern matches the
// full key, without consuming it (idempotent until consumed by Next).
func (it *MapEntryIterator) seekGlobal() {
	if it.haveGlobal {
		return
	}
	for it.globalIdx < len(it.global) {
		e := it.global[it.globalIdx]
		it.globalIdx++
		if e.Pattern.MatchString(it.uri) {
			it.peekedGlobal = e
			it.haveGlobal = true
			return
		}
	}
	it.peekedGlobal = nil
	it.haveGlobal = false
}

// reduceKey implements spec §4.5's fallback walk: strip the trailing
// ".ext.ext…" selector chain once, then walk up one path segment at a time,
// stopping at "/".
func reduceKey(key string, strippedSelectors bool) (next string, stillStripping bool, exhausted bool) {
	if !strippedSelectors {
		lastSlash := strings.LastIndexByte(key, '/')
		rest := key
		if lastSlash >= 0 {
			rest = key[lastSlash+1:]
		}
		if dot := strings.IndexByte(rest, '.'); dot >= 0 {
			base := key[:len(key)-len(rest)] + rest[:dot]
			return base, true, false
		}
		// no selector chain to strip; fall through to walking up
	}

	if key == "/" || key == "" {
		return "", true, true
	}
	trimmed := strings.TrimSuffix(key, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx <= 0 {
		return "/", true, false
	}
	return trimmed[:idx], true, false
}

// seekSpecial refills the vanity queue, starting with the request key itself
// and then walking up the key as needed, and peeks the next vanity entry
// without consuming it.
func (it *MapEntryIterator) seekSpecial() {
	if it.haveSpecial {
		return
	}
	for {
		if it.vanityIdx < len(it.vanityQueue) {
			it.peekedSpecial = it.vanityQueue[it.vanityIdx]
			it.vanityIdx++
			it.haveSpecial = true
			return
		}
		if it.vanityExhausted || it.vanityLookup == nil {
			it.peekedSpecial = nil
			it.haveSpecial = false
			return
		}
		if !it.keyLookedUp {
			it.keyLookedUp = true
			it.vanityQueue = it.vanityLookup(it.currentKey)
			it.vanityIdx = 0
			continue
		}
		next, stripped, exhausted := reduceKey(it.currentKey, it.strippedSelectors)
		it.strippedSelectors = stripped
		if exhausted {
			it.vanityExhausted = true
			it.peekedSpecial = nil
			it.haveSpecial = false
			return
		}
		it.currentKey = next
		it.vanityQueue = it.vanityLookup(next)
		it.vanityIdx = 0
	}
}

// HasNext reports whether a further merged entry is available.
func (it *MapEntryIterator) HasNext() bool {
	it.seekGlobal()
	it.seekSpecial()
	return it.haveGlobal || it.haveSpecial
}

// Next returns the next entry in merge order, or nil if exhausted.
func (it *MapEntryIterator) Next() *ResolveEntry {
	it.seekGlobal()
	it.seekSpecial()

	if !it.haveGlobal && !it.haveSpecial {
		return nil
	}
	if it.haveGlobal && !it.haveSpecial {
		e := it.peekedGlobal
		it.haveGlobal = false
		return e
	}
	if !it.haveGlobal && it.haveSpecial {
		e := it.peekedSpecial
		it.haveSpecial = false
		return e
	}

	// Both available: choose per precedence rule.
	useSpecial := it.vanityFirst
	if !it.vanityFirst {
		// Longer pattern wins; ties go to global (spec §4.5).
		useSpecial = len(it.peekedSpecial.PatternSrc) > len(it.peekedGlobal.PatternSrc)
	}
	if useSpecial {
		e := it.peekedSpecial
		it.haveSpecial = false
		return e
	}
	e := it.peekedGlobal
	it.haveGlobal = false
	return e
}
