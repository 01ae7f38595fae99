// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import (
	"sort"
	"strings"
)

// MappingRequest carries the optional scheme/host/port context a caller
// supplies so outbound resolve-map entries can be preferred when they
// match it (spec §4.6).
type MappingRequest struct {
	Scheme string
	Host   string
	Port   int
}

// ResourceMapper composes externally-usable paths ("get_all_mappings") for
// a resource, the reverse of MapEntries' inbound resolution (spec §2
// component 9, §4.6).
type ResourceMapper struct {
	entries *MapEntries
	cfg     *config
}

// NewResourceMapper returns a mapper bound to entries/cfg.
func NewResourceMapper(entries *MapEntries, cfg *config) *ResourceMapper {
	return &ResourceMapper{entries: entries, cfg: cfg}
}

// splitPathSuffix separates full into (core, suffix, query, fragment) per
// spec §4.6 step 1: the fragment from the first "#", then the query from the
// first "?". No suffix is split off; suffix is always empty.
func splitPathSuffix(full string) (core, suffix, query, fragment string) {
	if idx := strings.IndexByte(full, '#'); idx >= 0 {
		fragment = full[idx:]
		full = full[:idx]
	}
	if idx := strings.IndexByte(full, '?'); idx >= 0 {
		query = full[idx:]
		full = full[:idx]
	}
	return full, "", query, fragment
}

// GetAllMappings computes every externally valid path for resourcePath,
// applying the 10-step algorithm from spec §4.6: split the trailing
// fragment/query, apply outbound resolve-map entries (scheme/host
// preferred first), expand ancestor alias candidates via PathGenerator,
// subtract the canonical path from that expansion (step 5), re-prepend the
// canonical path and then any vanity entries that target it (step 7, so
// that after the final reversal they land last), and reverse the whole
// list (step 10) so the most-specific aliased/vanity candidates come first
// and the canonical path comes last.
func (m *ResourceMapper) GetAllMappings(req MappingRequest, resourcePath string) []string {
	core, _, query, fragment := splitPathSuffix(resourcePath)

	var candidates []string
	candidates = append(candidates, m.resolveMapMappings(req, core)...)

	for _, aliased := range m.aliasCandidates(core) {
		if aliased == core {
			continue // step 5: subtract the canonical path, re-injected below
		}
		candidates = append(candidates, aliased)
	}

	candidates = append([]string{core}, candidates...)         // step 7: prepend canonical
	candidates = append(m.vanityMappings(core), candidates...) // step 7: vanity entries targeting it end up last after the reverse below

	if m.cfg.mangleNamespacePrefixes {
		for i, c := range candidates {
			candidates[i] = mangleNamespacePrefixes(c)
		}
	}

	reverseStrings(candidates) // step 10: aliased/vanity variants first, canonical last

	return dedupePreserveOrder(appendSuffix(candidates, query, fragment))
}

// GetMapping returns the single best (first) mapping for resourcePath —
// after GetAllMappings' final reversal this is the most-specific aliased
// candidate when one exists, falling back to the canonical path otherwise
// — the common case callers want when composing one href.
func (m *ResourceMapper) GetMapping(req MappingRequest, resourcePath string) string {
	all := m.GetAllMappings(req, resourcePath)
	if len(all) == 0 {
		return resourcePath
	}
	return all[0]
}

// resolveMapMappings applies any ResolveEntry in the map whose Redirects
// target resourcePath, preferring entries whose pattern encodes a
// scheme/host matching req (spec §4.6 step 2).
func (m *ResourceMapper) resolveMapMappings(req MappingRequest, resourcePath string) []string {
	var preferred, other []string
	for _, e := range m.entries.ResolveMap().Entries() {
		for _, target := range e.Redirects {
			if target != resourcePath {
				continue
			}
			if matchesRequestContext(e.PatternSrc, req) {
				preferred = append(preferred, e.PatternSrc)
			} else {
				other = append(other, e.PatternSrc)
			}
		}
	}
	return append(preferred, other...)
}

func matchesRequestContext(pattern string, req MappingRequest) bool {
	if req.Host == "" {
		return false
	}
	return strings.Contains(pattern, req.Host)
}

// aliasCandidates expands every ancestor segment that has a registered
// alias into the cartesian product of alternate paths, via PathGenerator
// (spec §4.6 step 4).
func (m *ResourceMapper) aliasCandidates(resourcePath string) []string {
	if !m.entries.Aliases().Enabled() {
		return nil
	}
	gen := NewPathGenerator(resourcePath, m.entries.Aliases())
	var out []string
	for gen.HasNext() {
		out = append(out, gen.Next())
	}
	return out
}

// vanityMappings returns any vanity key registered against resourcePath.
// The caller prepends these ahead of the canonical path so that, after
// GetAllMappings' final reversal, they land last (spec §4.6 step 7).
func (m *ResourceMapper) vanityMappings(resourcePath string) []string {
	v := m.entries.Vanity()
	var out []string
	v.mu.Lock()
	for key, entries := range v.byKey {
		for _, e := range entries {
			if e.vanitySource == resourcePath {
				out = append(out, key)
			}
		}
	}
	v.mu.Unlock()
	sort.Strings(out)
	return out
}

func appendSuffix(paths []string, query, fragment string) []string {
	if query == "" && fragment == "" {
		return paths
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p + query + fragment
	}
	return out
}

// reverseStrings reverses s in place (spec §4.6 step 10).
func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func dedupePreserveOrder(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// mangleNamespacePrefixes rewrites "ns:name" path segments to "ns_name",
// the convention used when exposing JCR-namespaced segments over plain
// HTTP paths (spec §6: "mangle_namespace_prefixes").
func mangleNamespacePrefixes(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if idx := strings.IndexByte(seg, ':'); idx > 0 {
			segments[i] = seg[:idx] + "_" + seg[idx+1:]
		}
	}
	return strings.Join(segments, "/")
}

// PathGenerator enumerates the cartesian product of alias substitutions
// across every ancestor segment of a path that has a registered alias,
// yielding the canonical path itself as one of the candidates (spec §4.6:
// "ancestor alias-candidate cartesian product").
type PathGenerator struct {
	segments [][]string // per-segment candidate names (original + aliases), in priority order
	total    int
	idx      int
}

// NewPathGenerator builds a generator over path's segments, consulting
// aliases for the real child name registered under each ancestor.
func NewPathGenerator(path string, aliases *AliasIndex) *PathGenerator {
	parts := splitPath(path)
	segs := make([][]string, len(parts))
	parent := "/"
	for i, name := range parts {
		options := []string{name}
		if aliasList, ok := aliases.Lookup(parent, name); ok {
			options = append(options, aliasList...)
		}
		segs[i] = options
		if parent == "/" {
			parent = "/" + name
		} else {
			parent = parent + "/" + name
		}
	}
	total := 1
	for _, s := range segs {
		total *= len(s)
	}
	return &PathGenerator{segments: segs, total: total}
}

// HasNext reports whether another combination is available.
func (g *PathGenerator) HasNext() bool { return g.idx < g.total }

// Next returns the next candidate path. Index 0 always yields the
// original, unaliased path.
func (g *PathGenerator) Next() string {
	if g.idx >= g.total {
		return ""
	}
	n := g.idx
	g.idx++

	var b strings.Builder
	rem := n
	for _, s := range g.segments {
		choice := 0
		if len(s) > 1 {
			choice = rem % len(s)
			rem /= len(s)
		}
		b.WriteByte('/')
		b.WriteString(s[choice])
	}
	out := b.String()
	if out == "" {
		return "/"
	}
	return out
}
