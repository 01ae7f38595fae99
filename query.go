// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import (
	"context"
	"fmt"
)

// StorageAdapter is the narrow, external-collaborator contract used for
// full-tree scans (spec §6: "Storage-adapter contract").
type StorageAdapter interface {
	FindResources(ctx context.Context, query, language string) (ResourceIterator, error)
	GetResource(ctx context.Context, path string) (*Resource, error)
	Refresh(ctx context.Context) error
	Close()
}

// PagedQueryIterator wraps a store FindResources call with keyset
// pagination on a multivalued property's first value (spec §2 component 4,
// §4.7). It enforces the monotonic-order invariant on every row and treats
// any violation as a hard InternalInvariantViolation, since an out-of-order
// row means the backing query is not actually sorted the way pagination
// assumes.
type PagedQueryIterator struct {
	adapter       StorageAdapter
	queryTemplate string // contains exactly one %s, substituted with the cursor
	property      string // multivalued property whose first value is the sort key
	language      string
	pageSize      int

	ctx context.Context

	cursor        string
	haveLastSeen  bool
	lastSeenKey   string
	current       ResourceIterator
	pageRowCount  int
	pageDone      bool
	exhausted     bool

	largestKeyCount int
	runKey          string
	runCount        int

	onLargeRun func(count, threshold int) // optional hook, called when largestKeyCount exceeds 10*N
}

// NewPagedQueryIterator constructs an iterator. queryTemplate must contain a
// single "%s" placeholder for the cursor value (the empty string on the
// first page). property names the multivalued property whose first element
// is the sort key.
func NewPagedQueryIterator(ctx context.Context, adapter StorageAdapter, queryTemplate, property, language string, pageSize int) *PagedQueryIterator {
	if pageSize < 1 {
		pageSize = 1
	}
	return &PagedQueryIterator{
		adapter:       adapter,
		queryTemplate: queryTemplate,
		property:      property,
		language:      language,
		pageSize:      pageSize,
		ctx:           ctx,
	}
}

// LargestKeyCount returns the maximum number of rows observed sharing a
// single sort-key value so far (spec §4.7).
func (p *PagedQueryIterator) LargestKeyCount() int { return p.largestKeyCount }

// Next returns the next resource in sorted order, or (nil, nil) once the
// scan is complete. A non-nil error is either a query-capability error from
// the adapter (caller should downgrade to an unpaged scan) or an
// *InvariantError if the backing query turned out not to be sorted.
func (p *PagedQueryIterator) Next() (*Resource, error) {
	for {
		if p.exhausted {
			return nil, nil
		}

		if p.current == nil {
			query := fmt.Sprintf(p.queryTemplate, p.cursor)
			it, err := p.adapter.FindResources(p.ctx, query, p.language)
			if err != nil {
				return nil, err
			}
			p.current = it
			p.pageRowCount = 0
			p.pageDone = false
		}

		if p.pageDone {
			p.current.Close()
			p.current = nil
			continue
		}

		res, err := p.current.Next()
		if err != nil {
			p.current.Close()
			p.current = nil
			return nil, err
		}
		if res == nil {
			// Underlying stream ended before we hit a page boundary: this
			// was the final page.
			p.current.Close()
			p.current = nil
			p.exhausted = true
			return nil, nil
		}

		key, _ := firstStringValue(res, p.property)

		if p.haveLastSeen && key < p.lastSeenKey {
			err := &InvariantError{Query: query(p.queryTemplate, p.cursor), LastKey: p.lastSeenKey, OffendingKey: key}
			p.current.Close()
			p.current = nil
			return nil, err
		}

		// Page boundary: once the page holds at least pageSize rows, it
		// closes at the first row whose key differs from the last one
		// emitted (never splitting a value-group across pages, spec §4.7).
		// That row is not emitted from this page; the next page starts
		// after the last emitted key and returns it again.
		if p.pageRowCount >= p.pageSize && key != p.lastSeenKey {
			p.cursor = p.lastSeenKey
			p.pageDone = true
			continue
		}
		p.haveLastSeen = true
		p.lastSeenKey = key

		if key == p.runKey {
			p.runCount++
		} else {
			p.runKey = key
			p.runCount = 1
		}
		if p.runCount > p.largestKeyCount {
			p.largestKeyCount = p.runCount
			if p.onLargeRun != nil && p.largestKeyCount > 10*p.pageSize {
				p.onLargeRun(p.largestKeyCount, 10*p.pageSize)
			}
		}

		p.pageRowCount++

		return res, nil
	}
}

// Close releases any open underlying page iterator.
func (p *PagedQueryIterator) Close() {
	if p.current != nil {
		p.current.Close()
		p.current = nil
	}
}

func query(template, cursor string) string {
	return fmt.Sprintf(template, cursor)
}

func firstStringValue(r *Resource, property string) (string, bool) {
	vals, ok := r.StringsProp(property)
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}
