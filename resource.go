// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package resourceresolver

import "strings"

// Resource is a single node in the content tree, backed either by a real
// storage provider or synthesized by ResourceResolverControl for an
// interior mount-tree path with no provider of its own (spec glossary:
// "Synthetic resource").
type Resource struct {
	path       string
	values     map[string]any
	synthetic  bool
	providerID HandleID
}

// NewResource constructs a provider-backed resource.
func NewResource(path string, values map[string]any, providerID HandleID) *Resource {
	if values == nil {
		values = map[string]any{}
	}
	return &Resource{path: path, values: values, providerID: providerID}
}

// NewSyntheticResource constructs a resource with no backing storage, used
// only to keep the mount tree walkable (spec glossary).
func NewSyntheticResource(path string) *Resource {
	return &Resource{path: path, values: map[string]any{}, synthetic: true}
}

// Path returns the resource's absolute path.
func (r *Resource) Path() string { return r.path }

// Name returns the last path segment.
func (r *Resource) Name() string {
	if r.path == "/" {
		return ""
	}
	idx := strings.LastIndexByte(r.path, '/')
	return r.path[idx+1:]
}

// ParentPath returns the path of the parent, or "" if r is the root.
func (r *Resource) ParentPath() string {
	if r.path == "/" || r.path == "" {
		return ""
	}
	idx := strings.LastIndexByte(r.path, '/')
	if idx <= 0 {
		return "/"
	}
	return r.path[:idx]
}

// IsSynthetic reports whether this resource has no backing storage.
func (r *Resource) IsSynthetic() bool { return r.synthetic }

// ProviderID returns the handle id of the provider that produced this
// resource. Zero for synthetic resources.
func (r *Resource) ProviderID() HandleID { return r.providerID }

// ValueMap returns the resource's typed property map (spec §6 storage
// adapter contract: "Resource.value_map() -> mapping(name -> typed value)").
func (r *Resource) ValueMap() map[string]any { return r.values }

// StringProp returns a single string-valued property.
func (r *Resource) StringProp(name string) (string, bool) {
	v, ok := r.values[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StringsProp returns a multi-valued string property, preserving declared
// order (spec §3: "order significant").
func (r *Resource) StringsProp(name string) ([]string, bool) {
	v, ok := r.values[name]
	if !ok {
		return nil, false
	}
	switch vv := v.(type) {
	case []string:
		return vv, true
	case string:
		return []string{vv}, true
	default:
		return nil, false
	}
}

// BoolProp returns a boolean-valued property.
func (r *Resource) BoolProp(name string) (bool, bool) {
	v, ok := r.values[name]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// IntProp returns an integer-valued property.
func (r *Resource) IntProp(name string) (int, bool) {
	v, ok := r.values[name]
	if !ok {
		return 0, false
	}
	switch vv := v.(type) {
	case int:
		return vv, true
	case int32:
		return int(vv), true
	case int64:
		return int(vv), true
	default:
		return 0, false
	}
}

// IsJCRContent reports whether the resource's name is the reserved
// "jcr:content" terminal name (spec §3: its alias/vanity properties apply
// to its parent).
func (r *Resource) IsJCRContent() bool {
	return r.Name() == "jcr:content"
}
