// Package capability describes the browser/device targets a run fans out to.
package capability

import (
	"fmt"
	"maps"
	"strings"
)

// Descriptor is one target environment: free-form attributes plus the
// position it had in the input list and a human-readable name.
type Descriptor struct {
	Attrs map[string]any
	Index int
	Name  string
}

// New builds descriptors from raw attribute maps, in order. Each map is
// copied, passed through normalize when it is non-nil, and then named.
func New(raw []map[string]any, normalize func(map[string]any) map[string]any) []Descriptor {
	out := make([]Descriptor, 0, len(raw))
	for i, attrs := range raw {
		attrs = maps.Clone(attrs)
		if attrs == nil {
			attrs = map[string]any{}
		}
		if normalize != nil {
			attrs = normalize(attrs)
		}
		out = append(out, Descriptor{
			Attrs: attrs,
			Index: i,
			Name:  DeriveName(attrs),
		})
	}
	return out
}

// DeriveName joins browser name, version and platform, skipping empty parts.
// platformVersion and platformName win over version and platform.
func DeriveName(attrs map[string]any) string {
	parts := []string{
		String(attrs, "browserName"),
		firstNonEmpty(String(attrs, "platformVersion"), String(attrs, "version")),
		firstNonEmpty(String(attrs, "platformName"), String(attrs, "platform")),
	}
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// Get returns the attribute as a string, or "" when it is missing or nil.
func (d Descriptor) Get(key string) string {
	return String(d.Attrs, key)
}

// String formats attrs[key] as a string. YAML and JSON decode versions like
// 50 as numbers, so anything non-nil is formatted with fmt.
func String(attrs map[string]any, key string) string {
	v, ok := attrs[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
