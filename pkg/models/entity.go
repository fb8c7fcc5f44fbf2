package models

import (
	"sort"
	"strings"
	"time"
)

// InternalPropertyPrefix marks store-managed properties that never take part in matching.
const InternalPropertyPrefix = "_"

// PrimaryKeySeparator joins ordered primary key values into a single key string.
const PrimaryKeySeparator = "|"

// Entity is a typed node of the property graph. It is owned by the graph store and
// treated as a read-only snapshot by the discovery engine.
type Entity struct {
	Type                    string           `json:"entity_type"`
	PrimaryKeyProperties    []string         `json:"primary_key_properties"`
	AdditionalKeyProperties [][]string       `json:"additional_key_properties,omitempty"`
	Properties              map[string]Value `json:"all_properties"`
	UpdatedAt               time.Time        `json:"updated_at,omitempty"`
}

// EntityRef addresses an entity by type and rendered primary key.
type EntityRef struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// String renders the reference as type/key.
func (r EntityRef) String() string {
	return r.Type + "/" + r.Key
}

// PrimaryKey renders the ordered primary key values joined by PrimaryKeySeparator.
func (e *Entity) PrimaryKey() string {
	parts := make([]string, len(e.PrimaryKeyProperties))
	for i, name := range e.PrimaryKeyProperties {
		parts[i] = e.Properties[name].String()
	}
	return strings.Join(parts, PrimaryKeySeparator)
}

// Ref returns the entity's address.
func (e *Entity) Ref() EntityRef {
	return EntityRef{Type: e.Type, Key: e.PrimaryKey()}
}

// IsInternalProperty reports whether a property name is store-managed.
func IsInternalProperty(name string) bool {
	return strings.HasPrefix(name, InternalPropertyPrefix)
}

// NonInternalProperties returns the entity's properties without internal ones.
func (e *Entity) NonInternalProperties() map[string]Value {
	out := make(map[string]Value, len(e.Properties))
	for name, v := range e.Properties {
		if IsInternalProperty(name) {
			continue
		}
		out[name] = v
	}
	return out
}

// SortedPropertyNames returns non-internal property names in lexical order so
// that per-entity processing is deterministic.
func (e *Entity) SortedPropertyNames() []string {
	names := make([]string, 0, len(e.Properties))
	for name := range e.Properties {
		if IsInternalProperty(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IdentityKeySets returns the primary key set followed by every alternate key set.
func (e *Entity) IdentityKeySets() [][]string {
	sets := make([][]string, 0, 1+len(e.AdditionalKeyProperties))
	if len(e.PrimaryKeyProperties) > 0 {
		sets = append(sets, e.PrimaryKeyProperties)
	}
	for _, keys := range e.AdditionalKeyProperties {
		if len(keys) > 0 {
			sets = append(sets, keys)
		}
	}
	return sets
}

// EntityFilter restricts entity lookups to exact property values.
type EntityFilter map[string]Value

// Matches reports whether the entity satisfies every filter entry.
func (f EntityFilter) Matches(e *Entity) bool {
	for name, want := range f {
		got, ok := e.Properties[name]
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}
