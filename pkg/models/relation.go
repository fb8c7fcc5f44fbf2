package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Relation is a directed, named edge in either the data graph (a materialized
// relation between two entities) or the ontology graph (a relation candidate
// record between two entity types).
type Relation struct {
	ID         string         `json:"id"`
	From       EntityRef      `json:"from"`
	To         EntityRef      `json:"to"`
	Name       string         `json:"name"`
	RelationID string         `json:"relation_id,omitempty"`
	Version    string         `json:"heuristics_version,omitempty"`
	Confidence float64        `json:"confidence"`
	Properties map[string]any `json:"properties,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// EdgeID derives the storage identity of a relation from its endpoints, name and
// relation id tag, so that re-creating the same edge is an upsert.
func EdgeID(from, to EntityRef, name, relationID string) string {
	h := sha256.New()
	for _, part := range []string{from.Type, from.Key, to.Type, to.Key, name, relationID} {
		h.Write([]byte(part))
		h.Write([]byte{0x00})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// EnsureID fills ID from the relation's identity if it is unset.
func (r *Relation) EnsureID() {
	if r.ID == "" {
		r.ID = EdgeID(r.From, r.To, r.Name, r.RelationID)
	}
}

// RelationFilter selects relations. Zero-valued fields do not constrain.
type RelationFilter struct {
	From           *EntityRef
	To             *EntityRef
	FromType       string
	ToType         string
	Name           string
	RelationID     string
	Version        string
	ExcludeVersion string
	TaggedOnly     bool // only relations carrying a relation id
	Limit          int
}

// Matches reports whether a relation satisfies the filter.
func (f RelationFilter) Matches(r *Relation) bool {
	if f.From != nil && r.From != *f.From {
		return false
	}
	if f.To != nil && r.To != *f.To {
		return false
	}
	if f.FromType != "" && r.From.Type != f.FromType {
		return false
	}
	if f.ToType != "" && r.To.Type != f.ToType {
		return false
	}
	if f.Name != "" && r.Name != f.Name {
		return false
	}
	if f.RelationID != "" && r.RelationID != f.RelationID {
		return false
	}
	if f.Version != "" && r.Version != f.Version {
		return false
	}
	if f.ExcludeVersion != "" && r.Version == f.ExcludeVersion {
		return false
	}
	if f.TaggedOnly && r.RelationID == "" {
		return false
	}
	return true
}
