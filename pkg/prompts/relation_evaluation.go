// Package prompts builds the messages sent to the relation judge.
package prompts

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"

	"github.com/ekaya-inc/ontology-engine/pkg/jsonutil"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

// SiblingContext summarizes another candidate between the same two entity types.
type SiblingContext struct {
	RelationID   string
	Mappings     []models.PropertyMapping
	Count        int
	RelationName string
	Confidence   *float64
}

// RelationContext is everything the judge is told about one relation candidate.
type RelationContext struct {
	EntityAType                string
	EntityBType                string
	Mappings                   []models.PropertyMapping
	PropertiesInCompositeIDKey []string
	Count                      int
	PropertyValues             map[string][]string
	PropertyCounts             map[string]int
	Examples                   []models.ExampleMatch
	Siblings                   []SiblingContext
}

// RelationEvaluationResponse is the JSON object the judge must return.
// Name and confidence are kept raw because models do not always respect the
// requested types.
type RelationEvaluationResponse struct {
	Thought            string          `json:"thought"`
	RelationName       json.RawMessage `json:"relation_name"`
	RelationConfidence json.RawMessage `json:"relation_confidence"`
	Justification      string          `json:"justification"`
}

// Name returns the relation name as text.
func (r RelationEvaluationResponse) Name() string {
	return jsonutil.FlexibleString(r.RelationName)
}

// Confidence returns the parsed confidence, or nil when the model gave none.
func (r RelationEvaluationResponse) Confidence() *float64 {
	return jsonutil.FlexibleFloat(r.RelationConfidence)
}

// BuildRelationEvaluationSystemMessage returns the system message for the judge.
func BuildRelationEvaluationSystemMessage() string {
	return `You are a data modeling expert. You decide whether a property of one entity type is a foreign key that references another entity type in a schema-less property graph, and you name the relation.`
}

// BuildRelationEvaluationPrompt renders the user message for one candidate.
func BuildRelationEvaluationPrompt(rc RelationContext) string {
	var b strings.Builder
	a := DisplayTypeName(rc.EntityAType)
	bt := DisplayTypeName(rc.EntityBType)

	b.WriteString("# Relation Candidate\n\n")
	fmt.Fprintf(&b, "Entity type A: `%s` (%s)\n", rc.EntityAType, a)
	fmt.Fprintf(&b, "Entity type B: `%s` (%s)\n\n", rc.EntityBType, bt)

	b.WriteString("## Property Mapping\n\n")
	fmt.Fprintf(&b, "Each row says a property of %s holds the value of an identity key property of %s.\n\n", a, bt)
	for _, m := range SortedMappings(rc.Mappings) {
		fmt.Fprintf(&b, "- %s.%s -> %s.%s\n", rc.EntityAType, m.EntityAProperty, rc.EntityBType, m.EntityBIDKeyProperty)
	}
	if len(rc.PropertiesInCompositeIDKey) > 1 {
		fmt.Fprintf(&b, "\nThe %s identity key is composite: %s.\n", bt, strings.Join(rc.PropertiesInCompositeIDKey, ", "))
	}

	b.WriteString("\n## Evidence\n\n")
	fmt.Fprintf(&b, "- Matching %s entities found: %d\n", a, rc.Count)
	for _, prop := range sortedKeys(rc.PropertyCounts) {
		fmt.Fprintf(&b, "- %s entities with `%s` set: %d\n", a, prop, rc.PropertyCounts[prop])
	}
	for _, prop := range sortedKeys(rc.PropertyValues) {
		fmt.Fprintf(&b, "- Sample values of `%s`: %s\n", prop, strings.Join(quoteAll(rc.PropertyValues[prop]), ", "))
	}
	if len(rc.Examples) > 0 {
		b.WriteString("\nExample matches (A primary key -> B primary key):\n")
		for _, ex := range rc.Examples {
			fmt.Fprintf(&b, "- %q -> %q\n", ex.PrimaryKeyA, ex.PrimaryKeyB)
		}
	}

	if len(rc.Siblings) > 0 {
		fmt.Fprintf(&b, "\n## Competing Candidates Between %s and %s\n\n", a, bt)
		b.WriteString("Only one of these is likely the real relation. Prefer the mapping that covers the full identity key with the most matches.\n\n")
		for _, s := range rc.Siblings {
			parts := make([]string, 0, len(s.Mappings))
			for _, m := range SortedMappings(s.Mappings) {
				parts = append(parts, m.EntityAProperty+"->"+m.EntityBIDKeyProperty)
			}
			fmt.Fprintf(&b, "- [%s] count=%d", strings.Join(parts, ", "), s.Count)
			if s.RelationName != "" {
				fmt.Fprintf(&b, " name=%s", s.RelationName)
			}
			if s.Confidence != nil {
				fmt.Fprintf(&b, " confidence=%.2f", *s.Confidence)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Output Format\n\n")
	b.WriteString("Respond with a single JSON object:\n")
	b.WriteString("- `thought`: your reasoning, step by step\n")
	fmt.Fprintf(&b, "- `relation_name`: snake_case verb phrase read from %s to %s (e.g. `runs_in`, `owned_by`)\n", a, bt)
	b.WriteString("- `relation_confidence`: 0.0-1.0, how likely this is a real reference; 0.0 if it is a coincidence\n")
	b.WriteString("- `justification`: one or two sentences\n\n")
	b.WriteString("```json\n")
	b.WriteString(`{"thought": "...", "relation_name": "runs_in", "relation_confidence": 0.9, "justification": "..."}`)
	b.WriteString("\n```\n\nReturn ONLY the JSON, no additional text.\n")

	return b.String()
}

// DisplayTypeName turns an entity type into a singular, space separated noun.
func DisplayTypeName(entityType string) string {
	words := splitWords(entityType)
	if len(words) == 0 {
		return entityType
	}
	words[len(words)-1] = inflection.Singular(words[len(words)-1])
	return strings.Join(words, " ")
}

// NormalizeRelationName lowercases a relation name into snake_case.
// Names that contain no letters or digits normalize to "".
func NormalizeRelationName(name string) string {
	return strings.Join(splitWords(name), "_")
}

// splitWords breaks camelCase, kebab-case, snake_case and spaced names into lowercase words.
func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(strings.TrimSpace(s))
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && i > 0 && len(cur) > 0 && unicode.IsLower(runes[i-1]) {
				flush()
			}
			cur = append(cur, r)
		default:
			flush()
		}
	}
	flush()
	return words
}

// SortedMappings returns a copy of mappings ordered by A property then B property.
func SortedMappings(mappings []models.PropertyMapping) []models.PropertyMapping {
	out := append([]models.PropertyMapping(nil), mappings...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityAProperty != out[j].EntityAProperty {
			return out[i].EntityAProperty < out[j].EntityAProperty
		}
		return out[i].EntityBIDKeyProperty < out[j].EntityBIDKeyProperty
	})
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%q", v)
	}
	return out
}
