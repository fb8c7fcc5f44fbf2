package graph

import (
	"sort"
	"strings"

	"github.com/ekaya-inc/ontology-engine/pkg/models"
)

// Similarity returns how alike two values are in [0, 1]. Case-insensitive
// equality scores 1; anything else is normalized edit distance.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	return 1 - float64(levenshteinDistance(ra, rb))/float64(longest)
}

// withinReach reports whether two strings could reach minSimilarity at all,
// judged by length difference alone.
func withinReach(a, b string, minSimilarity float64) bool {
	la, lb := len([]rune(a)), len([]rune(b))
	longest, diff := la, la-lb
	if lb > longest {
		longest = lb
	}
	if diff < 0 {
		diff = -diff
	}
	if longest == 0 {
		return false
	}
	return 1-float64(diff)/float64(longest) >= minSimilarity
}

func levenshteinDistance(s1, s2 []rune) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 0
			if s1[i-1] != s2[j-1] {
				cost = 1
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(s2)]
}

// searchableValues returns the lowercased text of every non-internal property item.
func searchableValues(e *models.Entity) []string {
	seen := make(map[string]struct{})
	var out []string
	for name, v := range e.Properties {
		if models.IsInternalProperty(name) {
			continue
		}
		for _, item := range v.Items() {
			if item.IsEmpty() {
				continue
			}
			s := strings.ToLower(strings.TrimSpace(item.String()))
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// ScoreEntity scores one entity against the searched rows. ok is false when no
// row reaches minSimilarity on any property value.
func ScoreEntity(rows []WeightedValue, e *models.Entity, minSimilarity float64) (score, relevance float64, ok bool) {
	values := searchableValues(e)
	if len(values) == 0 {
		return 0, 0, false
	}
	for _, row := range rows {
		needle := strings.ToLower(strings.TrimSpace(row.Value))
		if needle == "" {
			continue
		}
		best := 0.0
		for _, v := range values {
			if v == needle {
				best = 1
				break
			}
			if !withinReach(needle, v, minSimilarity) {
				continue
			}
			if s := Similarity(needle, v); s > best {
				best = s
			}
		}
		if best < minSimilarity {
			continue
		}
		hit := best * row.Weight
		if hit > score {
			score = hit
		}
		relevance += hit
		ok = true
	}
	return score, relevance, ok
}

// RankMatches orders matches best first and keeps at most perType per entity
// type. perType <= 0 keeps everything.
func RankMatches(matches []FuzzyMatch, perType int) []FuzzyMatch {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if a.Entity.Type != b.Entity.Type {
			return a.Entity.Type < b.Entity.Type
		}
		return a.Entity.PrimaryKey() < b.Entity.PrimaryKey()
	})
	if perType <= 0 {
		return matches
	}
	kept := make(map[string]int)
	out := matches[:0]
	for _, m := range matches {
		if kept[m.Entity.Type] >= perType {
			continue
		}
		kept[m.Entity.Type]++
		out = append(out, m)
	}
	return out
}

func typeAllowed(typeFilter []string, entityType string) bool {
	if len(typeFilter) == 0 {
		return true
	}
	for _, t := range typeFilter {
		if t == entityType {
			return true
		}
	}
	return false
}
