package sql

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMultipleStatements indicates the query contains more than one statement.
var ErrMultipleStatements = errors.New("multiple SQL statements not allowed")

// parameterRegex matches {{name}} placeholders.
var parameterRegex = regexp.MustCompile(`\{\{([a-zA-Z_]\w*)\}\}`)

// ValidationResult holds the normalized statement or the reason it was refused.
type ValidationResult struct {
	NormalizedSQL string
	Error         error
}

// ValidateAndNormalize trims the statement, drops one trailing semicolon and
// refuses anything that still contains a semicolon outside string literals.
func ValidateAndNormalize(sqlQuery string) ValidationResult {
	sqlQuery = strings.TrimSpace(sqlQuery)
	if sqlQuery == "" {
		return ValidationResult{}
	}
	normalized := strings.TrimRight(strings.TrimSuffix(sqlQuery, ";"), " \t\n\r")
	if hasSemicolonOutsideStrings(normalized) {
		return ValidationResult{Error: ErrMultipleStatements}
	}
	return ValidationResult{NormalizedSQL: normalized}
}

func hasSemicolonOutsideStrings(sqlQuery string) bool {
	var quote rune
	prev := rune(0)
	for _, ch := range sqlQuery {
		switch {
		case quote == 0 && ch == ';':
			return true
		case quote == 0 && (ch == '\'' || ch == '"'):
			quote = ch
		case quote != 0 && ch == quote && prev != '\\':
			quote = 0
		}
		prev = ch
	}
	return false
}

// ExtractParameters lists placeholder names in order of first appearance.
func ExtractParameters(sqlQuery string) []string {
	seen := make(map[string]bool)
	var params []string
	for _, match := range parameterRegex.FindAllStringSubmatch(sqlQuery, -1) {
		if name := match[1]; !seen[name] {
			seen[name] = true
			params = append(params, name)
		}
	}
	return params
}

// SubstituteParameters rewrites {{name}} placeholders to positional $N
// parameters, reusing the position of repeated names, and returns the values
// in binding order. Every placeholder must have a supplied value.
func SubstituteParameters(sqlQuery string, values map[string]any) (string, []any, error) {
	var missing []string
	for _, name := range ExtractParameters(sqlQuery) {
		if _, ok := values[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", nil, fmt.Errorf("missing values for parameters: %s", strings.Join(missing, ", "))
	}

	var ordered []any
	positions := make(map[string]int)
	prepared := parameterRegex.ReplaceAllStringFunc(sqlQuery, func(match string) string {
		name := parameterRegex.FindStringSubmatch(match)[1]
		if pos, ok := positions[name]; ok {
			return fmt.Sprintf("$%d", pos)
		}
		ordered = append(ordered, values[name])
		positions[name] = len(ordered)
		return fmt.Sprintf("$%d", len(ordered))
	})
	return prepared, ordered, nil
}
