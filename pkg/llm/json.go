package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when a response carries no parsable JSON document.
var ErrNoJSON = errors.New("no valid JSON found in response")

// reasoningBlock matches the <think>...</think> preamble some models emit.
var reasoningBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ExtractJSON pulls the first JSON object or array out of a model response,
// skipping reasoning blocks, markdown fences and surrounding prose.
func ExtractJSON(response string) (string, error) {
	cleaned := reasoningBlock.ReplaceAllString(response, "")

	for i := 0; i < len(cleaned); i++ {
		c := cleaned[i]
		if c != '{' && c != '[' {
			continue
		}
		end, ok := balancedEnd(cleaned[i:])
		if !ok {
			continue
		}
		candidate := cleaned[i : i+end]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	trimmed := strings.TrimSpace(cleaned)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	return "", ErrNoJSON
}

// balancedEnd returns the length of the bracketed value at the start of s.
// Brackets inside string literals are ignored.
func balancedEnd(s string) (int, bool) {
	var stack []byte
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			stack = append(stack, '}')
		case c == '[':
			stack = append(stack, ']')
		case c == '}' || c == ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// ParseJSONResponse extracts JSON from a response and unmarshals it into T.
func ParseJSONResponse[T any](response string) (T, error) {
	var result T

	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return result, nil
}
