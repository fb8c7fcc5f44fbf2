package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"markdown fence", "```json\n{\"is_relation\": true}\n```", `{"is_relation": true}`},
		{"prose around", `Here you go: {"x": [1, 2]} hope it helps`, `{"x": [1, 2]}`},
		{"reasoning block", `<think>maybe {not json}</think>{"ok": true}`, `{"ok": true}`},
		{"braces in strings", `{"reason": "uses } and ] freely"}`, `{"reason": "uses } and ] freely"}`},
		{"array", `result: [{"id": 1}]`, `[{"id": 1}]`},
		{"skips invalid first block", `{oops} then {"id": 2}`, `{"id": 2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.response)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSON_NoJSON(t *testing.T) {
	_, err := ExtractJSON("I cannot decide.")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestParseJSONResponse(t *testing.T) {
	type verdict struct {
		IsRelation bool     `json:"is_relation"`
		Confidence *float64 `json:"confidence"`
	}

	got, err := ParseJSONResponse[verdict]("```json\n{\"is_relation\": true, \"confidence\": 0.8}\n```")
	require.NoError(t, err)
	assert.True(t, got.IsRelation)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.8, *got.Confidence, 1e-9)

	_, err = ParseJSONResponse[verdict](`{"is_relation": "yes"}`)
	assert.Error(t, err)
}
