// Package jsonutil decodes loosely typed JSON fields returned by language models.
package jsonutil

import (
	"encoding/json"
	"strconv"
	"strings"
)

// FlexibleString renders a raw JSON field as text. Models sometimes answer a
// string field with a number or boolean; those are formatted rather than
// rejected. Null or missing fields yield "".
func FlexibleString(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}

	return strings.TrimSpace(string(raw))
}

// FlexibleFloat reads a numeric field that may arrive as a number, a numeric
// string ("0.8") or a percentage string ("80%"). It returns nil for null,
// missing or unparseable values.
func FlexibleFloat(raw json.RawMessage) *float64 {
	if isNull(raw) {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	if percent {
		f /= 100
	}
	return &f
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
