// Package sql guards the raw read queries accepted by the graph store.
package sql

import (
	"sort"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionFinding describes a parameter value that looks like SQL injection.
type InjectionFinding struct {
	ParamName   string
	Fingerprint string // libinjection fingerprint of the detected pattern
}

// CheckParameterForInjection runs libinjection over a parameter value.
// Only strings are inspected; other types return nil.
func CheckParameterForInjection(paramName string, value any) *InjectionFinding {
	strValue, ok := value.(string)
	if !ok {
		return nil
	}
	if isSQLi, fingerprint := libinjection.IsSQLi(strValue); isSQLi {
		return &InjectionFinding{ParamName: paramName, Fingerprint: string(fingerprint)}
	}
	return nil
}

// CheckAllParameters returns a finding for every suspicious parameter, ordered
// by parameter name. Values inside lists are checked individually.
func CheckAllParameters(params map[string]any) []*InjectionFinding {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []*InjectionFinding
	for _, name := range names {
		values := []any{params[name]}
		if list, ok := params[name].([]any); ok {
			values = list
		}
		for _, v := range values {
			if f := CheckParameterForInjection(name, v); f != nil {
				findings = append(findings, f)
				break
			}
		}
	}
	return findings
}
