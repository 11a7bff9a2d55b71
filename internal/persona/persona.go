// Package persona turns clusters of customer profiles into structured
// marketing personas generated by a chat completion backend.
package persona

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fields is the exact key set of a persona record, in prompt order.
var Fields = []string{
	"persona_name",
	"demographics",
	"goals",
	"pain_points",
	"channels",
	"content_preferences",
	"marketing_strategy",
}

// StrategyFields is the exact key set of marketing_strategy.
var StrategyFields = []string{"awareness", "consideration", "decision"}

// Persona is one synthesized customer persona.
type Persona struct {
	Name               string            `json:"persona_name"`
	Demographics       map[string]any    `json:"demographics"`
	Goals              map[string]any    `json:"goals"`
	PainPoints         []string          `json:"pain_points"`
	Channels           map[string]any    `json:"channels"`
	ContentPreferences map[string]any    `json:"content_preferences"`
	MarketingStrategy  MarketingStrategy `json:"marketing_strategy"`
}

// MarketingStrategy holds the funnel-stage recommendations.
type MarketingStrategy struct {
	Awareness     any `json:"awareness"`
	Consideration any `json:"consideration"`
	Decision      any `json:"decision"`
}

// ValidationError reports a structurally valid object with the wrong shape.
type ValidationError struct {
	Missing []string
	Extra   []string
	Reason  string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing keys "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "unexpected keys "+strings.Join(e.Extra, ", "))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return "persona validation: " + strings.Join(parts, "; ")
}

// Validate checks obj against the fixed persona schema and decodes it.
func Validate(obj map[string]any) (Persona, error) {
	if missing, extra := diffKeys(obj, Fields); len(missing) > 0 || len(extra) > 0 {
		return Persona{}, &ValidationError{Missing: missing, Extra: extra}
	}

	ms, ok := obj["marketing_strategy"].(map[string]any)
	if !ok {
		return Persona{}, &ValidationError{Reason: "marketing_strategy must be an object"}
	}
	if missing, extra := diffKeys(ms, StrategyFields); len(missing) > 0 || len(extra) > 0 {
		return Persona{}, &ValidationError{
			Missing: prefix("marketing_strategy.", missing),
			Extra:   prefix("marketing_strategy.", extra),
		}
	}

	name, _ := obj["persona_name"].(string)
	if strings.TrimSpace(name) == "" {
		return Persona{}, &ValidationError{Reason: "persona_name must be a non-empty string"}
	}

	b, err := json.Marshal(obj)
	if err != nil {
		return Persona{}, fmt.Errorf("re-encoding persona: %w", err)
	}
	var p Persona
	if err := json.Unmarshal(b, &p); err != nil {
		return Persona{}, &ValidationError{Reason: fmt.Sprintf("field types: %v", err)}
	}
	return p, nil
}

func diffKeys(obj map[string]any, want []string) (missing, extra []string) {
	wantSet := make(map[string]bool, len(want))
	for _, k := range want {
		wantSet[k] = true
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range obj {
		if !wantSet[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return missing, extra
}

func prefix(p string, keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = p + k
	}
	return out
}
