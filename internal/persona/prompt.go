package persona

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/personas/internal/llm"
)

const systemPromptTemplate = `You are a marketing strategist. OUTPUT MUST BE ONE RAW JSON OBJECT: no markdown, no explanation, keys and string values in double quotes.

The object must have exactly these keys and no others: %s.

Shape rules:
- persona_name: a short, memorable string.
- demographics, goals, channels, content_preferences: JSON objects.
- pain_points: a JSON array of strings.
- marketing_strategy: a JSON object with exactly the keys awareness, consideration, decision.
- Write numeric ranges as quoted strings, for example "28-35" or "$40k-60k".
- Write every list as a JSON array [ ... ], never as { ... }.`

// idKeys are payload fields that carry identity, not observations.
var idKeys = map[string]bool{"customer_id": true, "id": true}

// BuildMessages constructs the chat messages for one cluster. priorNames
// lists personas already produced in this run; the instruction requires the
// new persona to differ from each of them.
func BuildMessages(members []map[string]any, priorNames []string) ([]llm.Message, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, systemPromptTemplate, strings.Join(Fields, ", "))

	if len(priorNames) > 0 {
		quoted := make([]string, len(priorNames))
		for i, n := range priorNames {
			quoted[i] = fmt.Sprintf("%q", n)
		}
		fmt.Fprintf(&sb, "\n\nPersonas already created in this run: %s.\n", strings.Join(quoted, ", "))
		sb.WriteString("The new persona's persona_name, demographics, goals and pain_points must be clearly distinct from every one of them.")
	}

	profiles := make([]map[string]any, len(members))
	for i, m := range members {
		p := make(map[string]any, len(m))
		for k, v := range m {
			if !idKeys[k] {
				p[k] = v
			}
		}
		profiles[i] = p
	}
	data, err := json.Marshal(profiles)
	if err != nil {
		return nil, fmt.Errorf("encoding cluster members: %w", err)
	}

	user := "Cluster profiles:\n" + string(data) + "\n\n" +
		"1) Assign a unique persona_name.\n" +
		"2) Describe demographics, goals, pain_points, channels, content_preferences.\n" +
		"3) Recommend marketing_strategy with keys awareness, consideration, decision.\n\n" +
		"Return exactly one JSON object with keys: " + strings.Join(Fields, ", ") + "."

	return []llm.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: user},
	}, nil
}
