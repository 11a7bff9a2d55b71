package pipeline

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/kalambet/personas/internal/cluster"
)

// IDField is the payload key carrying the profile ID.
const IDField = "customer_id"

// Profile is one customer observation record.
type Profile struct {
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields"`
}

// ProfileText renders fields as "key: value" pairs in key order joined by
// " | ". The ID field is omitted.
func ProfileText(fields map[string]any) string {
	keys := slices.Sorted(maps.Keys(fields))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == IDField {
			continue
		}
		parts = append(parts, k+": "+formatValue(fields[k]))
	}
	return strings.Join(parts, " | ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprint(val)
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

// ProfilesFromRecords converts decoded JSON/YAML records into profiles.
// A record's customer_id (or id) becomes the profile ID; records without
// one are numbered by position starting at 1.
func ProfilesFromRecords(records []map[string]any) ([]Profile, error) {
	profiles := make([]Profile, len(records))
	for i, rec := range records {
		id := int64(i + 1)
		raw, ok := rec[IDField]
		if !ok {
			raw, ok = rec["id"]
		}
		if ok {
			n, err := toInt64(raw)
			if err != nil {
				return nil, &cluster.InputError{Index: i, Reason: err.Error()}
			}
			id = n
		}
		fields := make(map[string]any, len(rec))
		for k, v := range rec {
			if k != "id" {
				fields[k] = v
			}
		}
		profiles[i] = Profile{ID: id, Fields: fields}
	}
	return profiles, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("profile id %v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("profile id %v has type %T, want integer", v, v)
	}
}

// ProfilesFromComments turns free-text answers grouped by question into
// profiles with sequential IDs. Questions are visited in sorted order and
// blank comments are skipped.
func ProfilesFromComments(comments map[string][]string) []Profile {
	var profiles []Profile
	for _, q := range slices.Sorted(maps.Keys(comments)) {
		for _, c := range comments[q] {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			profiles = append(profiles, Profile{
				ID: int64(len(profiles) + 1),
				Fields: map[string]any{
					"text":            c,
					"source_question": q,
				},
			})
		}
	}
	return profiles
}
