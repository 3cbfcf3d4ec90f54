package area

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EntityRef is one or more entity ids, ordered and free of duplicates.
// A single id and a one-element list are the same reference; JSON
// encodes the former.
type EntityRef []string

// ParseEntityRef accepts a string (comma separated ids allowed), a
// string slice, an []any of the same, or another EntityRef. It returns
// nil when no id remains after trimming.
func ParseEntityRef(raw any) EntityRef {
	var ids []string
	collectIDs(raw, &ids)
	return dedupe(ids)
}

func collectIDs(raw any, out *[]string) {
	switch v := raw.(type) {
	case nil:
	case string:
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				*out = append(*out, p)
			}
		}
	case EntityRef:
		collectIDs([]string(v), out)
	case []string:
		for _, s := range v {
			collectIDs(s, out)
		}
	case []any:
		for _, item := range v {
			collectIDs(item, out)
		}
	default:
		collectIDs(fmt.Sprint(v), out)
	}
}

func dedupe(ids []string) EntityRef {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make(EntityRef, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MergeEntityRefs concatenates refs, keeping first occurrences.
func MergeEntityRefs(refs ...EntityRef) EntityRef {
	var all []string
	for _, r := range refs {
		all = append(all, r...)
	}
	return dedupe(all)
}

// First returns the first id, or "".
func (r EntityRef) First() string {
	if len(r) == 0 {
		return ""
	}
	return r[0]
}

// Value returns the reference in service-call form: nil, a string, or
// a []string.
func (r EntityRef) Value() any {
	switch len(r) {
	case 0:
		return nil
	case 1:
		return r[0]
	default:
		return []string(r)
	}
}

func (r EntityRef) String() string {
	return strings.Join(r, ",")
}

// MarshalJSON encodes a single id as a string and more as an array.
func (r EntityRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Value())
}

// UnmarshalJSON accepts a string or an array of strings.
func (r *EntityRef) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ParseEntityRef(raw)
	return nil
}
