package areaname

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// Capability types understood by FilterByType.
const (
	TypeLight   = "light"
	TypeClimate = "climate"
	TypeCover   = "cover"
)

// typeDomains lists the entity domains that can serve each capability.
// Light circuits are often modelled as switches, so light admits the
// switch domain (subject to the hint check below).
var typeDomains = map[string][]string{
	TypeLight:   {"light", "switch"},
	TypeClimate: {"climate"},
	TypeCover:   {"cover"},
}

// lightHints mark a switch as driving a light.
var lightHints = []string{"light", "lamp", "deng", "zhaoming", "灯", "照明"}

// lightExclusions mark ids that are never a room light (device status
// LEDs and the like).
var lightExclusions = []string{"indicator", "zhishideng", "指示灯"}

// Domain returns the part of an entity id before the first dot, or ""
// if there is no dot.
func Domain(entityID string) string {
	d, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return d
}

// FilterByType keeps the ids that plausibly provide the capability,
// preserving input order and dropping duplicates. Unknown capability
// types fall back to an exact domain match.
func FilterByType(entityIDs []string, capability string) []string {
	capability = strings.ToLower(strings.TrimSpace(capability))
	domains, ok := typeDomains[capability]
	if !ok {
		domains = []string{capability}
	}

	seen := make(map[string]bool, len(entityIDs))
	out := make([]string, 0, len(entityIDs))
	for _, raw := range entityIDs {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		domain := strings.ToLower(Domain(id))
		if !slices.Contains(domains, domain) {
			continue
		}
		if capability == TypeLight {
			if containsAny(NormalizeLabel(id), lightExclusions) {
				continue
			}
			if domain == "switch" && !hasHint(id, lightHints) {
				continue
			}
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// hasHint reports whether id carries one of hints. CJK hints match
// anywhere; ASCII hints must start at a word boundary of the id, so
// "deng" matches "ke_ting_deng_l2" and "zhaoming" matches "zhao_ming"
// but "deng" does not match "garden_gate".
func hasHint(id string, hints []string) bool {
	lower := strings.ToLower(id)
	words := asciiWords(lower)
	for _, h := range hints {
		if !isASCII(h) {
			if strings.Contains(lower, h) {
				return true
			}
			continue
		}
		for i := range words {
			if strings.HasPrefix(strings.Join(words[i:], ""), h) {
				return true
			}
		}
	}
	return false
}

// asciiWords splits s into maximal runs of ASCII letters and digits.
func asciiWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
