// Package areaname maps free-text area references (native-language
// names, romanized spellings, snake_case ids) onto a fixed set of
// canonical areas, and classifies entity ids by capability type.
//
// Everything here is pure and safe for concurrent use.
package areaname

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Area is one canonical area. Name is the display name written to the
// registry, Slug seeds the area id when the area has to be created, and
// Aliases are every other spelling callers may use.
type Area struct {
	Name    string
	Slug    string
	Aliases []string
}

// Areas is the canonical area table. Alias sets must be disjoint across
// entries; index construction panics otherwise.
var Areas = []Area{
	{Name: "玄关", Slug: "xuan_guan", Aliases: []string{"entryway", "entrance", "foyer", "xuanguan", "门厅"}},
	{Name: "厨房", Slug: "chu_fang", Aliases: []string{"kitchen", "chufang"}},
	{Name: "客厅", Slug: "ke_ting", Aliases: []string{"living_room", "living room", "lounge", "keting", "起居室"}},
	{Name: "主卧", Slug: "zhu_wo", Aliases: []string{"master_bedroom", "master bedroom", "bedroom", "zhuwo", "主卧室"}},
	{Name: "次卧", Slug: "ci_wo", Aliases: []string{"guest_bedroom", "guest bedroom", "second_bedroom", "ciwo", "客卧", "次卧室"}},
	{Name: "餐厅", Slug: "can_ting", Aliases: []string{"dining_room", "dining room", "dining", "canting"}},
	{Name: "书房", Slug: "shu_fang", Aliases: []string{"study", "office", "shufang"}},
	{Name: "卫生间", Slug: "wei_sheng_jian", Aliases: []string{"bathroom", "washroom", "toilet", "restroom", "weishengjian", "洗手间", "浴室"}},
	{Name: "走廊", Slug: "zou_lang", Aliases: []string{"corridor", "hallway", "hall", "zoulang", "过道"}},
}

// allAreasAliases select every area at once.
var allAreasAliases = []string{
	"all", "all_areas", "all areas", "everywhere", "whole_house", "whole house",
	"entire_home", "quan_bu", "quan_wu", "suo_you",
	"全部", "所有", "全屋", "全家", "所有房间", "全部区域", "所有区域",
}

// The living room is the default area when the caller supplies empty text.
const (
	livingRoomSlug = "living_room"
	livingRoomName = "客厅"
)

var (
	aliasIndex = mustIndex(Areas)
	allAreas   = normalizedSet(allAreasAliases)
)

func mustIndex(areas []Area) map[string]*Area {
	idx := make(map[string]*Area)
	for i := range areas {
		a := &areas[i]
		keys := append([]string{a.Name, a.Slug}, a.Aliases...)
		for _, k := range keys {
			nk := NormalizeLabel(k)
			if prev, ok := idx[nk]; ok && prev != a {
				panic(fmt.Sprintf("areaname: alias %q maps to both %q and %q", k, prev.Name, a.Name))
			}
			idx[nk] = a
		}
	}
	return idx
}

func normalizedSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[NormalizeLabel(v)] = struct{}{}
	}
	return set
}

// isSeparator reports whether r is dropped from comparison keys.
func isSeparator(r rune) bool {
	return r == '_' || r == '-' || r == '/' || unicode.IsSpace(r)
}

// NormalizeLabel returns the comparison key for an area label: NFKC
// normalized (so full-width forms fold to ASCII), case folded, with
// whitespace and the separators _ - / removed. Two labels name the same
// area iff their keys are equal.
func NormalizeLabel(text string) string {
	s := cases.Fold().String(norm.NFKC.String(text))
	return strings.Map(func(r rune) rune {
		if isSeparator(r) {
			return -1
		}
		return r
	}, s)
}

// Lookup returns the canonical area for text, if any alias matches.
func Lookup(text string) (Area, bool) {
	key := NormalizeLabel(text)
	if key == "" {
		return Area{}, false
	}
	a, ok := aliasIndex[key]
	if !ok {
		return Area{}, false
	}
	return *a, true
}

// CanonicalName returns the canonical display name for text, or text
// itself when it names no known area. Unknown areas pass through; they
// are not an error.
func CanonicalName(text string) string {
	if a, ok := Lookup(text); ok {
		return a.Name
	}
	return text
}

// SeedSlug returns the slug used when creating the area named by text.
// Unknown areas get their own text lowercased with separators turned
// into underscores.
func SeedSlug(text string) string {
	if a, ok := Lookup(text); ok {
		return a.Slug
	}
	s := cases.Fold().String(norm.NFKC.String(strings.TrimSpace(text)))
	fields := strings.FieldsFunc(s, isSeparator)
	return strings.Join(fields, "_")
}

// LookupCandidates returns the strings callers should probe, in order:
// the raw input, its canonical name, the canonical seed slug, then every
// alias. Empty input yields the living room default so the result is
// never empty.
func LookupCandidates(text string) []string {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return []string{livingRoomSlug, livingRoomName}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	add(raw)
	if a, ok := Lookup(raw); ok {
		add(a.Name)
		add(a.Slug)
		for _, alias := range a.Aliases {
			add(alias)
		}
	}
	return out
}

// IsAllAreas reports whether text asks for every area.
func IsAllAreas(text string) bool {
	key := NormalizeLabel(text)
	if key == "" {
		return false
	}
	_, ok := allAreas[key]
	return ok
}

// SameArea reports whether two labels normalize to the same key.
func SameArea(a, b string) bool {
	ka := NormalizeLabel(a)
	return ka != "" && ka == NormalizeLabel(b)
}

// MatchTokens returns the normalized tokens used to recognise an area
// inside entity names: the canonical name, the display text split on
// separators (tokens of at least two characters), and every alias.
func MatchTokens(area string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if utf8.RuneCountInString(s) < 2 || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	name := CanonicalName(area)
	add(NormalizeLabel(name))

	folded := cases.Fold().String(norm.NFKC.String(area))
	for _, part := range strings.FieldsFunc(folded, isSeparator) {
		add(part)
	}
	add(NormalizeLabel(area))

	if a, ok := Lookup(area); ok {
		add(NormalizeLabel(a.Slug))
		for _, alias := range a.Aliases {
			add(NormalizeLabel(alias))
		}
	}
	return out
}
