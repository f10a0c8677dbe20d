package transfer

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/atendai/voicebridge/internal/config"
)

// maxAliasDistance is the Levenshtein budget for a spoken department name.
// Two edits absorb the usual transcription slips ("financeiro" vs
// "finanseiro") without letting "vendas" match "verbas".
const maxAliasDistance = 2

// Resolve maps a spoken department name onto a transfer rule. Matching runs
// in three passes: exact (case-folded) against department and aliases, then
// fuzzy (edit distance or shared phonetic key), then the default rule. Within
// a pass, lower Priority wins. The second return is false when no rule could
// be chosen at all.
func Resolve(rules []config.TransferRule, department string) (*config.TransferRule, bool) {
	spoken := normalize(department)

	if spoken != "" {
		if r := bestMatch(rules, spoken, exactMatch); r != nil {
			return r, true
		}
		if r := bestMatch(rules, spoken, fuzzyMatch); r != nil {
			return r, true
		}
	}

	var def *config.TransferRule
	for i := range rules {
		r := &rules[i]
		if r.IsDefault && (def == nil || r.Priority < def.Priority) {
			def = r
		}
	}
	return def, def != nil
}

func bestMatch(rules []config.TransferRule, spoken string, match func(spoken, name string) bool) *config.TransferRule {
	var best *config.TransferRule
	for i := range rules {
		r := &rules[i]
		if !ruleMatches(r, spoken, match) {
			continue
		}
		if best == nil || r.Priority < best.Priority {
			best = r
		}
	}
	return best
}

func ruleMatches(r *config.TransferRule, spoken string, match func(spoken, name string) bool) bool {
	if match(spoken, normalize(r.Department)) {
		return true
	}
	for _, a := range r.Aliases {
		if match(spoken, normalize(a)) {
			return true
		}
	}
	return false
}

func exactMatch(spoken, name string) bool {
	return name != "" && spoken == name
}

func fuzzyMatch(spoken, name string) bool {
	if name == "" {
		return false
	}
	if matchr.Levenshtein(spoken, name) <= maxAliasDistance {
		return true
	}
	p1, _ := matchr.DoubleMetaphone(spoken)
	p2, _ := matchr.DoubleMetaphone(name)
	return p1 != "" && p1 == p2
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
