// Package tone provides the whitelist of tone tags a user may pick for
// intervention messages, validation of the tone preference, and the prompt
// guide handed to the message analysis collaborator.
package tone

import (
	"errors"
	"fmt"
	"strings"
)

// ---- Whitelist ----

// AllTags is the hard-coded set of safe tone tags.
var AllTags = map[string]bool{
	// Style
	"concise":   true,
	"detailed":  true,
	"formal":    true,
	"casual":    true,
	"no_emojis": true,
	"emojis_ok": true,
	// Stance
	"warm_supportive":      true,
	"neutral_professional": true,
	"direct_coach":         true,
	"gentle_coach":         true,
	"playful":              true,
}

// mutuallyExclusivePairs defines tags where at most one may be active.
var mutuallyExclusivePairs = [][2]string{
	{"concise", "detailed"},
	{"formal", "casual"},
	{"no_emojis", "emojis_ok"},
	{"direct_coach", "gentle_coach"},
	{"formal", "playful"},
}

// Errors returned by Validate.
var (
	ErrUnknownTag  = errors.New("unknown tone tag")
	ErrConflicting = errors.New("conflicting tone tags")
)

// ---- Public API ----

func split(pref string) []string {
	var tags []string
	for _, t := range strings.Split(pref, ",") {
		t = strings.TrimSpace(strings.ToLower(t))
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Validate checks a comma-separated tone preference. Empty is valid.
func Validate(pref string) error {
	set := map[string]bool{}
	for _, t := range split(pref) {
		if !AllTags[t] {
			return fmt.Errorf("%w: %q", ErrUnknownTag, t)
		}
		set[t] = true
	}
	for _, pair := range mutuallyExclusivePairs {
		if set[pair[0]] && set[pair[1]] {
			return fmt.Errorf("%w: %s and %s", ErrConflicting, pair[0], pair[1])
		}
	}
	return nil
}

// Parse returns the whitelisted tags of a tone preference in first-seen
// order. Unknown tags are dropped, and of an exclusive pair only the tag seen
// first is kept.
func Parse(pref string) []string {
	var tags []string
	seen := map[string]bool{}
	for _, t := range split(pref) {
		if !AllTags[t] || seen[t] || excludedBy(t, seen) {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags
}

func excludedBy(tag string, active map[string]bool) bool {
	for _, pair := range mutuallyExclusivePairs {
		if (pair[0] == tag && active[pair[1]]) || (pair[1] == tag && active[pair[0]]) {
			return true
		}
	}
	return false
}

// BuildToneGuide produces a compact instruction snippet for injection into
// the analysis system prompt. With no tags the default stance is returned.
func BuildToneGuide(tags []string) string {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}

	var b strings.Builder
	b.WriteString("<TONE POLICY>\nWrite the intervention in the user's preferred style:\n")

	if set["concise"] {
		b.WriteString("- Be concise: one or two short sentences.\n")
	}
	if set["detailed"] {
		b.WriteString("- Add one sentence explaining why the break helps.\n")
	}
	if set["formal"] {
		b.WriteString("- Use formal diction and professional register.\n")
	}
	if set["casual"] {
		b.WriteString("- Use casual, friendly language.\n")
	}
	if set["no_emojis"] {
		b.WriteString("- Do NOT use emojis.\n")
	} else if set["emojis_ok"] {
		b.WriteString("- One emoji is welcome where it fits.\n")
	}

	hasStance := false
	if set["warm_supportive"] {
		b.WriteString("- Adopt a warm, supportive stance.\n")
		hasStance = true
	}
	if set["neutral_professional"] {
		b.WriteString("- Keep a neutral, professional stance.\n")
		hasStance = true
	}
	if set["direct_coach"] {
		b.WriteString("- Be a direct coach: name the action plainly.\n")
		hasStance = true
	}
	if set["gentle_coach"] {
		b.WriteString("- Be a gentle coach: suggest, never insist.\n")
		hasStance = true
	}
	if set["playful"] {
		b.WriteString("- A light, playful touch is fine.\n")
		hasStance = true
	}
	if !hasStance {
		b.WriteString("- Keep a calm, supportive stance.\n")
	}

	b.WriteString("- NEVER shame the user or mention productivity targets.\n")
	b.WriteString("</TONE POLICY>\n")
	return b.String()
}
