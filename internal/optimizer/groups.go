package optimizer

import "strings"

// #region intent-groups

// intentGroups partitions known intents into similarity groups.
// Every intent belongs to exactly one group.
var intentGroups = map[string]string{
	// support
	"healing":    "support",
	"grief":      "support",
	"comfort":    "support",
	"anxiety":    "support",
	"trauma":     "support",
	"emotional":  "support",
	"loneliness": "support",

	// reflection
	"reflection":    "reflection",
	"philosophical": "reflection",
	"existential":   "reflection",
	"meaning":       "reflection",
	"identity":      "reflection",
	"spiritual":     "reflection",

	// growth
	"learning":     "growth",
	"coaching":     "growth",
	"goal_setting": "growth",
	"career":       "growth",
	"motivation":   "growth",

	// creative
	"creative":      "creative",
	"storytelling":  "creative",
	"play":          "creative",
	"brainstorming": "creative",

	// practical
	"factual":  "practical",
	"planning": "practical",
	"command":  "practical",
	"task":     "practical",

	// social
	"conversational": "social",
	"greeting":       "social",
	"small_talk":     "social",
}

// #endregion intent-groups

// #region group-of

// GroupOf returns the similarity group of an intent. Unknown intents form a
// singleton group of their own; the empty intent has the empty group.
func GroupOf(intent string) string {
	key := strings.ToLower(strings.TrimSpace(intent))
	if key == "" {
		return ""
	}
	if g, ok := intentGroups[key]; ok {
		return g
	}
	return "intent:" + key
}

// SameGroup reports whether two intents share a similarity group.
func SameGroup(a, b string) bool {
	ga := GroupOf(a)
	return ga != "" && ga == GroupOf(b)
}

// #endregion group-of
