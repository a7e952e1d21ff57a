package chainstore

import (
	"strings"

	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
)

// classifyTask returns the first TaskVocabulary entry that appears in
// label, text, or tags, else TaskGeneral.
func classifyTask(label, text string, tags []string) string {
	haystack := strings.ToLower(label + " " + text + " " + strings.Join(tags, " "))
	for _, task := range kmodel.TaskVocabulary {
		if strings.Contains(haystack, task) {
			return task
		}
	}
	return kmodel.TaskGeneral
}

// classifyType returns TypePattern when a code fence is present or
// "pattern" appears in tags/text; TypeRule when "rule" appears; else
// TypeContext.
func classifyType(text string, tags []string) string {
	haystack := strings.ToLower(text + " " + strings.Join(tags, " "))
	if strings.Contains(text, "```") || strings.Contains(haystack, "pattern") {
		return kmodel.TypePattern
	}
	if strings.Contains(haystack, "rule") {
		return kmodel.TypeRule
	}
	return kmodel.TypeContext
}
