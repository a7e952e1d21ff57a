// Package slicer splits a markdown blob into an ordered chain of step
// sections. Grounded on engine/ingest/transform.go's line-scanning,
// small-helper style of text transformation.
package slicer

import (
	"encoding/json"
	"strings"
)

// Section is one H2-delimited (or fallback single-step) slice of a blob.
type Section struct {
	Heading string // the H2 text, or "" for a fallback single section
	Body    string // trimmed body text between this heading and the next
}

// Sliced is the full result of slicing one markdown blob.
type Sliced struct {
	ChainLabel string // from the H1, split on the first ':' if present
	Sections   []Section
}

// Normalize undoes one layer of JSON-string-literal wrapping: if blob is a
// quoted JSON string that decodes cleanly, it returns the decoded form;
// otherwise it returns blob unchanged.
func Normalize(blob string) string {
	trimmed := strings.TrimSpace(blob)
	if len(trimmed) < 2 || trimmed[0] != '"' || trimmed[len(trimmed)-1] != '"' {
		return blob
	}
	var decoded string
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return blob
	}
	return decoded
}

// Slice normalizes and structurally parses a markdown blob into an ordered
// chain of sections, tracking code-fence state so headings inside a fence
// are ignored.
func Slice(blob string) Sliced {
	blob = Normalize(blob)
	lines := strings.Split(blob, "\n")

	var h1 string
	type heading struct {
		text string
		line int
	}
	var h2s []heading
	inFence := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if h1 == "" && strings.HasPrefix(trimmed, "# ") {
			h1 = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		}
		if strings.HasPrefix(trimmed, "## ") {
			h2s = append(h2s, heading{text: strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")), line: i})
		}
	}

	if h1 == "" || len(h2s) == 0 {
		return Sliced{
			Sections: []Section{{Heading: firstHeadingOrLine(lines), Body: strings.TrimSpace(blob)}},
		}
	}

	chainLabel := h1
	stepOneSuffix := ""
	if idx := strings.Index(h1, ":"); idx >= 0 {
		chainLabel = strings.TrimSpace(h1[:idx])
		stepOneSuffix = strings.TrimSpace(h1[idx+1:])
	}

	sections := make([]Section, 0, len(h2s))
	for i, h := range h2s {
		end := len(lines)
		if i+1 < len(h2s) {
			end = h2s[i+1].line
		}
		body := strings.TrimSpace(strings.Join(lines[h.line+1:end], "\n"))
		sections = append(sections, Section{Heading: h.text, Body: body})
	}
	if stepOneSuffix != "" && len(sections) > 0 {
		sections[0].Body = strings.TrimSpace(stepOneSuffix + "\n\n" + sections[0].Body)
	}

	return Sliced{ChainLabel: chainLabel, Sections: sections}
}

// firstHeadingOrLine derives a fallback label from the first heading line or
// the first non-empty line, mirroring DeriveLabel's own fallback chain.
func firstHeadingOrLine(lines []string) string {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		}
		if strings.HasPrefix(trimmed, "## ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))
		}
	}
	for _, line := range lines {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

const maxLabelLen = 120

// DeriveLabel picks a section's label: its heading, else the first
// non-empty line of its body, else "Memory"; truncated to 120 chars.
func DeriveLabel(heading, body string) string {
	label := strings.TrimSpace(heading)
	if label == "" {
		for _, line := range strings.Split(body, "\n") {
			if t := strings.TrimSpace(line); t != "" {
				label = t
				break
			}
		}
	}
	if label == "" {
		label = "Memory"
	}
	if len(label) > maxLabelLen {
		label = label[:maxLabelLen]
	}
	return label
}

const maxTags = 8

// DeriveTags unions label words longer than 2 chars (up to 6) with the
// first two significant (len>3) words of each bullet line, capped at 8.
func DeriveTags(label, body string) []string {
	seen := make(map[string]bool)
	var tags []string

	add := func(word string) bool {
		w := strings.ToLower(strings.Trim(word, ".,!?;:()[]\"'`"))
		if w == "" || seen[w] {
			return false
		}
		seen[w] = true
		tags = append(tags, w)
		return len(tags) >= maxTags
	}

	labelWords := strings.Fields(label)
	count := 0
	for _, w := range labelWords {
		if count >= 6 {
			break
		}
		if len(w) > 2 {
			count++
			if add(w) {
				return tags
			}
		}
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if !isBulletLine(trimmed) {
			continue
		}
		text := strings.TrimLeft(trimmed, "-*+ ")
		found := 0
		for _, w := range strings.Fields(text) {
			if len(w) <= 3 {
				continue
			}
			if add(w) {
				return tags
			}
			found++
			if found >= 2 {
				break
			}
		}
	}

	if tags == nil {
		tags = []string{}
	}
	return tags
}

func isBulletLine(s string) bool {
	return strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "* ") || strings.HasPrefix(s, "+ ")
}
