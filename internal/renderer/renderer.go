// Package renderer implements kairos_dump: extracting a step's body from
// its BODY markers (or returning it raw) and, for protocol mode,
// reassembling a whole chain back into one markdown document sorted by
// step_index. Grounded on slicer's small-helper line-scanning style,
// generalized from splitting markdown into sections to the inverse
// operation of reassembling sections into markdown.
package renderer

import (
	"fmt"
	"sort"
	"strings"
)

const (
	bodyStartMarker = "<!-- KAIROS:BODY-START -->"
	bodyEndMarker   = "<!-- KAIROS:BODY-END -->"
)

// ExtractBody returns the markdown between the BODY markers when both are
// present, else the input unchanged (spec §3: "exactly the markdown
// between the markers when a full render is passed... otherwise the raw
// input").
func ExtractBody(markdown string) string {
	start := strings.Index(markdown, bodyStartMarker)
	if start < 0 {
		return markdown
	}
	start += len(bodyStartMarker)
	end := strings.Index(markdown[start:], bodyEndMarker)
	if end < 0 {
		return markdown
	}
	return strings.TrimSpace(markdown[start : start+end])
}

// StepDump is the response shape for a non-protocol kairos_dump.
type StepDump struct {
	URI        string `json:"uri"`
	Label      string `json:"label"`
	ChainLabel string `json:"chain_label,omitempty"`
	Body       string `json:"body"`
}

// Dump extracts text's body via markers when present, else returns it raw.
func Dump(uri, label, chainLabel, text string) StepDump {
	return StepDump{URI: uri, Label: label, ChainLabel: chainLabel, Body: ExtractBody(text)}
}

// Step is one chain member to be reassembled by RenderProtocol.
type Step struct {
	Label     string
	Body      string
	StepIndex int
}

// ProtocolDump is the response shape for a protocol=true kairos_dump.
type ProtocolDump struct {
	URI         string `json:"uri"`
	ChainLabel  string `json:"chain_label"`
	MarkdownDoc string `json:"markdown_doc"`
	StepCount   int    `json:"step_count"`
}

// RenderProtocol concatenates steps (sorted by StepIndex) into one
// markdown document: "# <chain_label>\n\n## <step.label>\n<step.body>…"
// (spec §4.8).
func RenderProtocol(uri, chainLabel string, steps []Step) ProtocolDump {
	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepIndex < sorted[j].StepIndex })

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", chainLabel)
	for _, step := range sorted {
		fmt.Fprintf(&b, "\n## %s\n%s\n", step.Label, strings.TrimSpace(step.Body))
	}

	return ProtocolDump{
		URI:         uri,
		ChainLabel:  chainLabel,
		MarkdownDoc: strings.TrimRight(b.String(), "\n") + "\n",
		StepCount:   len(sorted),
	}
}
