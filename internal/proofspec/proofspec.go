// Package proofspec parses `PROOF OF WORK:` directive lines out of a step
// body into a typed kmodel.ProofOfWork challenge.
package proofspec

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
)

var directiveLine = regexp.MustCompile(`(?i)^\s*proof of work:\s*(.*)$`)

var (
	shellForm = regexp.MustCompile(`(?i)^timeout\s+(\d+)s\s+(.+)$`)
	mcpForm   = regexp.MustCompile(`(?i)^mcp\s+(\S+)(?:\s+expected=(.+))?$`)
	userForm  = regexp.MustCompile(`(?i)^user_input\s+"(.*)"$`)
	commentForm = regexp.MustCompile(`(?i)^comment\s+min=(\d+)$`)
)

// Find scans body line by line for the first `PROOF OF WORK:` directive
// (case-insensitive) and parses it. ok is false when no directive line is
// present, meaning the step advances freely.
func Find(body string) (spec kmodel.ProofOfWork, ok bool) {
	for _, line := range strings.Split(body, "\n") {
		m := directiveLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return Parse(m[1])
	}
	return kmodel.ProofOfWork{}, false
}

// Parse interprets the text following "PROOF OF WORK:" into one of the four
// recognized forms.
func Parse(rest string) (kmodel.ProofOfWork, bool) {
	rest = strings.TrimSpace(rest)

	if m := shellForm.FindStringSubmatch(rest); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return kmodel.ProofOfWork{}, false
		}
		return kmodel.ProofOfWork{
			Type:  kmodel.ProofShell,
			Shell: &kmodel.ShellChallenge{Cmd: strings.TrimSpace(m[2]), TimeoutSeconds: n},
		}, true
	}

	if m := mcpForm.FindStringSubmatch(rest); m != nil {
		challenge := &kmodel.MCPChallenge{ToolName: m[1]}
		if m[2] != "" && json.Valid([]byte(m[2])) {
			challenge.ExpectedResult = json.RawMessage(m[2])
		}
		return kmodel.ProofOfWork{Type: kmodel.ProofMCP, MCP: challenge}, true
	}

	if m := userForm.FindStringSubmatch(rest); m != nil {
		return kmodel.ProofOfWork{
			Type:      kmodel.ProofUserInput,
			UserInput: &kmodel.UserInputChallenge{Prompt: m[1]},
		}, true
	}

	if m := commentForm.FindStringSubmatch(rest); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return kmodel.ProofOfWork{}, false
		}
		return kmodel.ProofOfWork{
			Type:    kmodel.ProofComment,
			Comment: &kmodel.CommentChallenge{MinLength: n},
		}, true
	}

	return kmodel.ProofOfWork{}, false
}
