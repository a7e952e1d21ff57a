package kmodel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/debian777/kairos-mcp-sub003/internal/kerrors"
)

// ProofType tags the closed set of proof-of-work variants. Design note §9
// pins this as a tagged sum, not an inheritance hierarchy — new variants
// are never added by a caller, only by this package.
type ProofType string

const (
	ProofShell     ProofType = "shell"
	ProofMCP       ProofType = "mcp"
	ProofUserInput ProofType = "user_input"
	ProofComment   ProofType = "comment"
)

// ShellChallenge is `PROOF OF WORK: timeout <N>s <cmd…>`.
type ShellChallenge struct {
	Cmd            string `json:"cmd"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	ExpectedStdout string `json:"expected_stdout,omitempty"`
}

// MCPChallenge is `PROOF OF WORK: mcp <tool_name> [expected=<json>]`.
type MCPChallenge struct {
	ToolName       string          `json:"tool_name"`
	ExpectedResult json.RawMessage `json:"expected_result,omitempty"`
}

// UserInputChallenge is `PROOF OF WORK: user_input "<prompt>"`.
type UserInputChallenge struct {
	Prompt string `json:"prompt"`
}

// CommentChallenge is `PROOF OF WORK: comment min=<N>`.
type CommentChallenge struct {
	MinLength int `json:"min_length"`
}

// ProofOfWork is the tagged sum of challenge variants. Exactly one of the
// pointer fields matching Type is non-nil.
type ProofOfWork struct {
	Type      ProofType           `json:"type"`
	Shell     *ShellChallenge     `json:"shell,omitempty"`
	MCP       *MCPChallenge       `json:"mcp,omitempty"`
	UserInput *UserInputChallenge `json:"user_input,omitempty"`
	Comment   *CommentChallenge   `json:"comment,omitempty"`
}

// Canonical renders a deterministic string form of the spec used as the
// SHA256 preimage alongside the nonce (spec Glossary: "proof hash").
func (p ProofOfWork) Canonical() string {
	switch p.Type {
	case ProofShell:
		if p.Shell == nil {
			return "shell:"
		}
		return fmt.Sprintf("shell:cmd=%s;timeout=%d;expected_stdout=%s", p.Shell.Cmd, p.Shell.TimeoutSeconds, p.Shell.ExpectedStdout)
	case ProofMCP:
		if p.MCP == nil {
			return "mcp:"
		}
		return fmt.Sprintf("mcp:tool=%s;expected=%s", p.MCP.ToolName, string(p.MCP.ExpectedResult))
	case ProofUserInput:
		if p.UserInput == nil {
			return "user_input:"
		}
		return fmt.Sprintf("user_input:prompt=%s", p.UserInput.Prompt)
	case ProofComment:
		if p.Comment == nil {
			return "comment:"
		}
		return fmt.Sprintf("comment:min=%d", p.Comment.MinLength)
	default:
		return "none:"
	}
}

// --- Solutions ---

type ShellSolution struct {
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout,omitempty"`
	Stderr          string  `json:"stderr,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

type MCPSolution struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result"`
	Success   bool            `json:"success"`
}

type UserInputSolution struct {
	Confirmation string `json:"confirmation"`
}

type CommentSolution struct {
	Text string `json:"text"`
}

// Solution is the caller-supplied answer to a step's challenge, carrying
// the nonce/hash continuity fields plus exactly one typed payload.
type Solution struct {
	Nonce     string             `json:"nonce"`
	ProofHash string             `json:"proof_hash"`
	Shell     *ShellSolution     `json:"shell,omitempty"`
	MCP       *MCPSolution       `json:"mcp,omitempty"`
	UserInput *UserInputSolution `json:"user_input,omitempty"`
	Comment   *CommentSolution   `json:"comment,omitempty"`
}

// Validate dispatches on spec.Type and checks the solution against the
// typed rules in spec §4.5.2 step 3. It never inspects Nonce/ProofHash —
// continuity is the caller's (StateMachine's) responsibility.
func Validate(spec ProofOfWork, sol Solution) error {
	switch spec.Type {
	case ProofShell:
		return validateShell(spec.Shell, sol.Shell)
	case ProofMCP:
		return validateMCP(spec.MCP, sol.MCP)
	case ProofUserInput:
		return validateUserInput(spec.UserInput, sol.UserInput)
	case ProofComment:
		return validateComment(spec.Comment, sol.Comment)
	default:
		return kerrors.New(kerrors.ProofInvalid, "unrecognized proof type")
	}
}

func validateShell(spec *ShellChallenge, sol *ShellSolution) error {
	if spec == nil || sol == nil {
		return kerrors.New(kerrors.ProofInvalid, "shell solution missing")
	}
	if sol.ExitCode != 0 {
		return kerrors.New(kerrors.ProofInvalid, "shell command did not exit 0")
	}
	if spec.ExpectedStdout != "" && !strings.Contains(sol.Stdout, spec.ExpectedStdout) {
		return kerrors.New(kerrors.ProofInvalid, "shell stdout missing expected text")
	}
	// duration_seconds vs timeout_seconds is soft/informational only (spec §4.5.2).
	return nil
}

func validateMCP(spec *MCPChallenge, sol *MCPSolution) error {
	if spec == nil || sol == nil {
		return kerrors.New(kerrors.ProofInvalid, "mcp solution missing")
	}
	if !sol.Success {
		return kerrors.New(kerrors.ProofInvalid, "mcp tool call did not report success")
	}
	if len(spec.ExpectedResult) > 0 && !jsonDeepEqual(spec.ExpectedResult, sol.Result) {
		return kerrors.New(kerrors.ProofInvalid, "mcp result did not match expected_result")
	}
	return nil
}

func validateUserInput(spec *UserInputChallenge, sol *UserInputSolution) error {
	if spec == nil || sol == nil {
		return kerrors.New(kerrors.ProofInvalid, "user_input solution missing")
	}
	if sol.Confirmation != "approved" {
		return kerrors.New(kerrors.ProofInvalid, "user_input not approved")
	}
	return nil
}

func validateComment(spec *CommentChallenge, sol *CommentSolution) error {
	if spec == nil || sol == nil {
		return kerrors.New(kerrors.ProofInvalid, "comment solution missing")
	}
	if len(sol.Text) < spec.MinLength {
		return kerrors.New(kerrors.ProofInvalid, "comment shorter than min_length")
	}
	return nil
}

// jsonDeepEqual compares two JSON documents structurally rather than
// byte-for-byte, so key order and formatting differences don't matter.
func jsonDeepEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return deepEqualValue(av, bv)
}

func deepEqualValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqualValue(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

// ParseMinLength parses the `min=<N>` fragment of a comment directive.
func ParseMinLength(s string) (int, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "min=")
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}
