package proofspec

import (
	"testing"

	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
)

func TestFindShellDirective(t *testing.T) {
	spec, ok := Find("some text\nPROOF OF WORK: timeout 5s echo ok\nmore text")
	if !ok {
		t.Fatal("expected directive to be found")
	}
	if spec.Type != kmodel.ProofShell {
		t.Fatalf("expected shell type, got %v", spec.Type)
	}
	if spec.Shell.Cmd != "echo ok" || spec.Shell.TimeoutSeconds != 5 {
		t.Fatalf("unexpected shell challenge: %+v", spec.Shell)
	}
}

func TestFindIsCaseInsensitive(t *testing.T) {
	_, ok := Find("proof of work: comment min=10")
	if !ok {
		t.Fatal("expected case-insensitive match")
	}
}

func TestFindAbsentDirective(t *testing.T) {
	_, ok := Find("just a plain step body with no challenge")
	if ok {
		t.Fatal("expected no directive to be found")
	}
}

func TestParseMCPWithExpected(t *testing.T) {
	spec, ok := Parse(`mcp run_tests expected={"success":true}`)
	if !ok {
		t.Fatal("expected mcp form to parse")
	}
	if spec.Type != kmodel.ProofMCP || spec.MCP.ToolName != "run_tests" {
		t.Fatalf("unexpected mcp challenge: %+v", spec.MCP)
	}
	if string(spec.MCP.ExpectedResult) != `{"success":true}` {
		t.Fatalf("unexpected expected_result: %s", spec.MCP.ExpectedResult)
	}
}

func TestParseMCPWithoutExpected(t *testing.T) {
	spec, ok := Parse("mcp run_tests")
	if !ok {
		t.Fatal("expected mcp form to parse")
	}
	if spec.MCP.ExpectedResult != nil {
		t.Fatalf("expected no expected_result, got %s", spec.MCP.ExpectedResult)
	}
}

func TestParseUserInput(t *testing.T) {
	spec, ok := Parse(`user_input "Did the brakes stop squeaking?"`)
	if !ok {
		t.Fatal("expected user_input form to parse")
	}
	if spec.UserInput.Prompt != "Did the brakes stop squeaking?" {
		t.Fatalf("unexpected prompt: %q", spec.UserInput.Prompt)
	}
}

func TestParseComment(t *testing.T) {
	spec, ok := Parse("comment min=20")
	if !ok {
		t.Fatal("expected comment form to parse")
	}
	if spec.Comment.MinLength != 20 {
		t.Fatalf("expected min_length 20, got %d", spec.Comment.MinLength)
	}
}

func TestParseUnrecognizedForm(t *testing.T) {
	if _, ok := Parse("something else entirely"); ok {
		t.Fatal("expected unrecognized form to fail")
	}
}
