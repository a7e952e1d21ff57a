package elicitor

import (
	"context"
	"errors"
	"testing"

	"github.com/debian777/kairos-mcp-sub003/internal/kerrors"
)

func caller(reply Reply, err error) Caller {
	return func(ctx context.Context, p Prompt) (Reply, error) { return reply, err }
}

func TestElicitApproveYieldsApprovedSolution(t *testing.T) {
	out, err := Elicit(context.Background(), caller(ReplyApprove, nil), "confirm?")
	if err != nil {
		t.Fatalf("Elicit: %v", err)
	}
	if out.Solution == nil || out.Solution.Confirmation != "approved" {
		t.Fatalf("expected approved solution, got %+v", out)
	}
}

func TestElicitRetryLastStepSetsRetryStep(t *testing.T) {
	out, err := Elicit(context.Background(), caller(ReplyRetryLastStep, nil), "confirm?")
	if err != nil {
		t.Fatalf("Elicit: %v", err)
	}
	if out.ErrorCode != kerrors.UserDeclined || !out.RetryStep {
		t.Fatalf("expected user_declined retry, got %+v", out)
	}
}

func TestElicitRetryChainInstructsBeginFromHead(t *testing.T) {
	out, err := Elicit(context.Background(), caller(ReplyRetryChain, nil), "confirm?")
	if err != nil {
		t.Fatalf("Elicit: %v", err)
	}
	if out.ErrorCode != kerrors.UserDeclined || out.RetryStep {
		t.Fatalf("expected non-retry user_declined, got %+v", out)
	}
	if out.NextAction == "" {
		t.Fatal("expected next_action directing to kairos_begin")
	}
}

func TestElicitAbortInstructsAttestFailure(t *testing.T) {
	out, err := Elicit(context.Background(), caller(ReplyAbort, nil), "confirm?")
	if err != nil {
		t.Fatalf("Elicit: %v", err)
	}
	if out.ErrorCode != kerrors.UserDeclined {
		t.Fatalf("expected user_declined, got %+v", out)
	}
}

func TestElicitDeclineAndCancelRetryStep(t *testing.T) {
	for _, reply := range []Reply{ReplyDecline, ReplyCancel} {
		out, err := Elicit(context.Background(), caller(reply, nil), "confirm?")
		if err != nil {
			t.Fatalf("Elicit(%s): %v", reply, err)
		}
		if !out.RetryStep || out.ErrorCode != kerrors.UserDeclined {
			t.Fatalf("Elicit(%s): expected retry-step decline, got %+v", reply, out)
		}
	}
}

func TestElicitTransportFailureIsElicitationFailed(t *testing.T) {
	_, err := Elicit(context.Background(), caller("", errors.New("timeout")), "confirm?")
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) || kerr.Code != kerrors.ElicitationFailed {
		t.Fatalf("expected ELICITATION_FAILED, got %v", err)
	}
}

func TestElicitUnrecognizedReply(t *testing.T) {
	_, err := Elicit(context.Background(), caller(Reply("whatever"), nil), "confirm?")
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) || kerr.Code != kerrors.ElicitationFailed {
		t.Fatalf("expected ELICITATION_FAILED for unrecognized reply, got %v", err)
	}
}
