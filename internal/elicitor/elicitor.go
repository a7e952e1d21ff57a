// Package elicitor maps a user_input step's elicitation round-trip to a
// typed outcome. Grounded on kmodel.Validate's closed-tagged-dispatch
// style (spec §9): the reply vocabulary is a fixed enum switched on, never
// an open hierarchy a caller can extend.
package elicitor

import (
	"context"

	"github.com/debian777/kairos-mcp-sub003/internal/kerrors"
	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
)

// Reply is the closed set of elicitation responses spec §4.6 recognizes.
type Reply string

const (
	ReplyApprove        Reply = "approve"
	ReplyRetryLastStep  Reply = "retry_last_step"
	ReplyRetryChain     Reply = "retry_chain"
	ReplyAbort          Reply = "abort"
	ReplyDecline        Reply = "decline"
	ReplyCancel         Reply = "cancel"
)

// ConfirmationSchema is the schema handed to the MCP client's elicitation
// capability alongside the prompt message.
type ConfirmationSchema struct {
	Confirmation []Reply `json:"confirmation"`
}

var schema = ConfirmationSchema{Confirmation: []Reply{ReplyApprove, ReplyRetryLastStep, ReplyRetryChain, ReplyAbort}}

// Prompt is the {message, schema} payload passed to the client's
// elicitation capability.
type Prompt struct {
	Message string             `json:"message"`
	Schema  ConfirmationSchema `json:"schema"`
}

// Caller performs the actual client round-trip; implementations live in
// the MCP transport layer. Returning an error means the round-trip itself
// failed (transport, timeout, malformed reply), distinct from the user
// declining.
type Caller func(ctx context.Context, prompt Prompt) (Reply, error)

// Outcome is what the state machine does next after an elicitation reply.
type Outcome struct {
	Solution   *kmodel.UserInputSolution
	ErrorCode  kerrors.Code
	RetryStep  bool
	NextAction string
}

// Elicit prompts via call and maps the reply to an Outcome (spec §4.6).
// A transport-level failure surfaces as ELICITATION_FAILED rather than
// being conflated with a user decline.
func Elicit(ctx context.Context, call Caller, promptMessage string) (Outcome, error) {
	reply, err := call(ctx, Prompt{Message: promptMessage, Schema: schema})
	if err != nil {
		return Outcome{}, kerrors.Wrap(kerrors.ElicitationFailed, "elicitation round-trip failed", err)
	}

	switch reply {
	case ReplyApprove:
		return Outcome{Solution: &kmodel.UserInputSolution{Confirmation: "approved"}}, nil
	case ReplyRetryLastStep:
		return Outcome{
			ErrorCode:  kerrors.UserDeclined,
			RetryStep:  true,
			NextAction: "solve the reissued challenge and call kairos_next",
		}, nil
	case ReplyRetryChain:
		return Outcome{
			ErrorCode:  kerrors.UserDeclined,
			NextAction: "call kairos_begin from the chain head",
		}, nil
	case ReplyAbort:
		return Outcome{
			ErrorCode:  kerrors.UserDeclined,
			NextAction: "call kairos_attest with outcome=failure",
		}, nil
	case ReplyDecline, ReplyCancel:
		return Outcome{
			ErrorCode:  kerrors.UserDeclined,
			RetryStep:  true,
			NextAction: "solve the reissued challenge and call kairos_next",
		}, nil
	default:
		return Outcome{}, kerrors.New(kerrors.ElicitationFailed, "unrecognized elicitation reply: "+string(reply))
	}
}
