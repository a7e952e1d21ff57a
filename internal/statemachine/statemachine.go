// Package statemachine drives one step's begin/next/attest execution:
// challenge issuance, nonce/hash continuity, typed solution validation,
// bounded retries, and circuit-breaking. Grounded on
// pkg/resilience/circuitbreaker.go's closed/open/half-open shape,
// generalized from a single breaker instance to one retry counter per step
// stored in ProofStore rather than in process memory.
package statemachine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/debian777/kairos-mcp-sub003/internal/elicitor"
	"github.com/debian777/kairos-mcp-sub003/internal/kairosid"
	"github.com/debian777/kairos-mcp-sub003/internal/kerrors"
	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
	"github.com/debian777/kairos-mcp-sub003/internal/proofstore"
)

// MaxRetries is the number of consecutive failed solutions that opens the
// circuit: the MaxRetries-th failure returns MAX_RETRIES_EXCEEDED (spec §4.6).
const MaxRetries = 3

// MemoryStore is the slice of chainstore.Store this package calls.
type MemoryStore interface {
	Get(ctx context.Context, memoryUUID string) (kmodel.Memory, bool, error)
	Predecessor(ctx context.Context, m kmodel.Memory) (*kmodel.Memory, error)
	BumpQuality(ctx context.Context, memoryUUID string, bonus float64) error
	NextInChain(ctx context.Context, chainID string, stepIndex int) (*kmodel.Memory, error)
}

// ProofStore is the slice of proofstore.Store this package calls.
type ProofStore interface {
	PutNonce(ctx context.Context, memoryUUID, nonce string) error
	Nonce(ctx context.Context, memoryUUID string) (string, bool, error)
	PutHash(ctx context.Context, memoryUUID, hash string) error
	Hash(ctx context.Context, memoryUUID string) (string, bool, error)
	ResetRetry(ctx context.Context, memoryUUID string) error
	IncrRetry(ctx context.Context, memoryUUID string) (int, error)
	RetryCount(ctx context.Context, memoryUUID string) (int, error)
	PutResult(ctx context.Context, memoryUUID string, record proofstore.ResultRecord) error
	Result(ctx context.Context, memoryUUID string) (proofstore.ResultRecord, bool, error)
}

// Engine binds a MemoryStore and ProofStore to execute begin/next/attest.
type Engine struct {
	Mem   MemoryStore
	Proof ProofStore
	Log   *slog.Logger
}

// Challenge is the {type, nonce, proof_hash, spec} tuple a caller must solve.
type Challenge struct {
	Type      kmodel.ProofType  `json:"type"`
	Nonce     string            `json:"nonce"`
	ProofHash string            `json:"proof_hash"`
	Spec      kmodel.ProofOfWork `json:"spec"`
}

// StepView is the public shape of a step returned alongside a challenge.
type StepView struct {
	URI     string           `json:"uri"`
	Content string           `json:"content"`
	Label   string           `json:"label"`
	Chain   *kmodel.ChainRef `json:"chain,omitempty"`
}

// StepRef names a step by URI only, used for next_step pointers.
type StepRef struct {
	URI string `json:"uri"`
}

// BeginResult is the response shape for kairos_begin.
type BeginResult struct {
	MustObey    bool       `json:"must_obey"`
	CurrentStep StepView   `json:"current_step"`
	Challenge   *Challenge `json:"challenge,omitempty"`
	NextAction  string     `json:"next_action"`
}

// NextResult is the response shape for kairos_next.
type NextResult struct {
	MustObey    bool       `json:"must_obey"`
	CurrentStep *StepView  `json:"current_step,omitempty"`
	Challenge   *Challenge `json:"challenge,omitempty"`
	NextStep    *StepRef   `json:"next_step,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	RetryCount  int        `json:"retry_count,omitempty"`
	Message     string     `json:"message,omitempty"`
	NextAction  string     `json:"next_action,omitempty"`
}

// AttestItem is one rated step from kairos_attest.
type AttestItem struct {
	URI          string    `json:"uri"`
	Outcome      string    `json:"outcome"`
	QualityBonus float64   `json:"quality_bonus"`
	Message      string    `json:"message"`
	RatedAt      time.Time `json:"rated_at"`
}

// AttestResult is the response shape for kairos_attest.
type AttestResult struct {
	Results     []AttestItem `json:"results"`
	TotalRated  int          `json:"total_rated"`
	TotalFailed int          `json:"total_failed"`
}

// Begin loads the step at uri and, if it carries a proof_of_work, issues
// its genesis challenge (spec §4.5.1).
func (e *Engine) Begin(ctx context.Context, uri string) (BeginResult, error) {
	m, err := e.load(ctx, uri)
	if err != nil {
		return BeginResult{}, err
	}

	step := StepView{URI: uri, Content: m.Text, Label: m.Label, Chain: m.Chain}

	if m.ProofOfWork == nil {
		return BeginResult{
			MustObey:    true,
			CurrentStep: step,
			NextAction:  "call kairos_next with " + uri,
		}, nil
	}

	challenge, err := e.issueChallenge(ctx, m.MemoryUUID, *m.ProofOfWork)
	if err != nil {
		return BeginResult{}, err
	}
	if err := e.Proof.ResetRetry(ctx, m.MemoryUUID); err != nil {
		return BeginResult{}, err
	}

	return BeginResult{
		MustObey:    true,
		CurrentStep: step,
		Challenge:   &challenge,
		NextAction:  "solve the challenge and call kairos_next",
	}, nil
}

// Next validates solution against the step at uri's predecessor-linked
// proof of work, advancing on success or re-challenging/circuit-breaking on
// failure (spec §4.5.2). When the linked proof is user_input and the
// caller advertises the elicitation capability, elicit performs the actual
// confirmation round-trip (spec §4.6) rather than trusting a
// caller-supplied solution outright.
func (e *Engine) Next(ctx context.Context, uri string, solution kmodel.Solution, hasElicitation bool, elicit elicitor.Caller) (NextResult, error) {
	m, err := e.load(ctx, uri)
	if err != nil {
		return NextResult{}, err
	}

	pred, err := e.Mem.Predecessor(ctx, m)
	if err != nil {
		return NextResult{}, err
	}
	// The continuity link is verified against the predecessor when one
	// exists, else against M itself (M is the head being resumed).
	linkUUID := m.MemoryUUID
	var linkSpec *kmodel.ProofOfWork
	if pred != nil {
		linkUUID = pred.MemoryUUID
		linkSpec = pred.ProofOfWork
	} else {
		linkSpec = m.ProofOfWork
	}

	storedNonce, ok, err := e.Proof.Nonce(ctx, linkUUID)
	if err != nil {
		return NextResult{}, err
	}
	if !ok || solution.Nonce != storedNonce {
		return e.retryOrOpen(ctx, m, linkUUID, uri, kerrors.NonceMismatch, "nonce mismatch or expired")
	}

	storedHash, ok, err := e.Proof.Hash(ctx, linkUUID)
	if err != nil {
		return NextResult{}, err
	}
	if !ok || solution.ProofHash != storedHash {
		return e.retryOrOpen(ctx, m, linkUUID, uri, kerrors.HashMismatch, "proof hash mismatch")
	}

	if linkSpec != nil {
		if linkSpec.Type == kmodel.ProofUserInput {
			if !hasElicitation {
				return NextResult{
					MustObey:   false,
					ErrorCode:  string(kerrors.CapabilityRequired),
					Message:    "client does not advertise the elicitation capability",
					NextAction: "call kairos_attest with outcome=failure",
				}, nil
			}
			prompt := ""
			if linkSpec.UserInput != nil {
				prompt = linkSpec.UserInput.Prompt
			}
			if elicit == nil {
				return NextResult{}, kerrors.New(kerrors.ElicitationFailed, "no elicitation caller wired for this request")
			}
			outcome, err := elicitor.Elicit(ctx, elicit, prompt)
			if err != nil {
				return NextResult{}, err
			}
			if outcome.Solution != nil {
				solution.UserInput = outcome.Solution
			} else if outcome.RetryStep {
				return e.retryOrOpen(ctx, m, linkUUID, uri, outcome.ErrorCode, "user declined the elicitation prompt")
			} else {
				return NextResult{
					MustObey:   false,
					ErrorCode:  string(outcome.ErrorCode),
					Message:    "user declined the elicitation prompt",
					NextAction: outcome.NextAction,
				}, nil
			}
		}
		if err := kmodel.Validate(*linkSpec, solution); err != nil {
			return e.retryOrOpen(ctx, m, linkUUID, uri, kerrors.ProofInvalid, err.Error())
		}
	}

	if err := e.Proof.PutResult(ctx, linkUUID, proofstore.ResultRecord{Outcome: "success", RatedAt: time.Now().UTC()}); err != nil {
		return NextResult{}, err
	}
	if err := e.Proof.ResetRetry(ctx, linkUUID); err != nil {
		return NextResult{}, err
	}

	step := StepView{URI: uri, Content: m.Text, Label: m.Label, Chain: m.Chain}
	result := NextResult{MustObey: true, CurrentStep: &step}

	if m.ProofOfWork != nil {
		challenge, err := e.issueChallenge(ctx, m.MemoryUUID, *m.ProofOfWork)
		if err != nil {
			return NextResult{}, err
		}
		result.Challenge = &challenge
	}
	if m.Chain != nil && !isLastStep(m.Chain) {
		next, err := e.Mem.NextInChain(ctx, m.Chain.ID, m.Chain.StepIndex+1)
		if err != nil {
			return NextResult{}, err
		}
		if next != nil {
			result.NextStep = &StepRef{URI: kairosid.URIString(next.MemoryUUID)}
		}
	}
	return result, nil
}

// Attest records outcome for uri (spec §4.5.3). Success bumps quality
// monotonically by qualityBonus; failure only records the message.
func (e *Engine) Attest(ctx context.Context, uri, outcome, message string, qualityBonus float64) (AttestResult, error) {
	m, err := e.load(ctx, uri)
	if err != nil {
		return AttestResult{}, err
	}

	ratedAt := time.Now().UTC()
	record := proofstore.ResultRecord{Outcome: outcome, Message: message, RatedAt: ratedAt}
	if err := e.Proof.PutResult(ctx, m.MemoryUUID, record); err != nil {
		return AttestResult{}, err
	}

	totalRated, totalFailed := 0, 0
	if outcome == "success" {
		totalRated = 1
		if qualityBonus > 0 {
			if err := e.Mem.BumpQuality(ctx, m.MemoryUUID, qualityBonus); err != nil {
				return AttestResult{}, err
			}
		}
	} else {
		totalFailed = 1
	}

	return AttestResult{
		Results: []AttestItem{{
			URI:          uri,
			Outcome:      outcome,
			QualityBonus: qualityBonus,
			Message:      message,
			RatedAt:      ratedAt,
		}},
		TotalRated:  totalRated,
		TotalFailed: totalFailed,
	}, nil
}

// load parses uri and fetches the memory it names, or NOT_FOUND/INVALID_URI.
func (e *Engine) load(ctx context.Context, uri string) (kmodel.Memory, error) {
	id, ok := kairosid.ParseURI(uri)
	if !ok {
		return kmodel.Memory{}, kerrors.New(kerrors.InvalidURI, "uri is not a valid kairos://mem/<uuid>")
	}
	m, ok, err := e.Mem.Get(ctx, id.String())
	if err != nil {
		return kmodel.Memory{}, err
	}
	if !ok {
		return kmodel.Memory{}, kerrors.New(kerrors.NotFound, "memory not found")
	}
	return m, nil
}

// retryOrOpen increments the retry counter of linkUUID (the step whose
// challenge was being answered, the same counter a successful Next resets)
// and re-issues a challenge for m when retry_count < MaxRetries, else trips
// the circuit with MAX_RETRIES_EXCEEDED (spec §4.5.2).
func (e *Engine) retryOrOpen(ctx context.Context, m kmodel.Memory, linkUUID, uri string, code kerrors.Code, message string) (NextResult, error) {
	n, err := e.Proof.IncrRetry(ctx, linkUUID)
	if err != nil {
		return NextResult{}, err
	}
	if n >= MaxRetries {
		return NextResult{
			MustObey:   false,
			ErrorCode:  string(kerrors.MaxRetriesExceeded),
			RetryCount: n,
			Message:    "retry budget exhausted",
			NextAction: "call kairos_attest with outcome=failure",
		}, nil
	}

	result := NextResult{
		MustObey:   true,
		ErrorCode:  string(code),
		RetryCount: n,
		Message:    message,
		NextAction: "solve the reissued challenge and call kairos_next",
	}
	if m.ProofOfWork != nil {
		challenge, cerr := e.issueChallenge(ctx, m.MemoryUUID, *m.ProofOfWork)
		if cerr != nil {
			return NextResult{}, cerr
		}
		result.Challenge = &challenge
	}
	return result, nil
}

// issueChallenge mints a fresh nonce, computes its proof hash, and persists
// both under memoryUUID (spec §4.5.1/§4.5.2 step 4: "advance").
func (e *Engine) issueChallenge(ctx context.Context, memoryUUID string, spec kmodel.ProofOfWork) (Challenge, error) {
	nonce, err := randomNonce()
	if err != nil {
		return Challenge{}, kerrors.Wrap(kerrors.Internal, "generate nonce", err)
	}
	hash := proofHash(nonce, spec)

	if err := e.Proof.PutNonce(ctx, memoryUUID, nonce); err != nil {
		return Challenge{}, err
	}
	if err := e.Proof.PutHash(ctx, memoryUUID, hash); err != nil {
		return Challenge{}, err
	}

	return Challenge{Type: spec.Type, Nonce: nonce, ProofHash: hash, Spec: spec}, nil
}

// randomNonce mints a 128-bit random value, hex-encoded.
func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// proofHash computes SHA256(nonce || ':' || canonical_proof_spec), the
// link value chaining every step back to the genesis (spec §4.5.1).
func proofHash(nonce string, spec kmodel.ProofOfWork) string {
	sum := sha256.Sum256([]byte(nonce + ":" + spec.Canonical()))
	return hex.EncodeToString(sum[:])
}

func isLastStep(c *kmodel.ChainRef) bool {
	return c.StepIndex >= c.StepCount
}
