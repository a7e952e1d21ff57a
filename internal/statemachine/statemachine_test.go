package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/debian777/kairos-mcp-sub003/internal/elicitor"
	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
	"github.com/debian777/kairos-mcp-sub003/internal/proofstore"
)

var errTransport = errors.New("elicitation transport failure")

type fakeMem struct {
	byUUID map[string]kmodel.Memory
	preds  map[string]*kmodel.Memory
	bumps  map[string]float64
}

func newFakeMem() *fakeMem {
	return &fakeMem{byUUID: map[string]kmodel.Memory{}, preds: map[string]*kmodel.Memory{}, bumps: map[string]float64{}}
}

func (f *fakeMem) Get(ctx context.Context, memoryUUID string) (kmodel.Memory, bool, error) {
	m, ok := f.byUUID[memoryUUID]
	return m, ok, nil
}

func (f *fakeMem) Predecessor(ctx context.Context, m kmodel.Memory) (*kmodel.Memory, error) {
	return f.preds[m.MemoryUUID], nil
}

func (f *fakeMem) BumpQuality(ctx context.Context, memoryUUID string, bonus float64) error {
	f.bumps[memoryUUID] += bonus
	return nil
}

func (f *fakeMem) NextInChain(ctx context.Context, chainID string, stepIndex int) (*kmodel.Memory, error) {
	for _, m := range f.byUUID {
		if m.Chain != nil && m.Chain.ID == chainID && m.Chain.StepIndex == stepIndex {
			mem := m
			return &mem, nil
		}
	}
	return nil, nil
}

type fakeProof struct {
	nonce  map[string]string
	hash   map[string]string
	retry  map[string]int
	result map[string]proofstore.ResultRecord
}

func newFakeProof() *fakeProof {
	return &fakeProof{nonce: map[string]string{}, hash: map[string]string{}, retry: map[string]int{}, result: map[string]proofstore.ResultRecord{}}
}

func (f *fakeProof) PutNonce(ctx context.Context, memoryUUID, nonce string) error {
	f.nonce[memoryUUID] = nonce
	return nil
}
func (f *fakeProof) Nonce(ctx context.Context, memoryUUID string) (string, bool, error) {
	v, ok := f.nonce[memoryUUID]
	return v, ok, nil
}
func (f *fakeProof) PutHash(ctx context.Context, memoryUUID, hash string) error {
	f.hash[memoryUUID] = hash
	return nil
}
func (f *fakeProof) Hash(ctx context.Context, memoryUUID string) (string, bool, error) {
	v, ok := f.hash[memoryUUID]
	return v, ok, nil
}
func (f *fakeProof) ResetRetry(ctx context.Context, memoryUUID string) error {
	f.retry[memoryUUID] = 0
	return nil
}
func (f *fakeProof) IncrRetry(ctx context.Context, memoryUUID string) (int, error) {
	f.retry[memoryUUID]++
	return f.retry[memoryUUID], nil
}
func (f *fakeProof) RetryCount(ctx context.Context, memoryUUID string) (int, error) {
	return f.retry[memoryUUID], nil
}
func (f *fakeProof) PutResult(ctx context.Context, memoryUUID string, record proofstore.ResultRecord) error {
	f.result[memoryUUID] = record
	return nil
}
func (f *fakeProof) Result(ctx context.Context, memoryUUID string) (proofstore.ResultRecord, bool, error) {
	v, ok := f.result[memoryUUID]
	return v, ok, nil
}

func uri(id string) string { return "kairos://mem/" + id }

const (
	uuid1 = "11111111-1111-4111-8111-111111111111"
	uuid2 = "22222222-2222-4222-8222-222222222222"
)

func TestBeginNoProofOfWorkReturnsDirectly(t *testing.T) {
	mem := newFakeMem()
	mem.byUUID[uuid1] = kmodel.Memory{MemoryUUID: uuid1, Label: "Step"}
	e := &Engine{Mem: mem, Proof: newFakeProof()}

	res, err := e.Begin(context.Background(), uri(uuid1))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !res.MustObey || res.Challenge != nil {
		t.Fatalf("expected no challenge for pow-less step: %+v", res)
	}
}

func TestBeginIssuesShellChallenge(t *testing.T) {
	mem := newFakeMem()
	pow := kmodel.ProofOfWork{Type: kmodel.ProofShell, Shell: &kmodel.ShellChallenge{Cmd: "echo ok", TimeoutSeconds: 5}}
	mem.byUUID[uuid1] = kmodel.Memory{MemoryUUID: uuid1, Label: "Step", ProofOfWork: &pow}
	proof := newFakeProof()
	e := &Engine{Mem: mem, Proof: proof}

	res, err := e.Begin(context.Background(), uri(uuid1))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if res.Challenge == nil || res.Challenge.Type != kmodel.ProofShell || res.Challenge.Nonce == "" || res.Challenge.ProofHash == "" {
		t.Fatalf("expected shell challenge, got %+v", res.Challenge)
	}
	if proof.nonce[uuid1] != res.Challenge.Nonce {
		t.Fatal("expected nonce persisted under memory uuid")
	}
}

func TestBeginNotFound(t *testing.T) {
	e := &Engine{Mem: newFakeMem(), Proof: newFakeProof()}
	_, err := e.Begin(context.Background(), uri(uuid1))
	if err == nil {
		t.Fatal("expected not found error")
	}
}

func TestBeginInvalidURI(t *testing.T) {
	e := &Engine{Mem: newFakeMem(), Proof: newFakeProof()}
	_, err := e.Begin(context.Background(), "not-a-uri")
	if err == nil {
		t.Fatal("expected invalid uri error")
	}
}

func setupHeadChallenge(t *testing.T) (*Engine, *fakeMem, *fakeProof, string) {
	t.Helper()
	mem := newFakeMem()
	pow := kmodel.ProofOfWork{Type: kmodel.ProofShell, Shell: &kmodel.ShellChallenge{Cmd: "echo ok", TimeoutSeconds: 5}}
	mem.byUUID[uuid1] = kmodel.Memory{
		MemoryUUID:  uuid1,
		Label:       "Step One",
		ProofOfWork: &pow,
		Chain:       &kmodel.ChainRef{ID: "chain-1", Label: "Deploy", StepIndex: 1, StepCount: 2},
	}
	mem.byUUID[uuid2] = kmodel.Memory{
		MemoryUUID: uuid2,
		Label:      "Step Two",
		Chain:      &kmodel.ChainRef{ID: "chain-1", Label: "Deploy", StepIndex: 2, StepCount: 2},
	}
	mem.preds[uuid2] = ptr(mem.byUUID[uuid1])
	proof := newFakeProof()
	e := &Engine{Mem: mem, Proof: proof}

	begin, err := e.Begin(context.Background(), uri(uuid1))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return e, mem, proof, begin.Challenge.Nonce
}

func ptr(m kmodel.Memory) *kmodel.Memory { return &m }

func TestNextAdvancesOnValidSolution(t *testing.T) {
	e, _, proof, nonce := setupHeadChallenge(t)
	hash := proof.hash[uuid1]

	sol := kmodel.Solution{Nonce: nonce, ProofHash: hash, Shell: &kmodel.ShellSolution{ExitCode: 0, Stdout: "ok"}}
	res, err := e.Next(context.Background(), uri(uuid2), sol, false, nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !res.MustObey || res.ErrorCode != "" {
		t.Fatalf("expected advance, got %+v", res)
	}
	if proof.retry[uuid1] != 0 {
		t.Fatalf("expected retry reset, got %d", proof.retry[uuid1])
	}
}

func TestNextNonceMismatchRetries(t *testing.T) {
	e, _, proof, _ := setupHeadChallenge(t)

	sol := kmodel.Solution{Nonce: "wrong", ProofHash: proof.hash[uuid1], Shell: &kmodel.ShellSolution{ExitCode: 0}}
	res, err := e.Next(context.Background(), uri(uuid2), sol, false, nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if res.ErrorCode != "NONCE_MISMATCH" || !res.MustObey {
		t.Fatalf("expected nonce mismatch retry, got %+v", res)
	}
	if res.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", res.RetryCount)
	}
}

func TestNextCircuitOpensAfterMaxRetries(t *testing.T) {
	e, _, _, _ := setupHeadChallenge(t)

	var last NextResult
	for i := 0; i < MaxRetries; i++ {
		var err error
		last, err = e.Next(context.Background(), uri(uuid2), kmodel.Solution{Nonce: "wrong"}, false, nil)
		if err != nil {
			t.Fatalf("Next iteration %d: %v", i, err)
		}
	}
	if last.MustObey {
		t.Fatalf("expected must_obey false after %d retries, got %+v", MaxRetries, last)
	}
	if last.ErrorCode != "MAX_RETRIES_EXCEEDED" {
		t.Fatalf("expected MAX_RETRIES_EXCEEDED, got %s", last.ErrorCode)
	}
}

func TestNextUserInputWithoutElicitationCapability(t *testing.T) {
	mem := newFakeMem()
	pow := kmodel.ProofOfWork{Type: kmodel.ProofUserInput, UserInput: &kmodel.UserInputChallenge{Prompt: "confirm?"}}
	mem.byUUID[uuid1] = kmodel.Memory{MemoryUUID: uuid1, Label: "Head", ProofOfWork: &pow, Chain: &kmodel.ChainRef{ID: "c", StepIndex: 1, StepCount: 2}}
	mem.byUUID[uuid2] = kmodel.Memory{MemoryUUID: uuid2, Label: "Second", Chain: &kmodel.ChainRef{ID: "c", StepIndex: 2, StepCount: 2}}
	mem.preds[uuid2] = ptr(mem.byUUID[uuid1])
	proof := newFakeProof()
	e := &Engine{Mem: mem, Proof: proof}

	begin, err := e.Begin(context.Background(), uri(uuid1))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	sol := kmodel.Solution{Nonce: begin.Challenge.Nonce, ProofHash: proof.hash[uuid1], UserInput: &kmodel.UserInputSolution{Confirmation: "approved"}}
	res, err := e.Next(context.Background(), uri(uuid2), sol, false, nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if res.MustObey {
		t.Fatal("expected must_obey false without elicitation capability")
	}
	if res.ErrorCode != "CAPABILITY_REQUIRED" {
		t.Fatalf("expected CAPABILITY_REQUIRED, got %s", res.ErrorCode)
	}
}

func setupUserInputHead(t *testing.T) (*Engine, *fakeProof, string) {
	t.Helper()
	mem := newFakeMem()
	pow := kmodel.ProofOfWork{Type: kmodel.ProofUserInput, UserInput: &kmodel.UserInputChallenge{Prompt: "confirm?"}}
	mem.byUUID[uuid1] = kmodel.Memory{MemoryUUID: uuid1, Label: "Head", ProofOfWork: &pow, Chain: &kmodel.ChainRef{ID: "c", StepIndex: 1, StepCount: 2}}
	mem.byUUID[uuid2] = kmodel.Memory{MemoryUUID: uuid2, Label: "Second", Chain: &kmodel.ChainRef{ID: "c", StepIndex: 2, StepCount: 2}}
	mem.preds[uuid2] = ptr(mem.byUUID[uuid1])
	proof := newFakeProof()
	e := &Engine{Mem: mem, Proof: proof}

	begin, err := e.Begin(context.Background(), uri(uuid1))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return e, proof, begin.Challenge.Nonce
}

func TestNextElicitsAndAdvancesOnApprove(t *testing.T) {
	e, proof, nonce := setupUserInputHead(t)
	sol := kmodel.Solution{Nonce: nonce, ProofHash: proof.hash[uuid1]}

	caller := func(ctx context.Context, p elicitor.Prompt) (elicitor.Reply, error) {
		if p.Message != "confirm?" {
			t.Fatalf("expected prompt message %q, got %q", "confirm?", p.Message)
		}
		return elicitor.ReplyApprove, nil
	}

	res, err := e.Next(context.Background(), uri(uuid2), sol, true, caller)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !res.MustObey || res.ErrorCode != "" {
		t.Fatalf("expected advance on approve, got %+v", res)
	}
}

func TestNextElicitationDeclineRetries(t *testing.T) {
	e, proof, nonce := setupUserInputHead(t)
	sol := kmodel.Solution{Nonce: nonce, ProofHash: proof.hash[uuid1]}

	caller := func(ctx context.Context, p elicitor.Prompt) (elicitor.Reply, error) {
		return elicitor.ReplyDecline, nil
	}

	res, err := e.Next(context.Background(), uri(uuid2), sol, true, caller)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !res.MustObey || res.ErrorCode != "USER_DECLINED" {
		t.Fatalf("expected retry on decline, got %+v", res)
	}
	if proof.retry[uuid1] != 1 {
		t.Fatalf("expected retry_count bumped to 1, got %d", proof.retry[uuid1])
	}
}

func TestNextElicitationAbortIsTerminal(t *testing.T) {
	e, proof, nonce := setupUserInputHead(t)
	sol := kmodel.Solution{Nonce: nonce, ProofHash: proof.hash[uuid1]}

	caller := func(ctx context.Context, p elicitor.Prompt) (elicitor.Reply, error) {
		return elicitor.ReplyAbort, nil
	}

	res, err := e.Next(context.Background(), uri(uuid2), sol, true, caller)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if res.MustObey || res.ErrorCode != "USER_DECLINED" {
		t.Fatalf("expected terminal decline, got %+v", res)
	}
	if res.NextAction != "call kairos_attest with outcome=failure" {
		t.Fatalf("unexpected next_action: %s", res.NextAction)
	}
	if proof.retry[uuid1] != 0 {
		t.Fatalf("expected retry budget untouched on abort, got %d", proof.retry[uuid1])
	}
}

func TestNextElicitationRoundTripFailure(t *testing.T) {
	e, proof, nonce := setupUserInputHead(t)
	sol := kmodel.Solution{Nonce: nonce, ProofHash: proof.hash[uuid1]}

	caller := func(ctx context.Context, p elicitor.Prompt) (elicitor.Reply, error) {
		return "", errTransport
	}

	_, err := e.Next(context.Background(), uri(uuid2), sol, true, caller)
	if err == nil {
		t.Fatal("expected error from failed elicitation round-trip")
	}
}

func TestAttestSuccessBumpsQuality(t *testing.T) {
	mem := newFakeMem()
	mem.byUUID[uuid1] = kmodel.Memory{MemoryUUID: uuid1, Label: "Step"}
	proof := newFakeProof()
	e := &Engine{Mem: mem, Proof: proof}

	res, err := e.Attest(context.Background(), uri(uuid1), "success", "looks good", 0.1)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if res.TotalRated != 1 || res.TotalFailed != 0 {
		t.Fatalf("unexpected totals: %+v", res)
	}
	if mem.bumps[uuid1] != 0.1 {
		t.Fatalf("expected quality bump recorded, got %f", mem.bumps[uuid1])
	}
}

func TestAttestFailureDoesNotBumpQuality(t *testing.T) {
	mem := newFakeMem()
	mem.byUUID[uuid1] = kmodel.Memory{MemoryUUID: uuid1, Label: "Step"}
	e := &Engine{Mem: mem, Proof: newFakeProof()}

	res, err := e.Attest(context.Background(), uri(uuid1), "failure", "nope", 0)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if res.TotalFailed != 1 || res.TotalRated != 0 {
		t.Fatalf("unexpected totals: %+v", res)
	}
	if mem.bumps[uuid1] != 0 {
		t.Fatal("expected no quality bump on failure")
	}
}
