package chainstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/debian777/kairos-mcp-sub003/internal/kerrors"
	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
	"github.com/debian777/kairos-mcp-sub003/internal/qualityscore"
	"github.com/debian777/kairos-mcp-sub003/internal/vectorstore"
)

// Get loads one Memory by its URI's UUID.
func (s *Store) Get(ctx context.Context, memoryUUID string) (kmodel.Memory, bool, error) {
	points, err := s.VS.Retrieve(ctx, []string{memoryUUID})
	if err != nil {
		return kmodel.Memory{}, false, kerrors.Wrap(kerrors.StoreFailed, "retrieve memory", err)
	}
	if len(points) == 0 {
		return kmodel.Memory{}, false, nil
	}
	return fromPayload(points[0]), true, nil
}

// Predecessor returns m's predecessor within its chain (step_index-1), or
// nil if m is the head or carries no chain reference.
func (s *Store) Predecessor(ctx context.Context, m kmodel.Memory) (*kmodel.Memory, error) {
	if m.Chain == nil || m.Chain.IsHead() {
		return nil, nil
	}
	page, err := s.VS.Scroll(ctx, vectorstore.ScrollParams{
		Filter:      vectorstore.Filter{Must: []vectorstore.Condition{vectorstore.Eq("chain.id", m.Chain.ID)}},
		Limit:       1000,
		WithPayload: true,
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.StoreFailed, "scroll chain for predecessor", err)
	}
	for _, p := range page.Points {
		mem := fromPayload(p)
		if mem.Chain != nil && mem.Chain.StepIndex == m.Chain.StepIndex-1 {
			return &mem, nil
		}
	}
	return nil, nil
}

// NextInChain returns the memory at stepIndex within chainID, or nil if no
// such step exists (M is the last step).
func (s *Store) NextInChain(ctx context.Context, chainID string, stepIndex int) (*kmodel.Memory, error) {
	points, err := s.ChainPoints(ctx, chainID)
	if err != nil {
		return nil, err
	}
	for _, m := range points {
		if m.Chain != nil && m.Chain.StepIndex == stepIndex {
			mem := m
			return &mem, nil
		}
	}
	return nil, nil
}

// ChainPoints returns every point sharing chainID, unsorted.
func (s *Store) ChainPoints(ctx context.Context, chainID string) ([]kmodel.Memory, error) {
	page, err := s.VS.Scroll(ctx, vectorstore.ScrollParams{
		Filter:      vectorstore.Filter{Must: []vectorstore.Condition{vectorstore.Eq("chain.id", chainID)}},
		Limit:       1000,
		WithPayload: true,
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.StoreFailed, "scroll chain", err)
	}
	out := make([]kmodel.Memory, len(page.Points))
	for i, p := range page.Points {
		out[i] = fromPayload(p)
	}
	return out, nil
}

// UpdateText replaces memoryUUID's text in place, re-deriving nothing else;
// callers that need re-slicing or re-tagging should mint instead.
func (s *Store) UpdateText(ctx context.Context, memoryUUID, text string) error {
	points, err := s.VS.Retrieve(ctx, []string{memoryUUID})
	if err != nil {
		return kerrors.Wrap(kerrors.StoreFailed, "retrieve memory for update", err)
	}
	if len(points) == 0 {
		return kerrors.New(kerrors.NotFound, "memory not found")
	}
	m := fromPayload(points[0])
	m.Text = text

	vectors, ok := s.Embed.EmbedBatch(ctx, []string{m.Label + "\n" + m.Text})
	if !ok && s.Log != nil {
		s.Log.Warn("update embedding degraded to zero vector", "memory_uuid", memoryUUID)
	}
	if err := s.VS.Upsert(ctx, []vectorstore.Point{{ID: memoryUUID, Vector: vectors[0], Payload: toPayload(m)}}); err != nil {
		return kerrors.Wrap(kerrors.StoreFailed, "upsert updated memory", err)
	}
	if m.Chain != nil {
		s.Cache.PublishInvalidation(ctx, m.Chain.ID)
	}
	return nil
}

// BumpQuality monotonically raises memoryUUID's quality_metadata by bonus
// (spec §4.5.3: successful attestation never decreases quality) and
// re-upserts. Re-embeds from the unchanged label/text since retrieve does
// not carry the stored vector back.
func (s *Store) BumpQuality(ctx context.Context, memoryUUID string, bonus float64) error {
	if bonus <= 0 {
		return nil
	}
	points, err := s.VS.Retrieve(ctx, []string{memoryUUID})
	if err != nil {
		return kerrors.Wrap(kerrors.StoreFailed, "retrieve memory for quality bump", err)
	}
	if len(points) == 0 {
		return kerrors.New(kerrors.NotFound, "memory not found")
	}
	m := fromPayload(points[0])
	m.Quality = qualityscore.Bump(m.Quality, bonus)

	vectors, ok := s.Embed.EmbedBatch(ctx, []string{m.Label + "\n" + m.Text})
	if !ok && s.Log != nil {
		s.Log.Warn("quality bump embedding degraded to zero vector", "memory_uuid", memoryUUID)
	}
	if err := s.VS.Upsert(ctx, []vectorstore.Point{{ID: memoryUUID, Vector: vectors[0], Payload: toPayload(m)}}); err != nil {
		return kerrors.Wrap(kerrors.StoreFailed, "upsert quality bump", err)
	}
	return nil
}

// Delete removes the given memory UUIDs by id.
func (s *Store) Delete(ctx context.Context, memoryUUIDs []string) error {
	if err := s.VS.DeleteByIDs(ctx, memoryUUIDs); err != nil {
		return kerrors.Wrap(kerrors.StoreFailed, "delete memories", err)
	}
	return nil
}

func fromPayload(p vectorstore.Point) kmodel.Memory {
	m := kmodel.Memory{MemoryUUID: p.ID}
	if v, ok := p.Payload["label"].(string); ok {
		m.Label = v
	}
	if v, ok := p.Payload["tags"].([]any); ok {
		m.Tags = toStringSlice(v)
	} else if v, ok := p.Payload["tags"].([]string); ok {
		m.Tags = v
	}
	if v, ok := p.Payload["text"].(string); ok {
		m.Text = v
	}
	if v, ok := p.Payload["llm_model_id"].(string); ok {
		m.LLMModelID = v
	}
	if v, ok := p.Payload["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			m.CreatedAt = t
		}
	}
	if v, ok := p.Payload["task"].(string); ok {
		m.Task = v
	}
	if v, ok := p.Payload["type"].(string); ok {
		m.Type = v
	}
	if v, ok := p.Payload["space_id"].(string); ok {
		m.SpaceID = v
	}
	if v, ok := p.Payload["quality_metadata"].(map[string]any); ok {
		m.Quality = qualityFromMap(v)
	}
	if v, ok := p.Payload["chain"].(map[string]any); ok {
		m.Chain = chainFromMap(v)
	}
	if v, ok := p.Payload["proof_of_work"]; ok && v != nil {
		if pow, ok := powFromAny(v); ok {
			m.ProofOfWork = pow
		}
	}
	return m
}

func toStringSlice(v []any) []string {
	out := make([]string, 0, len(v))
	for _, item := range v {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func qualityFromMap(v map[string]any) kmodel.QualityMetadata {
	q := kmodel.QualityMetadata{}
	if score, ok := v["step_quality_score"].(float64); ok {
		q.StepQualityScore = score
	}
	if tier, ok := v["step_quality"].(string); ok {
		q.StepQuality = tier
	}
	return q
}

func chainFromMap(v map[string]any) *kmodel.ChainRef {
	c := &kmodel.ChainRef{}
	if id, ok := v["id"].(string); ok {
		c.ID = id
	}
	if label, ok := v["label"].(string); ok {
		c.Label = label
	}
	c.StepIndex = intFromAny(v["step_index"])
	c.StepCount = intFromAny(v["step_count"])
	return c
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// powFromAny decodes a proof_of_work payload value (decoded generically by
// vectorstore's Qdrant struct round-trip) back into a typed ProofOfWork by
// re-encoding to JSON and unmarshaling into the concrete type.
func powFromAny(v any) (*kmodel.ProofOfWork, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var pow kmodel.ProofOfWork
	if err := json.Unmarshal(raw, &pow); err != nil {
		return nil, false
	}
	return &pow, true
}
