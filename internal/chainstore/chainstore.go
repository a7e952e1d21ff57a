// Package chainstore implements the mint write path: duplicate detection,
// transactional chain replace, and quality-metadata attachment described
// in spec §4.5. Grounded on engine/ingest's pipeline shape (validate →
// transform → embed → persist) generalized from scraped-post chunks to
// markdown chain sections.
package chainstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/debian777/kairos-mcp-sub003/internal/cachebus"
	"github.com/debian777/kairos-mcp-sub003/internal/kairosid"
	"github.com/debian777/kairos-mcp-sub003/internal/kerrors"
	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
	"github.com/debian777/kairos-mcp-sub003/internal/proofspec"
	"github.com/debian777/kairos-mcp-sub003/internal/qualityscore"
	"github.com/debian777/kairos-mcp-sub003/internal/slicer"
	"github.com/debian777/kairos-mcp-sub003/internal/vectorstore"
	"github.com/debian777/kairos-mcp-sub003/pkg/fn"
)

// VectorStore is the slice of vectorstore.Store this package calls.
type VectorStore interface {
	Scroll(ctx context.Context, params vectorstore.ScrollParams) (vectorstore.ScrollPage, error)
	Upsert(ctx context.Context, points []vectorstore.Point) error
	DeleteByFilter(ctx context.Context, filter vectorstore.Filter) error
	DeleteByIDs(ctx context.Context, ids []string) error
	Retrieve(ctx context.Context, ids []string) ([]vectorstore.Point, error)
	Search(ctx context.Context, params vectorstore.SearchParams) ([]vectorstore.SearchHit, error)
}

// Embedder is the slice of embedclient.Client this package calls.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, bool)
	Dimension() int
}

// SimilarityThreshold gates the optional SIMILAR_MEMORY_FOUND pre-check
// (spec §9), cosine similarity against the nearest existing chain head.
const SimilarityThreshold = 0.92

// Store binds a VectorStore and Embedder to implement the mint write path.
type Store struct {
	VS                     VectorStore
	Embed                  Embedder
	Cache                  *cachebus.Bus
	SpaceID                string
	Log                    *slog.Logger
	DisableSimilarityGuard bool
}

// MintedItem is one stored step returned from Mint.
type MintedItem struct {
	URI        string
	MemoryUUID string
	Label      string
	Tags       []string
}

// DuplicateItem names one existing point in a chain that collided on mint.
type DuplicateItem struct {
	Label string `json:"label"`
	URI   string `json:"uri"`
}

// Mint slices markdown into a chain, checks duplicate/similarity guards,
// embeds, and upserts. forceUpdate replaces an existing chain with the
// same chain.id instead of failing with DUPLICATE_CHAIN.
func (s *Store) Mint(ctx context.Context, markdown, llmModelID string, forceUpdate bool) ([]MintedItem, error) {
	sliced := slicer.Slice(markdown)
	now := time.Now().UTC()

	chainID := ""
	var chainRefFor func(stepIndex int) *kmodel.ChainRef
	if sliced.ChainLabel != "" {
		id := kairosid.ChainID(sliced.ChainLabel)
		chainID = id.String()
		stepCount := len(sliced.Sections)
		chainRefFor = func(stepIndex int) *kmodel.ChainRef {
			return &kmodel.ChainRef{ID: chainID, Label: kairosid.NormalizeLabel(sliced.ChainLabel), StepIndex: stepIndex, StepCount: stepCount}
		}

		existing, err := s.VS.Scroll(ctx, vectorstore.ScrollParams{
			Filter:      vectorstore.Filter{Must: []vectorstore.Condition{vectorstore.Eq("chain.id", chainID)}},
			Limit:       1000,
			WithPayload: true,
		})
		if err != nil {
			return nil, kerrors.Wrap(kerrors.StoreFailed, "scroll for duplicate chain", err)
		}
		if len(existing.Points) > 0 {
			if !forceUpdate {
				items := make([]DuplicateItem, 0, len(existing.Points))
				for _, p := range existing.Points {
					label, _ := p.Payload["label"].(string)
					items = append(items, DuplicateItem{Label: label, URI: kairosid.URIString(p.ID)})
				}
				return nil, kerrors.Wrap(kerrors.DuplicateChain, "chain already exists", DuplicateDetail{ChainID: chainID, Items: items})
			}
			if err := s.VS.DeleteByFilter(ctx, vectorstore.Filter{Must: []vectorstore.Condition{vectorstore.Eq("chain.id", chainID)}}); err != nil {
				return nil, kerrors.Wrap(kerrors.StoreFailed, "delete existing chain for force_update", err)
			}
		}
	}

	if !s.DisableSimilarityGuard && !forceUpdate {
		if match, ok, err := s.checkSimilarHead(ctx, sliced.ChainLabel); err == nil && ok {
			existingURI := kairosid.URIString(match.ID)
			return nil, kerrors.Wrap(kerrors.SimilarMemoryFound, "a highly similar protocol already exists", SimilarMatch{
				ExistingMemory:  existingURI,
				SimilarityScore: float64(match.Score),
				NextAction:      fmt.Sprintf("call kairos_begin with uri=%s", existingURI),
			})
		}
	}

	texts := make([]string, len(sliced.Sections))
	memories := make([]kmodel.Memory, len(sliced.Sections))
	for i, sec := range sliced.Sections {
		label := slicer.DeriveLabel(sec.Heading, sec.Body)
		tags := slicer.DeriveTags(label, sec.Body)
		task := classifyTask(label, sec.Body, tags)
		typ := classifyType(sec.Body, tags)

		var pow *kmodel.ProofOfWork
		if spec, ok := proofspec.Find(sec.Body); ok {
			pow = &spec
		}

		var chainRef *kmodel.ChainRef
		if chainRefFor != nil {
			chainRef = chainRefFor(i + 1)
		}

		stepID := kairosid.NewStepID().String()
		memories[i] = kmodel.Memory{
			MemoryUUID:  stepID,
			Label:       label,
			Tags:        tags,
			Text:        sec.Body,
			LLMModelID:  llmModelID,
			CreatedAt:   now,
			Chain:       chainRef,
			ProofOfWork: pow,
			SpaceID:     s.SpaceID,
			Task:        task,
			Type:        typ,
			Quality:     qualityscore.Score(label, "general", task, typ, tags),
		}
		texts[i] = label + "\n" + sec.Body
	}

	items := make([]MintedItem, len(memories))
	for i, m := range memories {
		items[i] = MintedItem{
			URI:        kairosid.URIString(m.MemoryUUID),
			MemoryUUID: m.MemoryUUID,
			Label:      m.Label,
			Tags:       m.Tags,
		}
	}

	result := s.mintPipeline()(ctx, mintSlice{texts: texts, memories: memories})
	if _, err := result.Unwrap(); err != nil {
		return nil, err
	}

	if chainID != "" {
		s.Cache.PublishInvalidation(ctx, chainID)
	}

	return items, nil
}

// mintSlice is the embed→upsert pipeline's input: the section texts to
// embed and the memories those vectors attach to.
type mintSlice struct {
	texts    []string
	memories []kmodel.Memory
}

// mintPipeline traces the slice→embed→upsert sequence as two OTel-spanned
// stages chained with fn.Then, embed's zero-vector degrade-open fallback
// surfacing as a log rather than a pipeline error.
func (s *Store) mintPipeline() fn.Stage[mintSlice, []vectorstore.Point] {
	embed := fn.TracedStage("chainstore.mint.embed", fn.Stage[mintSlice, []vectorstore.Point](func(ctx context.Context, in mintSlice) fn.Result[[]vectorstore.Point] {
		vectors, ok := s.Embed.EmbedBatch(ctx, in.texts)
		if !ok && s.Log != nil {
			s.Log.Warn("embedding degraded to zero vectors", "count", len(in.texts))
		}
		points := make([]vectorstore.Point, len(in.memories))
		for i, m := range in.memories {
			points[i] = vectorstore.Point{ID: m.MemoryUUID, Vector: vectors[i], Payload: toPayload(m)}
		}
		return fn.Ok(points)
	}))
	upsert := fn.TracedStage("chainstore.mint.upsert", fn.Stage[[]vectorstore.Point, []vectorstore.Point](func(ctx context.Context, points []vectorstore.Point) fn.Result[[]vectorstore.Point] {
		if err := s.VS.Upsert(ctx, points); err != nil {
			return fn.Err[[]vectorstore.Point](kerrors.Wrap(kerrors.StoreFailed, "upsert minted points", err))
		}
		return fn.Ok(points)
	}))
	return fn.Then(embed, upsert)
}

type DuplicateDetail struct {
	ChainID string          `json:"chain_id"`
	Items   []DuplicateItem `json:"items"`
}

func (d DuplicateDetail) Error() string {
	return fmt.Sprintf("chain_id=%s items=%d", d.ChainID, len(d.Items))
}

// SimilarMatch is the detail carried by a SIMILAR_MEMORY_FOUND error: the
// nearest existing chain head, how close it scored, and the redirect the
// caller should follow instead of minting a near-duplicate.
type SimilarMatch struct {
	ExistingMemory string  `json:"existing_memory"`
	SimilarityScore float64 `json:"similarity_score"`
	NextAction     string  `json:"next_action"`
}

func (m SimilarMatch) Error() string {
	return fmt.Sprintf("existing_memory=%s score=%.4f", m.ExistingMemory, m.SimilarityScore)
}

// checkSimilarHead embeds chainLabel and searches existing chain heads
// (step_index 1) for a near-duplicate above SimilarityThreshold. When the
// markdown has no H1 (chainLabel is empty) it reports no match without
// searching.
func (s *Store) checkSimilarHead(ctx context.Context, chainLabel string) (vectorstore.SearchHit, bool, error) {
	if chainLabel == "" {
		return vectorstore.SearchHit{}, false, nil
	}
	vectors, ok := s.Embed.EmbedBatch(ctx, []string{chainLabel})
	if !ok || len(vectors) == 0 {
		return vectorstore.SearchHit{}, false, nil
	}
	hits, err := s.VS.Search(ctx, vectorstore.SearchParams{
		Vector: vectors[0],
		Limit:  1,
		Filter: vectorstore.Filter{Must: []vectorstore.Condition{vectorstore.EqInt("chain.step_index", 1)}},
	})
	if err != nil {
		return vectorstore.SearchHit{}, false, err
	}
	if len(hits) == 0 || hits[0].Score < SimilarityThreshold {
		return vectorstore.SearchHit{}, false, nil
	}
	return hits[0], true, nil
}

func toPayload(m kmodel.Memory) map[string]any {
	payload := map[string]any{
		"label":        m.Label,
		"tags":         m.Tags,
		"text":         m.Text,
		"llm_model_id": m.LLMModelID,
		"created_at":   m.CreatedAt.Format(time.RFC3339),
		"task":         m.Task,
		"type":         m.Type,
		"space_id":     m.SpaceID,
		"quality_metadata": map[string]any{
			"step_quality_score": m.Quality.StepQualityScore,
			"step_quality":       m.Quality.StepQuality,
		},
	}
	if m.Chain != nil {
		payload["chain"] = map[string]any{
			"id":         m.Chain.ID,
			"label":      m.Chain.Label,
			"step_index": m.Chain.StepIndex,
			"step_count": m.Chain.StepCount,
		}
	}
	if m.ProofOfWork != nil {
		payload["proof_of_work"] = m.ProofOfWork
	}
	return payload
}

