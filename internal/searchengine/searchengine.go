// Package searchengine implements the search-and-offer decision flow:
// embed the query, rank existing chains, and shape a must_obey response
// that never asks the server to pick silently (spec §4.7). Grounded on
// chainstore's own payload-decoding helpers, narrowed to just the chain
// linkage a ranking needs.
package searchengine

import (
	"context"
	"sort"

	"github.com/debian777/kairos-mcp-sub003/internal/kairosid"
	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
	"github.com/debian777/kairos-mcp-sub003/internal/vectorstore"
	"github.com/debian777/kairos-mcp-sub003/pkg/fn"
)

// Default score thresholds (spec §6 SCORE_THRESHOLD/MATCH_THRESHOLD envs).
const (
	DefaultMatchThreshold  = 0.95
	DefaultRefineThreshold = 0.7

	searchLimit = 15
)

const (
	RoleMatch  = "match"
	RoleRefine = "refine"
	RoleCreate = "create"
)

// VectorStore is the slice of vectorstore.Store this package calls.
type VectorStore interface {
	Search(ctx context.Context, params vectorstore.SearchParams) ([]vectorstore.SearchHit, error)
}

// Embedder is the slice of embedclient.Client this package calls.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, bool)
}

// Engine binds a VectorStore and Embedder to rank existing chains for a query.
type Engine struct {
	VS              VectorStore
	Embed           Embedder
	SpaceID         string
	MatchThreshold  float64
	RefineThreshold float64
}

// Choice is one offered path: mint a new protocol, match an existing one
// exactly, or refine a close one.
type Choice struct {
	Role       string  `json:"role"`
	URI        string  `json:"uri,omitempty"`
	Label      string  `json:"label,omitempty"`
	ChainLabel string  `json:"chain_label,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Message    string  `json:"message"`
}

// Result is the response shape for kairos_search (spec §4.7 invariants:
// must_obey always true, message/next_action always strings, choices
// non-empty, no top-level error/score/results/protocol_status/best_match/
// suggestion/hint/start_here).
type Result struct {
	MustObey       bool     `json:"must_obey"`
	Message        string   `json:"message"`
	NextAction     string   `json:"next_action"`
	Choices        []Choice `json:"choices"`
	PerfectMatches int      `json:"perfect_matches"`
}

type candidate struct {
	hit   vectorstore.SearchHit
	chain *kmodel.ChainRef
	label string
}

// Search embeds query, ranks existing chains, and returns a result whose
// choices are never empty, per spec §4.7. An embedding failure does not
// fail the search; a vector store error is returned to the caller.
func (e *Engine) Search(ctx context.Context, query string) (Result, error) {
	threshold := defaultOr(e.MatchThreshold, DefaultMatchThreshold)
	refine := defaultOr(e.RefineThreshold, DefaultRefineThreshold)

	vectors, _ := e.Embed.EmbedBatch(ctx, []string{query})
	var vector []float32
	if len(vectors) > 0 {
		vector = vectors[0]
	}

	hits, err := e.VS.Search(ctx, vectorstore.SearchParams{
		Vector: vector,
		Limit:  searchLimit,
		Filter: vectorstore.Filter{Must: []vectorstore.Condition{vectorstore.Eq("space_id", e.SpaceID)}},
	})
	if err != nil {
		return Result{}, err
	}

	grouped := groupByChain(hits)
	choices := make([]Choice, 0, len(grouped)+1)
	perfectMatches := 0

	for _, c := range grouped {
		score := float64(c.hit.Score)
		var role string
		switch {
		case score >= threshold:
			role = RoleMatch
			perfectMatches++
		case score >= refine:
			role = RoleRefine
		default:
			continue
		}
		label, _ := c.hit.Payload["label"].(string)
		chainLabel := ""
		if c.chain != nil {
			chainLabel = c.chain.Label
		}
		choices = append(choices, Choice{
			Role:       role,
			URI:        kairosid.URIString(c.hit.ID),
			Label:      label,
			ChainLabel: chainLabel,
			Score:      score,
			Message:    roleMessage(role, label),
		})
	}

	sort.SliceStable(choices, func(i, j int) bool { return choices[i].Score > choices[j].Score })

	choices = append(choices, Choice{
		Role:    RoleCreate,
		Message: "mint a new protocol for this query",
	})

	return Result{
		MustObey:       true,
		Message:        searchMessage(perfectMatches, len(choices)-1),
		NextAction:     "pick a choice and call the matching kairos_* tool",
		Choices:        choices,
		PerfectMatches: perfectMatches,
	}, nil
}

// chainKey is the grouping key for a hit: its chain.id when it belongs to a
// chain, else its own memory_uuid so singleton steps group by themselves.
func chainKey(hit vectorstore.SearchHit) string {
	if c := decodeChain(hit.Payload); c != nil {
		return c.ID
	}
	return hit.ID
}

// groupByChain collapses hits sharing a chain.id into the single candidate
// spec §4.7 step 2 selects: prefer the head, else the higher score.
// Singleton steps (no chain) group by their own memory_uuid.
func groupByChain(hits []vectorstore.SearchHit) []candidate {
	byKey := fn.GroupBy(hits, chainKey)
	ordered := fn.UniqueBy(hits, chainKey)

	out := make([]candidate, 0, len(ordered))
	for _, first := range ordered {
		group := byKey[chainKey(first)]
		best := candidate{hit: group[0], chain: decodeChain(group[0].Payload)}
		for _, hit := range group[1:] {
			chain := decodeChain(hit.Payload)
			if better(chain, hit, best) {
				best = candidate{hit: hit, chain: chain}
			}
		}
		out = append(out, best)
	}
	return out
}

func better(chain *kmodel.ChainRef, hit vectorstore.SearchHit, existing candidate) bool {
	if chain != nil && existing.chain != nil {
		if chain.IsHead() != existing.chain.IsHead() {
			return chain.IsHead()
		}
	}
	return hit.Score > existing.hit.Score
}

func decodeChain(payload map[string]any) *kmodel.ChainRef {
	v, ok := payload["chain"].(map[string]any)
	if !ok {
		return nil
	}
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

func roleMessage(role, label string) string {
	switch role {
	case RoleMatch:
		return "existing protocol \"" + label + "\" closely matches this query"
	case RoleRefine:
		return "existing protocol \"" + label + "\" is related but may need refinement"
	default:
		return ""
	}
}

func searchMessage(perfectMatches, candidateCount int) string {
	if perfectMatches > 0 {
		return "found matching protocols"
	}
	if candidateCount > 0 {
		return "found related protocols that may need refinement"
	}
	return "no close matches found"
}

func defaultOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
