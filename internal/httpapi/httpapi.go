// Package httpapi exposes the kairos_* operations as JSON HTTP endpoints,
// grounded on cmd/api/main.go's handler shape: one http.HandlerFunc
// closure per route, errors rendered as a JSON body rather than panicking.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/debian777/kairos-mcp-sub003/internal/chainstore"
	"github.com/debian777/kairos-mcp-sub003/internal/elicitor"
	"github.com/debian777/kairos-mcp-sub003/internal/kairosid"
	"github.com/debian777/kairos-mcp-sub003/internal/kerrors"
	"github.com/debian777/kairos-mcp-sub003/internal/kmodel"
	"github.com/debian777/kairos-mcp-sub003/internal/renderer"
	"github.com/debian777/kairos-mcp-sub003/internal/searchengine"
	"github.com/debian777/kairos-mcp-sub003/internal/statemachine"
	"github.com/debian777/kairos-mcp-sub003/pkg/fn"
	"github.com/debian777/kairos-mcp-sub003/pkg/metrics"
)

const maxBodyBytes = 8 << 20 // 8MiB, well above any realistic markdown chain

// updateWorkers bounds how many kairos_update items run concurrently.
const updateWorkers = 4

// Metrics is the process-wide registry backing /metrics. cmd/kairos-server
// serves its Handler directly, so every counter/histogram created here is
// what the metrics port actually reports.
var Metrics = metrics.New()

var (
	mRequestsTotal = func(route string) *metrics.Counter {
		return Metrics.Counter(metrics.WithLabels("kairos_http_requests_total", "route", route), "Total requests per kairos_* route")
	}
	mMintTotal   = Metrics.Counter("kairos_mint_total", "Total kairos_mint calls")
	mSearchTotal = Metrics.Counter("kairos_search_total", "Total kairos_search calls")
	mAttestTotal = Metrics.Counter("kairos_attest_total", "Total kairos_attest calls")
	mStageDur    = func(stage string) *metrics.Histogram {
		return Metrics.Histogram(metrics.WithLabels("kairos_stage_duration_seconds", "stage", stage), "Per-route handler duration", nil)
	}
)

// Checker reports whether a dependency is currently reachable, used by the
// health endpoint (spec §6: "dependencies:{vectorStore, kv, embedding}").
type Checker func() bool

// Dependencies binds the checks handleHealth surfaces.
type Dependencies struct {
	VectorStore Checker
	KV          Checker
	Embedding   Checker
}

// Server wires the domain engines to HTTP handlers.
type Server struct {
	Chain   *chainstore.Store
	State   *statemachine.Engine
	Search  *searchengine.Engine
	Deps    Dependencies
	Version string
	Started time.Time
	Log     *slog.Logger
}

// Mux builds the routed handler tree for Server, excluding middleware
// (the caller wraps it with mid.Chain — logging, recovery, CORS).
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/kairos_mint/raw", s.handleMintRaw)
	mux.HandleFunc("POST /api/kairos_search", s.handleSearch)
	mux.HandleFunc("POST /api/kairos_begin", s.handleBegin)
	mux.HandleFunc("POST /api/kairos_next", s.handleNext)
	mux.HandleFunc("POST /api/kairos_attest", s.handleAttest)
	mux.HandleFunc("POST /api/kairos_update", s.handleUpdate)
	mux.HandleFunc("POST /api/kairos_delete", s.handleDelete)
	mux.HandleFunc("POST /api/kairos_dump", s.handleDump)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.handleOAuthProtectedResource)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/mcp", s.handleOAuthProtectedResource)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders any error as its machine code and message, unpacking
// the typed DUPLICATE_CHAIN/SIMILAR_MEMORY_FOUND payloads spec §6 pins.
func writeError(w http.ResponseWriter, err error) {
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error_code": kerrors.Internal,
			"message":    err.Error(),
		})
		return
	}

	status := kerr.Code.HTTPStatus()

	var dup chainstore.DuplicateDetail
	if errors.As(err, &dup) {
		writeJSON(w, status, map[string]any{
			"error_code": kerr.Code,
			"chain_id":   dup.ChainID,
			"items":      dup.Items,
		})
		return
	}

	var sim chainstore.SimilarMatch
	if errors.As(err, &sim) {
		writeJSON(w, status, map[string]any{
			"error_code":       kerr.Code,
			"existing_memory":  sim.ExistingMemory,
			"similarity_score": sim.SimilarityScore,
			"must_obey":        true,
			"next_action":      sim.NextAction,
		})
		return
	}

	writeJSON(w, status, map[string]any{
		"error_code": kerr.Code,
		"message":    kerr.Message,
	})
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// --- kairos_mint ---

type mintMetadata struct {
	Count      int    `json:"count"`
	DurationMs int64  `json:"duration_ms"`
	LLMModelID string `json:"llm_model_id,omitempty"`
}

type mintResponse struct {
	Status   string                  `json:"status"`
	Items    []chainstore.MintedItem `json:"items"`
	Metadata mintMetadata            `json:"metadata"`
}

func (s *Server) handleMintRaw(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, kerrors.Wrap(kerrors.InvalidInput, "read request body", err))
		return
	}
	if len(body) == 0 {
		writeError(w, kerrors.New(kerrors.InvalidInput, "body is empty"))
		return
	}

	mRequestsTotal("kairos_mint").Inc()
	llmModelID := r.Header.Get("x-llm-model-id")
	forceUpdate := r.Header.Get("x-force-update") == "true" || r.URL.Query().Get("force") == "true"

	start := time.Now()
	defer mStageDur("mint").Since(start)
	items, err := s.Chain.Mint(r.Context(), string(body), llmModelID, forceUpdate)
	if err != nil {
		writeError(w, err)
		return
	}
	mMintTotal.Add(int64(len(items)))

	writeJSON(w, http.StatusOK, mintResponse{
		Status: "stored",
		Items:  items,
		Metadata: mintMetadata{
			Count:      len(items),
			DurationMs: time.Since(start).Milliseconds(),
			LLMModelID: llmModelID,
		},
	})
}

// --- kairos_search ---

type searchRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, kerrors.Wrap(kerrors.InvalidInput, "decode request body", err))
		return
	}
	if req.Query == "" {
		writeError(w, kerrors.New(kerrors.InvalidInput, "query is required"))
		return
	}

	mRequestsTotal("kairos_search").Inc()
	mSearchTotal.Inc()
	start := time.Now()
	defer mStageDur("search").Since(start)
	result, err := s.Search.Search(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- kairos_begin ---

type beginRequest struct {
	URI string `json:"uri"`
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, kerrors.Wrap(kerrors.InvalidInput, "decode request body", err))
		return
	}

	mRequestsTotal("kairos_begin").Inc()
	result, err := s.State.Begin(r.Context(), req.URI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- kairos_next ---

// nextRequest carries the client's declared elicitation capability
// alongside the solution. The elicitation round-trip itself has no
// separate out-of-band transport here: a stateless HTTP call can't pause
// mid-handler for a client prompt, so the client performs the round-trip
// itself (it already holds the prompt text from the step's proof_of_work
// spec returned by kairos_begin/kairos_next) and submits the reply
// alongside the rest of the request.
type nextRequest struct {
	URI              string          `json:"uri"`
	Solution         kmodel.Solution `json:"solution"`
	HasElicitation   bool            `json:"has_elicitation"`
	ElicitationReply string          `json:"elicitation_reply,omitempty"`
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	var req nextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, kerrors.Wrap(kerrors.InvalidInput, "decode request body", err))
		return
	}

	mRequestsTotal("kairos_next").Inc()

	caller := func(ctx context.Context, p elicitor.Prompt) (elicitor.Reply, error) {
		if req.ElicitationReply == "" {
			return "", kerrors.New(kerrors.ElicitationFailed, "elicitation_reply missing from request")
		}
		return elicitor.Reply(req.ElicitationReply), nil
	}

	result, err := s.State.Next(r.Context(), req.URI, req.Solution, req.HasElicitation, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- kairos_attest ---

type attestRequest struct {
	URI          string  `json:"uri"`
	Outcome      string  `json:"outcome"`
	Message      string  `json:"message"`
	QualityBonus float64 `json:"quality_bonus"`
	LLMModelID   string  `json:"llm_model_id"`
}

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, kerrors.Wrap(kerrors.InvalidInput, "decode request body", err))
		return
	}

	mRequestsTotal("kairos_attest").Inc()
	mAttestTotal.Inc()
	result, err := s.State.Attest(r.Context(), req.URI, req.Outcome, req.Message, req.QualityBonus)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- kairos_update ---

type updateRequest struct {
	URIs        []string `json:"uris"`
	MarkdownDoc []string `json:"markdown_doc,omitempty"`
	Updates     []string `json:"updates,omitempty"`
}

type updateItemResult struct {
	URI     string `json:"uri"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type updateResponse struct {
	Results      []updateItemResult `json:"results"`
	TotalUpdated int                `json:"total_updated"`
	TotalFailed  int                `json:"total_failed"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, kerrors.Wrap(kerrors.InvalidInput, "decode request body", err))
		return
	}
	if len(req.MarkdownDoc) > 0 && len(req.MarkdownDoc) != len(req.URIs) {
		writeError(w, kerrors.New(kerrors.InvalidInput, "uris and markdown_doc length mismatch"))
		return
	}
	if len(req.Updates) > 0 && len(req.Updates) != len(req.URIs) {
		writeError(w, kerrors.New(kerrors.InvalidInput, "uris and updates length mismatch"))
		return
	}

	mRequestsTotal("kairos_update").Inc()
	start := time.Now()
	defer mStageDur("update").Since(start)

	type item struct {
		uri  string
		text string
		has  bool
	}
	items := make([]item, len(req.URIs))
	for i, uri := range req.URIs {
		it := item{uri: uri}
		switch {
		case len(req.MarkdownDoc) > 0:
			it.text, it.has = renderer.ExtractBody(req.MarkdownDoc[i]), true
		case len(req.Updates) > 0:
			it.text, it.has = req.Updates[i], true
		}
		items[i] = it
	}

	// Each item's chain store write is independent, so they run concurrently
	// bounded by updateWorkers rather than serially per URI.
	results := fn.ParMap(items, updateWorkers, func(it item) updateItemResult {
		id, ok := kairosid.ParseURI(it.uri)
		if !ok {
			return updateItemResult{URI: it.uri, Status: "failed", Message: "invalid uri"}
		}
		if err := s.Chain.UpdateText(r.Context(), id.String(), it.text); err != nil {
			return updateItemResult{URI: it.uri, Status: "failed", Message: err.Error()}
		}
		return updateItemResult{URI: it.uri, Status: "updated"}
	})

	resp := updateResponse{Results: results}
	for _, res := range results {
		if res.Status == "updated" {
			resp.TotalUpdated++
		} else {
			resp.TotalFailed++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- kairos_delete ---

type deleteRequest struct {
	URIs []string `json:"uris"`
}

type deleteResponse struct {
	Status       string   `json:"status"`
	Deleted      []string `json:"deleted"`
	TotalDeleted int      `json:"total_deleted"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, kerrors.Wrap(kerrors.InvalidInput, "decode request body", err))
		return
	}

	mRequestsTotal("kairos_delete").Inc()

	ids := make([]string, 0, len(req.URIs))
	for _, uri := range req.URIs {
		id, ok := kairosid.ParseURI(uri)
		if !ok {
			writeError(w, kerrors.New(kerrors.InvalidURI, "uri is not a valid kairos://mem/<uuid>: "+uri))
			return
		}
		ids = append(ids, id.String())
	}

	if err := s.Chain.Delete(r.Context(), ids); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deleteResponse{Status: "deleted", Deleted: req.URIs, TotalDeleted: len(req.URIs)})
}

// --- kairos_dump ---

type dumpRequest struct {
	URI      string `json:"uri"`
	Protocol bool   `json:"protocol"`
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	mRequestsTotal("kairos_dump").Inc()
	var req dumpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, kerrors.Wrap(kerrors.InvalidInput, "decode request body", err))
		return
	}

	id, ok := kairosid.ParseURI(req.URI)
	if !ok {
		writeError(w, kerrors.New(kerrors.InvalidURI, "uri is not a valid kairos://mem/<uuid>"))
		return
	}

	m, ok, err := s.Chain.Get(r.Context(), id.String())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, kerrors.New(kerrors.NotFound, "memory not found"))
		return
	}

	if !req.Protocol || m.Chain == nil {
		chainLabel := ""
		if m.Chain != nil {
			chainLabel = m.Chain.Label
		}
		writeJSON(w, http.StatusOK, renderer.Dump(req.URI, m.Label, chainLabel, m.Text))
		return
	}

	points, err := s.Chain.ChainPoints(r.Context(), m.Chain.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	headURI := req.URI
	steps := make([]renderer.Step, 0, len(points))
	for _, p := range points {
		if p.Chain != nil {
			steps = append(steps, renderer.Step{Label: p.Label, Body: renderer.ExtractBody(p.Text), StepIndex: p.Chain.StepIndex})
			if p.Chain.IsHead() {
				headURI = kairosid.URIString(p.MemoryUUID)
			}
		}
	}

	writeJSON(w, http.StatusOK, renderer.RenderProtocol(headURI, m.Chain.Label, steps))
}

// --- health ---

type healthDependencies struct {
	VectorStore string `json:"vectorStore"`
	KV          string `json:"kv"`
	Embedding   string `json:"embedding"`
}

type healthResponse struct {
	Status       string             `json:"status"`
	Service      string             `json:"service"`
	Version      string             `json:"version"`
	Dependencies healthDependencies `json:"dependencies"`
	Uptime       string             `json:"uptime"`
}

func statusOf(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

// handleHealth reports 503 only when the vector store is unreachable; a
// down KV or embedding dependency degrades the response without failing
// the probe (spec §6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	vsUp := s.Deps.VectorStore == nil || s.Deps.VectorStore()
	kvUp := s.Deps.KV == nil || s.Deps.KV()
	embedUp := s.Deps.Embedding == nil || s.Deps.Embedding()

	status := "ok"
	code := http.StatusOK
	if !kvUp || !embedUp {
		status = "degraded"
	}
	if !vsUp {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{
		Status:  status,
		Service: "kairos",
		Version: s.Version,
		Dependencies: healthDependencies{
			VectorStore: statusOf(vsUp),
			KV:          statusOf(kvUp),
			Embedding:   statusOf(embedUp),
		},
		Uptime: time.Since(s.Started).String(),
	})
}

// --- oauth-protected-resource ---

// handleOAuthProtectedResource serves the static RFC 9728 protected
// resource metadata document, reachable without credentials (spec §6).
func (s *Server) handleOAuthProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":              "kairos",
		"authorization_servers": []string{},
		"bearer_methods_supported": []string{"header"},
	})
}
