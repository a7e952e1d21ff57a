package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/debian777/kairos-mcp-sub003/internal/cachebus"
	"github.com/debian777/kairos-mcp-sub003/internal/chainstore"
	"github.com/debian777/kairos-mcp-sub003/internal/proofstore"
	"github.com/debian777/kairos-mcp-sub003/internal/searchengine"
	"github.com/debian777/kairos-mcp-sub003/internal/statemachine"
	"github.com/debian777/kairos-mcp-sub003/internal/vectorstore"
)

// memStore is a stateful in-memory fake of chainstore.VectorStore, letting
// these tests exercise mint -> dump -> update -> delete through real
// chainstore/statemachine/searchengine logic rather than stubbing each
// handler's dependency individually.
type memStore struct {
	mu     sync.Mutex
	points map[string]vectorstore.Point
}

func newMemStore() *memStore { return &memStore{points: map[string]vectorstore.Point{}} }

func (m *memStore) Scroll(ctx context.Context, params vectorstore.ScrollParams) (vectorstore.ScrollPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vectorstore.Point
	for _, p := range m.points {
		if matches(p, params.Filter) {
			out = append(out, p)
		}
	}
	return vectorstore.ScrollPage{Points: out}, nil
}

func (m *memStore) Upsert(ctx context.Context, points []vectorstore.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

func (m *memStore) DeleteByFilter(ctx context.Context, filter vectorstore.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if matches(p, filter) {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *memStore) DeleteByIDs(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *memStore) Retrieve(ctx context.Context, ids []string) ([]vectorstore.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vectorstore.Point
	for _, id := range ids {
		if p, ok := m.points[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) Search(ctx context.Context, params vectorstore.SearchParams) ([]vectorstore.SearchHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vectorstore.SearchHit
	for _, p := range m.points {
		out = append(out, vectorstore.SearchHit{ID: p.ID, Score: 0.99, Payload: p.Payload})
	}
	return out, nil
}

func matches(p vectorstore.Point, filter vectorstore.Filter) bool {
	for _, cond := range filter.Must {
		if !conditionMatches(p.Payload, cond) {
			return false
		}
	}
	return true
}

func conditionMatches(payload map[string]any, cond vectorstore.Condition) bool {
	parts := strings.SplitN(cond.Key, ".", 2)
	if len(parts) == 2 {
		nested, ok := payload[parts[0]].(map[string]any)
		if !ok {
			return false
		}
		return conditionMatches(nested, vectorstore.Condition{Key: parts[1], Value: cond.Value})
	}
	v, ok := payload[cond.Key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case string:
		return t == cond.Value
	default:
		return false
	}
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, bool) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, true
}

func (fakeEmbedder) Dimension() int { return 3 }

// fakeBucket is an in-memory proofstore bucket, matching the narrow
// nats.KeyValue slice proofstore.Store actually calls.
type fakeBucket struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newFakeBucket() *fakeBucket { return &fakeBucket{m: map[string][]byte{}} }

func (b *fakeBucket) Put(key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = append([]byte(nil), value...)
	return 1, nil
}

func (b *fakeBucket) Get(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	return v, nil
}

func newTestServer() *Server {
	vs := newMemStore()
	embed := fakeEmbedder{}
	chain := &chainstore.Store{
		VS:                     vs,
		Embed:                  embed,
		Cache:                  cachebus.New(nil),
		SpaceID:                "space-1",
		DisableSimilarityGuard: true,
	}
	proof := proofstore.NewWithBuckets(newFakeBucket(), newFakeBucket(), newFakeBucket(), newFakeBucket())
	state := &statemachine.Engine{Mem: chain, Proof: proof}
	search := &searchengine.Engine{VS: vs, Embed: embed, SpaceID: "space-1"}

	return &Server{
		Chain:   chain,
		State:   state,
		Search:  search,
		Version: "test",
		Started: time.Now(),
		Deps: Dependencies{
			VectorStore: func() bool { return true },
			KV:          func() bool { return true },
			Embedding:   func() bool { return true },
		},
	}
}

func doRequest(t *testing.T, mux http.Handler, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleMintRawSuccess(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	rec := doRequest(t, mux, "POST", "/api/kairos_mint/raw", "# Chain\n\n## Step One\nbody text", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp mintResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "stored" || len(resp.Items) == 0 {
		t.Fatalf("unexpected mint response: %+v", resp)
	}
}

func TestHandleMintRawEmptyBody400(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	rec := doRequest(t, mux, "POST", "/api/kairos_mint/raw", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleMintRawDuplicateChain409(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	doRequest(t, mux, "POST", "/api/kairos_mint/raw", "# Dup\n\n## Step\nbody", nil)
	rec := doRequest(t, mux, "POST", "/api/kairos_mint/raw", "# Dup\n\n## Step\nbody", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error_code"] != "DUPLICATE_CHAIN" {
		t.Fatalf("expected DUPLICATE_CHAIN, got %+v", body)
	}
}

func TestHandleSearchAlwaysOK(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	rec := doRequest(t, mux, "POST", "/api/kairos_search", `{"query":"anything"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res searchengine.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.MustObey || len(res.Choices) == 0 {
		t.Fatalf("unexpected search result: %+v", res)
	}
}

func TestHandleSearchMissingQuery400(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	rec := doRequest(t, mux, "POST", "/api/kairos_search", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDumpRoundTrip(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	mintRec := doRequest(t, mux, "POST", "/api/kairos_mint/raw", "# Solo Step\nhello world", nil)
	var mint mintResponse
	json.Unmarshal(mintRec.Body.Bytes(), &mint)
	if len(mint.Items) == 0 {
		t.Fatalf("mint produced no items: %s", mintRec.Body.String())
	}
	uri := mint.Items[0].URI

	dumpBody, _ := json.Marshal(map[string]any{"uri": uri})
	rec := doRequest(t, mux, "POST", "/api/kairos_dump", string(dumpBody), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDumpNotFound404(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	body, _ := json.Marshal(map[string]any{"uri": "kairos://mem/00000000-0000-4000-8000-000000000000"})
	rec := doRequest(t, mux, "POST", "/api/kairos_dump", string(body), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDeleteInvalidURI400(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	body, _ := json.Marshal(map[string]any{"uris": []string{"not-a-kairos-uri"}})
	rec := doRequest(t, mux, "POST", "/api/kairos_delete", string(body), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleBeginNoProofOfWork(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	mintRec := doRequest(t, mux, "POST", "/api/kairos_mint/raw", "# Begin Step\nno proof here", nil)
	var mint mintResponse
	json.Unmarshal(mintRec.Body.Bytes(), &mint)
	uri := mint.Items[0].URI

	body, _ := json.Marshal(map[string]any{"uri": uri})
	rec := doRequest(t, mux, "POST", "/api/kairos_begin", string(body), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var begin statemachine.BeginResult
	json.Unmarshal(rec.Body.Bytes(), &begin)
	if !begin.MustObey || begin.Challenge != nil {
		t.Fatalf("expected no-challenge begin result, got %+v", begin)
	}
}

func TestHandleHealthOK(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	rec := doRequest(t, mux, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleHealthUnhealthyWhenVectorStoreDown(t *testing.T) {
	s := newTestServer()
	s.Deps.VectorStore = func() bool { return false }
	mux := s.Mux()

	rec := doRequest(t, mux, "GET", "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleHealthDegradedWhenKVDown(t *testing.T) {
	s := newTestServer()
	s.Deps.KV = func() bool { return false }
	mux := s.Mux()

	rec := doRequest(t, mux, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (degraded, not unhealthy), got %d", rec.Code)
	}
	var resp healthResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "degraded" {
		t.Fatalf("expected degraded status, got %s", resp.Status)
	}
}

func TestHandleOAuthProtectedResource(t *testing.T) {
	s := newTestServer()
	mux := s.Mux()

	rec := doRequest(t, mux, "GET", "/.well-known/oauth-protected-resource", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
