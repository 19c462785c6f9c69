package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"inferd/pkg/types"
)

// stubService is a canned Service implementation for handler tests.
type stubService struct {
	models      []types.Model
	status      types.StatusResponse
	ready       bool
	generateErr error
	chunks      []types.StreamChunk
	completion  types.CompletionResponse
	embedding   types.EmbedResponse
	actionErr   error

	lastGenerate types.GenerateRequest
	lastModel    string
}

func (s *stubService) Models() []types.Model        { return append([]types.Model(nil), s.models...) }
func (s *stubService) Status() types.StatusResponse { return s.status }
func (s *stubService) Ready() bool                  { return s.ready }

func (s *stubService) Generate(ctx context.Context, req types.GenerateRequest) (<-chan types.StreamChunk, error) {
	s.lastGenerate = req
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	ch := make(chan types.StreamChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s *stubService) Completion(ctx context.Context, req types.GenerateRequest) (types.CompletionResponse, error) {
	s.lastGenerate = req
	if s.generateErr != nil {
		return types.CompletionResponse{}, s.generateErr
	}
	return s.completion, nil
}

func (s *stubService) Embed(ctx context.Context, req types.EmbedRequest) (types.EmbedResponse, error) {
	if s.generateErr != nil {
		return types.EmbedResponse{}, s.generateErr
	}
	return s.embedding, nil
}

func (s *stubService) Interrupt(modelID string) error { s.lastModel = modelID; return s.actionErr }
func (s *stubService) Unload(modelID string) error    { s.lastModel = modelID; return s.actionErr }

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestModelsEndpoint(t *testing.T) {
	svc := &stubService{models: []types.Model{{ID: "m1"}, {ID: "m2"}}}
	h := NewMux(svc)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type = %q", ct)
	}
	var resp types.ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) != 2 || resp.Models[0].ID != "m1" {
		t.Fatalf("unexpected models: %+v", resp.Models)
	}
}

func TestStatusEndpoint(t *testing.T) {
	svc := &stubService{status: types.StatusResponse{UptimeSeconds: 42}}
	h := NewMux(svc)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp types.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UptimeSeconds != 42 {
		t.Fatalf("uptime = %d", resp.UptimeSeconds)
	}
}

func TestGenerateStreamsNDJSON(t *testing.T) {
	svc := &stubService{chunks: []types.StreamChunk{
		{Content: "hel"},
		{Content: "lo"},
		{Done: true, Reason: types.DoneEOS, Stats: &types.GenerationStats{OutputTokens: 2}},
	}}
	h := NewMux(svc)
	rec := postJSON(t, h, "/generate", `{"prompt":"hi","max_tokens":8}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/x-ndjson") {
		t.Fatalf("content-type = %q", ct)
	}
	var lines []types.StreamChunk
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var c types.StreamChunk
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", sc.Text(), err)
		}
		lines = append(lines, c)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[0].Content+lines[1].Content != "hello" {
		t.Fatalf("content = %q + %q", lines[0].Content, lines[1].Content)
	}
	final := lines[2]
	if !final.Done || final.Reason != types.DoneEOS || final.Stats == nil {
		t.Fatalf("bad final chunk: %+v", final)
	}
	if svc.lastGenerate.MaxTokens != 8 {
		t.Fatalf("request not forwarded: %+v", svc.lastGenerate)
	}
}

func TestGeneratePromptOrTurnsRequired(t *testing.T) {
	h := NewMux(&stubService{})
	rec := postJSON(t, h, "/generate", `{"prompt":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGenerateBadJSON(t *testing.T) {
	h := NewMux(&stubService{})
	rec := postJSON(t, h, "/generate", "not-json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGenerateUnsupportedMediaType(t *testing.T) {
	h := NewMux(&stubService{})
	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGenerateBodyTooLarge(t *testing.T) {
	h := NewMux(&stubService{})
	big := make([]byte, (1<<20)+10)
	for i := range big {
		big[i] = 'a'
	}
	rec := postJSON(t, h, "/generate", string(big))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", rec.Code)
	}
}

func TestCompletionEndpoint(t *testing.T) {
	svc := &stubService{completion: types.CompletionResponse{
		Model: "m1", Content: "hello world", Reason: types.DoneEOS,
	}}
	h := NewMux(svc)
	rec := postJSON(t, h, "/completion", `{"prompt":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp types.CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content != "hello world" || resp.Reason != types.DoneEOS {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestEmbeddingsEndpoint(t *testing.T) {
	svc := &stubService{embedding: types.EmbedResponse{Model: "m1", Embedding: []float32{0.1, 0.2}}}
	h := NewMux(svc)
	rec := postJSON(t, h, "/embeddings", `{"input":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp types.EmbedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Embedding) != 2 {
		t.Fatalf("embedding = %v", resp.Embedding)
	}
}

func TestInterruptAndUnloadForwardModel(t *testing.T) {
	svc := &stubService{}
	h := NewMux(svc)
	rec := postJSON(t, h, "/interrupt", `{"model":"m1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("interrupt status = %d", rec.Code)
	}
	if svc.lastModel != "m1" {
		t.Fatalf("model = %q", svc.lastModel)
	}
	rec = postJSON(t, h, "/unload", `{"model":"m2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unload status = %d", rec.Code)
	}
	if svc.lastModel != "m2" {
		t.Fatalf("model = %q", svc.lastModel)
	}
}

func TestContentTypeCaseInsensitive(t *testing.T) {
	h := NewMux(&stubService{chunks: []types.StreamChunk{{Done: true, Reason: types.DoneEOS}}})
	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with mixed-case content-type, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	h := NewMux(&stubService{ready: true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	h := NewMux(&stubService{ready: false})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := NewMux(&stubService{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
