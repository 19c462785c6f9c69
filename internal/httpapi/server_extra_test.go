package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"inferd/internal/errdefs"
	"inferd/pkg/types"
)

// blockService blocks in Generate until the context is done; exercises the
// timeout and cancellation paths.
type blockService struct{ stubService }

func (b *blockService) Generate(ctx context.Context, req types.GenerateRequest) (<-chan types.StreamChunk, error) {
	<-ctx.Done()
	return nil, errdefs.Wrap(errdefs.OperationCancelled, ctx.Err(), "generation cancelled")
}

func TestGenerateLogsWithZerologInfo(t *testing.T) {
	SetLogger(zerolog.New(io.Discard))
	defer func() { zlog = nil }()

	svc := &stubService{chunks: []types.StreamChunk{{Done: true, Reason: types.DoneEOS}}}
	h := NewMux(svc)
	rec := postJSON(t, h, "/generate?log=info", `{"prompt":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with info logging, got %d", rec.Code)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	h := NewMux(&stubService{ready: true})
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatal("expected Access-Control-Allow-Origin to be set")
	}
}

func TestGenerateTimeoutMaps499(t *testing.T) {
	SetGenerateTimeoutSeconds(1)
	defer SetGenerateTimeoutSeconds(0)

	h := NewMux(&blockService{})
	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString(`{"prompt":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 499 {
		t.Fatalf("expected 499 on timeout, got %d", rec.Code)
	}
}

func TestGenerateStreamsWithDebugLogging(t *testing.T) {
	svc := &stubService{chunks: []types.StreamChunk{
		{Content: "hi"},
		{Done: true, Reason: types.DoneEOS},
	}}
	h := NewMux(svc)
	rec := postJSON(t, h, "/generate?log=debug", `{"prompt":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with debug logging, got %d", rec.Code)
	}
}
