// Package httpapi exposes the service over HTTP: JSON request/response
// endpoints plus NDJSON streaming for /generate. Errors map from the
// taxonomy codes to statuses in errors.go.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/errdefs"
	"inferd/pkg/types"
)

// Service defines the operations required by the HTTP API layer.
type Service interface {
	Models() []types.Model
	Status() types.StatusResponse
	Generate(ctx context.Context, req types.GenerateRequest) (<-chan types.StreamChunk, error)
	Completion(ctx context.Context, req types.GenerateRequest) (types.CompletionResponse, error)
	Embed(ctx context.Context, req types.EmbedRequest) (types.EmbedResponse, error)
	Interrupt(modelID string) error
	Unload(modelID string) error
	Ready() bool
}

// modelRef is the body of the model-targeted control endpoints.
type modelRef struct {
	Model string `json:"model"`
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", handleModels(svc))
	r.Get("/status", handleStatus(svc))
	r.Post("/generate", handleGenerate(svc))
	r.Post("/completion", handleCompletion(svc))
	r.Post("/embeddings", handleEmbeddings(svc))
	r.Post("/interrupt", handleModelAction(svc.Interrupt))
	r.Post("/unload", handleModelAction(svc.Unload))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no models"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// handleModels godoc
// @Summary  List available models
// @Produce  json
// @Success  200 {object} types.ModelsResponse
// @Router   /models [get]
func handleModels(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.ModelsResponse{Models: svc.Models()})
	}
}

// handleStatus godoc
// @Summary  Instance and cache status
// @Produce  json
// @Success  200 {object} types.StatusResponse
// @Router   /status [get]
func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	}
}

// handleGenerate godoc
// @Summary  Stream a generation as NDJSON chunks
// @Accept   json
// @Produce  json
// @Param    request body types.GenerateRequest true "generation request"
// @Success  200 {object} types.StreamChunk
// @Failure  400 {object} types.ErrorResponse
// @Failure  404 {object} types.ErrorResponse
// @Failure  429 {object} types.ErrorResponse
// @Router   /generate [post]
func handleGenerate(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeGenerateRequest(w, r)
		if !ok {
			return
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if generateTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, time.Duration(generateTimeout)*time.Second)
			defer tcancel()
		}

		start := time.Now()
		lvl := requestLogLevel(r)
		ch, err := svc.Generate(ctx, req)
		if err != nil {
			writeError(w, err)
			logRequest(r, lvl, "generate", statusFor(errdefs.CodeOf(err)), start, err)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		var out io.Writer = w
		if lvl >= LevelDebug {
			out = io.MultiWriter(w, &loggingLineWriter{})
		}
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(out)
		for chunk := range ch {
			if err := enc.Encode(chunk); err != nil {
				// Client is gone; drain the stream so the instance releases.
				for range ch {
				}
				logRequest(r, lvl, "generate", 0, start, err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		logRequest(r, lvl, "generate", http.StatusOK, start, nil)
	}
}

// handleCompletion godoc
// @Summary  Run a generation to completion and return it buffered
// @Accept   json
// @Produce  json
// @Param    request body types.GenerateRequest true "generation request"
// @Success  200 {object} types.CompletionResponse
// @Failure  400 {object} types.ErrorResponse
// @Failure  404 {object} types.ErrorResponse
// @Router   /completion [post]
func handleCompletion(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeGenerateRequest(w, r)
		if !ok {
			return
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		start := time.Now()
		lvl := requestLogLevel(r)
		resp, err := svc.Completion(ctx, req)
		if err != nil {
			writeError(w, err)
			logRequest(r, lvl, "completion", statusFor(errdefs.CodeOf(err)), start, err)
			return
		}
		writeJSON(w, resp)
		logRequest(r, lvl, "completion", http.StatusOK, start, nil)
	}
}

// handleEmbeddings godoc
// @Summary  Compute an embedding vector
// @Accept   json
// @Produce  json
// @Param    request body types.EmbedRequest true "embedding request"
// @Success  200 {object} types.EmbedResponse
// @Failure  400 {object} types.ErrorResponse
// @Router   /embeddings [post]
func handleEmbeddings(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireJSON(w, r) {
			return
		}
		var req types.EmbedRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		resp, err := svc.Embed(ctx, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

// handleModelAction serves the control endpoints taking {"model": id}.
func handleModelAction(action func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireJSON(w, r) {
			return
		}
		var ref modelRef
		if !decodeBody(w, r, &ref) {
			return
		}
		if err := action(ref.Model); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func decodeGenerateRequest(w http.ResponseWriter, r *http.Request) (types.GenerateRequest, bool) {
	var req types.GenerateRequest
	if !requireJSON(w, r) {
		return req, false
	}
	if !decodeBody(w, r, &req) {
		return req, false
	}
	if strings.TrimSpace(req.Prompt) == "" && len(req.Turns) == 0 {
		writeJSONError(w, http.StatusBadRequest, "either prompt or turns is required")
		return req, false
	}
	return req, true
}

func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

func logRequest(r *http.Request, lvl LogLevel, op string, status int, start time.Time, err error) {
	if lvl < LevelInfo || zlog == nil {
		return
	}
	z := zlog.Info().Str("op", op).Int("status", status).Dur("dur", time.Since(start))
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	if err != nil {
		z = z.Err(err)
	}
	z.Msg("request end")
}
