package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/engine/enginetest"
	"inferd/internal/errdefs"
	"inferd/pkg/types"
)

const (
	tokAssistant = 3
	tokSpace     = 6
	tokWorld     = 7
	tokA         = 9
)

func newTestService(t *testing.T, cfg enginetest.Config, modelIDs ...string) (*Service, *MemoryPublisher) {
	t.Helper()
	if len(cfg.Vocab) == 0 {
		cfg.Vocab = testVocab()
		cfg.EOS = 1
	}
	dir := t.TempDir()
	models := make([]types.Model, 0, len(modelIDs))
	for _, id := range modelIDs {
		models = append(models, writeModelFile(t, dir, id))
	}
	pub := NewMemoryPublisher()
	svc := New(enginetest.New(cfg), models, Options{
		DefaultModel:     modelIDs[0],
		Settings:         testSettings(),
		MaxIdleInstances: 3,
		MaxStopLen:       100,
		Events:           pub,
		Logger:           zerolog.Nop(),
	})
	t.Cleanup(func() { svc.Close() })
	return svc, pub
}

func TestServiceGenerateEndToEnd(t *testing.T) {
	cfg := enginetest.Config{Next: map[int]int{tokAssistant: tokSpace, tokSpace: tokWorld, tokWorld: 1}}
	svc, pub := newTestService(t, cfg, "m1")

	ch, err := svc.Generate(context.Background(), types.GenerateRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var content string
	var final types.StreamChunk
	for c := range ch {
		content += c.Content
		if c.Done {
			final = c
		}
	}
	if content != " world" || final.Reason != types.DoneEOS {
		t.Fatalf("content=%q reason=%q", content, final.Reason)
	}

	// The reference was released: the instance sits idle, warm.
	st := svc.Status()
	if st.Cache.LiveInstances != 0 || st.Cache.IdleInstances != 1 {
		t.Fatalf("cache %+v", st.Cache)
	}
	if len(st.Instances) != 1 || st.Instances[0].State != "ready" {
		t.Fatalf("instances %+v", st.Instances)
	}

	names := map[string]bool{}
	for _, e := range pub.Events() {
		names[e.Name] = true
	}
	if !names["loading"] || !names["ready"] {
		t.Fatalf("lifecycle events missing: %v", pub.Events())
	}
}

func TestServiceCompletionAggregates(t *testing.T) {
	cfg := enginetest.Config{Next: map[int]int{tokAssistant: tokSpace, tokSpace: tokWorld, tokWorld: 1}}
	svc, _ := newTestService(t, cfg, "m1")

	resp, err := svc.Completion(context.Background(), types.GenerateRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if resp.Content != " world" || resp.Reason != types.DoneEOS || resp.Model != "m1" {
		t.Fatalf("resp %+v", resp)
	}
	if resp.Stats == nil || resp.Stats.OutputTokens != 2 {
		t.Fatalf("stats %+v", resp.Stats)
	}
}

func TestServiceResolve(t *testing.T) {
	svc, _ := newTestService(t, enginetest.Config{}, "m1", "m2")

	if _, err := svc.Resolve("nope"); !errdefs.IsModelNotFound(err) {
		t.Fatalf("expected model_not_found, got %v", err)
	}
	var te *errdefs.Error
	_, err := svc.Resolve("nope")
	if te, _ = err.(*errdefs.Error); te == nil || te.Suggestion == "" {
		t.Fatalf("expected a suggestion listing models, got %v", err)
	}
	// Empty falls back to the default model.
	m, err := svc.Resolve("")
	if err != nil || m.ID != "m1" {
		t.Fatalf("default resolve: %v %+v", err, m)
	}
}

func TestServiceEmbed(t *testing.T) {
	svc, _ := newTestService(t, enginetest.Config{}, "m1")
	resp, err := svc.Embed(context.Background(), types.EmbedRequest{Input: "hello world"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if resp.Model != "m1" || len(resp.Embedding) == 0 {
		t.Fatalf("resp %+v", resp)
	}
}

func TestServiceInterruptAndUnload(t *testing.T) {
	cfg := enginetest.Config{Next: map[int]int{tokAssistant: tokA, tokA: tokA}}
	svc, _ := newTestService(t, cfg, "m1")

	// Nothing in flight yet.
	if err := svc.Interrupt("m1"); !errdefs.IsModelNotFound(err) {
		t.Fatalf("expected model_not_found, got %v", err)
	}

	ch, err := svc.Generate(context.Background(), types.GenerateRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	<-ch // stream is live

	// The instance is live, so unload refuses.
	if err := svc.Unload("m1"); !errdefs.IsBusy(err) {
		t.Fatalf("expected busy, got %v", err)
	}
	if err := svc.Interrupt("m1"); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	var final types.StreamChunk
	for c := range ch {
		if c.Done {
			final = c
		}
	}
	if final.Reason != types.DoneCancelled {
		t.Fatalf("reason %q", final.Reason)
	}

	// Idle now; unload succeeds exactly once.
	waitIdle(t, svc)
	if err := svc.Unload("m1"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := svc.Unload("m1"); !errdefs.IsModelNotFound(err) {
		t.Fatalf("expected model_not_found, got %v", err)
	}
}

// waitIdle waits for the release that follows stream close.
func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := svc.Status(); st.Cache.LiveInstances == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("instance never went idle")
}

func TestServiceEvictOnPressure(t *testing.T) {
	svc, pub := newTestService(t, enginetest.Config{}, "m1", "m2")
	for _, id := range []string{"m1", "m2"} {
		if _, err := svc.Embed(context.Background(), types.EmbedRequest{Model: id, Input: "hello"}); err != nil {
			t.Fatalf("embed %s: %v", id, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := svc.EvictOnPressure(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	evicted := false
	for _, e := range pub.Events() {
		if e.Name == "evicted" && e.ModelID == "m1" {
			evicted = true
		}
	}
	if !evicted {
		t.Fatalf("expected the oldest model to be evicted: %v", pub.Events())
	}
}
