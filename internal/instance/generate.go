package instance

import (
	"context"
	"time"

	"inferd/internal/errdefs"
	"inferd/internal/prompt"
	"inferd/internal/sampling"
	"inferd/internal/stopseq"
	"inferd/pkg/types"
)

// chunkBuffer bounds how far the decode loop can run ahead of a slow reader.
const chunkBuffer = 32

// Generate validates the request, reuses the common KV prefix, and streams
// tokens on the returned channel. All request validation, tokenization and
// the context-budget check happen synchronously before any decode; a nil
// error means the stream is live and will carry exactly one final chunk.
func (i *Instance) Generate(ctx context.Context, req types.GenerateRequest) (<-chan types.StreamChunk, error) {
	i.mu.Lock()
	if i.state != StateReady {
		st, initErr := i.state, i.initErr
		i.mu.Unlock()
		if st == StateFailed {
			return nil, initErr
		}
		return nil, errdefs.New(errdefs.EngineNotInitialized, "instance %s is %s", i.model.ID, st)
	}
	if i.generating {
		i.mu.Unlock()
		return nil, errdefs.New(errdefs.Busy, "generation already in flight on %s", i.model.ID).
			WithSuggestion("retry after the current request finishes")
	}

	turns := req.Turns
	if len(turns) == 0 && req.Prompt != "" {
		turns = []types.Turn{{Role: types.RoleUser, Content: req.Prompt}}
	}
	if len(turns) == 0 {
		i.mu.Unlock()
		return nil, errdefs.New(errdefs.ConfigurationInvalid, "either turns or prompt must be set")
	}

	smp, err := sampling.New(samplingConfig(req))
	if err != nil {
		i.mu.Unlock()
		return nil, err
	}
	matcher, err := stopseq.New(
		stopseq.Merge(prompt.DefaultStops(i.arch), req.Stop),
		stopseq.WithMaxStopLen(i.maxStopLen),
	)
	if err != nil {
		i.mu.Unlock()
		return nil, err
	}

	rendered := prompt.Format(i.arch, turns, req.System)
	promptTokens, err := i.mdl.Tokenize(rendered, true, true)
	if err != nil {
		i.mu.Unlock()
		return nil, errdefs.Wrap(errdefs.TokenizationFailure, err, "tokenize prompt")
	}
	if len(promptTokens) == 0 {
		i.mu.Unlock()
		return nil, errdefs.New(errdefs.TokenizationFailure, "prompt produced no tokens")
	}
	// The prompt must leave at least one slot for generation. Checked here so
	// oversized prompts never reach the native decode path.
	ctxLen := i.settings.ContextLength
	if len(promptTokens) >= ctxLen {
		i.mu.Unlock()
		return nil, errdefs.ContextExceeded(len(promptTokens), ctxLen)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = i.defaultMaxTokens
	}
	if avail := ctxLen - len(promptTokens); maxTokens <= 0 || maxTokens > avail {
		maxTokens = avail
	}

	gctx, cancel := context.WithCancel(ctx)
	i.generating = true
	i.cancelGen = cancel
	i.lastUsed = time.Now()
	i.mu.Unlock()

	out := make(chan types.StreamChunk, chunkBuffer)
	go func() {
		defer close(out)
		defer func() {
			i.mu.Lock()
			i.generating = false
			i.cancelGen = nil
			i.lastUsed = time.Now()
			i.mu.Unlock()
			cancel()
		}()
		i.decodeLoop(gctx, out, promptTokens, maxTokens, smp, matcher)
	}()
	return out, nil
}

// decodeLoop runs the prompt decode and the per-token generation loop,
// sending content chunks and exactly one final chunk on out.
func (i *Instance) decodeLoop(ctx context.Context, out chan<- types.StreamChunk,
	promptTokens []int, maxTokens int, smp *sampling.Sampler, matcher *stopseq.Matcher) {

	start := time.Now()
	var text []byte
	var outTokens []int

	finish := func(reason types.DoneReason, stopMatch string, genErr error) {
		if tail := matcher.Flush(); tail != "" && genErr == nil {
			text = append(text, tail...)
			out <- types.StreamChunk{Content: tail}
		}
		dur := time.Since(start)
		stats := &types.GenerationStats{
			PromptTokens: len(promptTokens),
			OutputTokens: len(outTokens),
			TotalTokens:  len(promptTokens) + len(outTokens),
			DurationMS:   dur.Milliseconds(),
		}
		if secs := dur.Seconds(); secs > 0 {
			stats.TokensPerSecond = float64(len(outTokens)) / secs
		}
		final := types.StreamChunk{Done: true, Reason: reason, StopMatch: stopMatch, Stats: stats}
		if genErr != nil {
			final.Error = genErr.Error()
			i.log.Error().Err(genErr).Msg("generation failed")
		} else {
			final.ToolCalls = types.ParseToolCalls(string(text))
			i.log.Debug().
				Str("reason", string(reason)).
				Int("prompt_tokens", stats.PromptTokens).
				Int("output_tokens", stats.OutputTokens).
				Dur("duration", dur).
				Msg("generation finished")
		}
		out <- final
	}

	if err := i.decodePrompt(promptTokens); err != nil {
		finish(types.DoneError, "", err)
		return
	}

	ctxLen := i.settings.ContextLength
	for n := 0; n < maxTokens; n++ {
		if err := ctx.Err(); err != nil {
			finish(types.DoneCancelled, "", nil)
			return
		}
		logits := i.ectx.Logits(0)
		tok, err := smp.Sample(logits, outTokens)
		if err != nil {
			finish(types.DoneError, "", err)
			return
		}
		if i.mdl.IsEndOfGeneration(tok) {
			finish(types.DoneEOS, "", nil)
			return
		}
		piece := i.mdl.Detokenize(tok)
		emit, stop, matched := matcher.Feed(piece)
		if emit != "" {
			text = append(text, emit...)
			select {
			case out <- types.StreamChunk{Content: emit}:
			case <-ctx.Done():
				finish(types.DoneCancelled, "", nil)
				return
			}
		}
		outTokens = append(outTokens, tok)
		if matched {
			finish(types.DoneStop, stop, nil)
			return
		}
		if len(i.ctxTokens)+1 >= ctxLen {
			finish(types.DoneContextFull, "", nil)
			return
		}
		// Extend the KV cache with the sampled token and score the next step.
		i.batch.Clear()
		i.batch.Add(tok, len(i.ctxTokens), true)
		if err := i.ectx.Decode(i.batch); err != nil {
			finish(types.DoneError, "", errdefs.Wrap(errdefs.BatchProcessingFailure, err, "decode token"))
			return
		}
		i.appendCtxTokens(tok)
	}
	finish(types.DoneLength, "", nil)
}

// decodePrompt trims the KV cache to the longest common prefix with the new
// prompt and decodes only the suffix, in batch-size chunks, requesting logits
// for the final position only.
func (i *Instance) decodePrompt(promptTokens []int) error {
	common := commonPrefixLen(i.ctxTokens, promptTokens)
	// A fully resident prompt yields no fresh logits, so the last prompt
	// token is evicted and decoded again.
	if common == len(promptTokens) {
		common--
	}
	if common < len(i.ctxTokens) {
		i.ectx.RemoveKVCacheRange(0, common, len(i.ctxTokens))
		i.mu.Lock()
		i.ctxTokens = i.ctxTokens[:common]
		i.mu.Unlock()
	}

	suffix := promptTokens[common:]
	batchSize := i.settings.BatchSize
	for off := 0; off < len(suffix); off += batchSize {
		end := off + batchSize
		if end > len(suffix) {
			end = len(suffix)
		}
		i.batch.Clear()
		for k := off; k < end; k++ {
			last := common+k == len(promptTokens)-1
			i.batch.Add(suffix[k], common+k, last)
		}
		if err := i.ectx.Decode(i.batch); err != nil {
			return errdefs.Wrap(errdefs.BatchProcessingFailure, err, "decode prompt")
		}
		i.appendCtxTokens(suffix[off:end]...)
	}
	return nil
}

// appendCtxTokens extends the KV mirror under the lock, because Status reads
// it concurrently.
func (i *Instance) appendCtxTokens(toks ...int) {
	i.mu.Lock()
	i.ctxTokens = append(i.ctxTokens, toks...)
	i.mu.Unlock()
}

func commonPrefixLen(a, b []int) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func samplingConfig(req types.GenerateRequest) sampling.Config {
	return sampling.Config{
		Temperature:      req.Temperature,
		TopK:             req.TopK,
		TopP:             req.TopP,
		MinP:             req.MinP,
		TypicalP:         req.TypicalP,
		RepeatPenalty:    req.RepeatPenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		RepeatLastN:      req.RepeatLastN,
		Mirostat:         req.Mirostat,
		MirostatTau:      req.MirostatTau,
		MirostatEta:      req.MirostatEta,
		Seed:             req.Seed,
	}
}
