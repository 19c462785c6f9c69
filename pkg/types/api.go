package types

// GenerateRequest is the payload for POST /generate and POST /completion.
type GenerateRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4
	Model string `json:"model,omitempty" example:"tinyllama-q4"`
	// Optional system prompt prepended to the conversation.
	System string `json:"system,omitempty"`
	// Conversation turns, oldest first. Either Turns or Prompt must be set.
	Turns []Turn `json:"turns,omitempty"`
	// Shorthand for a single user turn.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt,omitempty" example:"Write a haiku about the ocean."`
	// Maximum number of new tokens to generate. 0 means bounded only by the
	// remaining context window.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random). 0 selects greedy decoding.
	// example: 0.7
	Temperature float32 `json:"temperature,omitempty" example:"0.7"`
	// Top-K sampling: limit candidates to the K most likely tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Nucleus sampling probability mass.
	// example: 0.9
	TopP float32 `json:"top_p,omitempty" example:"0.9"`
	// Drop candidates below MinP times the top probability.
	// example: 0.05
	MinP float32 `json:"min_p,omitempty" example:"0.05"`
	// Locally typical sampling mass.
	TypicalP float32 `json:"typical_p,omitempty"`
	// Repetition penalty over the lookback window.
	// example: 1.1
	RepeatPenalty float32 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Frequency penalty subtracted per occurrence in the window.
	FrequencyPenalty float32 `json:"frequency_penalty,omitempty"`
	// Presence penalty subtracted once per seen token.
	PresencePenalty float32 `json:"presence_penalty,omitempty"`
	// Lookback window for the penalties above (tokens).
	// example: 64
	RepeatLastN int `json:"repeat_last_n,omitempty" example:"64"`
	// Mirostat mode: 0 off, 1 or 2 enable adaptive-entropy sampling.
	Mirostat int `json:"mirostat,omitempty"`
	// Mirostat target entropy.
	// example: 5.0
	MirostatTau float32 `json:"mirostat_tau,omitempty" example:"5.0"`
	// Mirostat learning rate.
	// example: 0.1
	MirostatEta float32 `json:"mirostat_eta,omitempty" example:"0.1"`
	// Random seed for reproducibility; 0 lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Custom stop sequences, merged with the architecture defaults.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
}

// CompletionResponse is the buffered form returned by POST /completion.
type CompletionResponse struct {
	Model     string           `json:"model"`
	Content   string           `json:"content"`
	Reason    DoneReason       `json:"done_reason"`
	StopMatch string           `json:"stop_match,omitempty"`
	Stats     *GenerationStats `json:"stats,omitempty"`
	ToolCalls []ToolCall       `json:"tool_calls,omitempty"`
}

// EmbedRequest is the payload for POST /embeddings.
type EmbedRequest struct {
	Model string `json:"model,omitempty"`
	// Text to embed.
	// example: the quick brown fox
	Input string `json:"input" example:"the quick brown fox"`
}

// EmbedResponse carries the embedding vector.
type EmbedResponse struct {
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: tinyllama-q4
	Error string `json:"error" example:"model not found: tinyllama-q4"`
	// Stable error code from the service taxonomy.
	// example: model_not_found
	Code string `json:"code,omitempty" example:"model_not_found"`
	// Actionable recovery hint, when one applies.
	Suggestion string `json:"suggestion,omitempty"`
	// HTTP status code.
	// example: 404
	Status int `json:"status" example:"404"`
}

// InstanceStatus summarizes one loaded instance for GET /status.
type InstanceStatus struct {
	// ID of the model this instance serves.
	// example: tinyllama-q4
	ModelID string `json:"model_id" example:"tinyllama-q4"`
	// Lifecycle state (uninitialized, preparing, loading, ready, failed).
	// example: ready
	State string `json:"state" example:"ready"`
	// Live reference count; 0 means the instance sits in the idle cache.
	// example: 1
	Refs int `json:"refs" example:"1"`
	// Whether a generation is in flight.
	Generating bool `json:"generating"`
	// Last time this instance served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Estimated memory footprint in MB.
	// example: 1200
	EstMemoryMB int `json:"est_memory_mb" example:"1200"`
	// Number of tokens resident in the KV cache.
	// example: 152
	ContextTokens int `json:"context_tokens" example:"152"`
}

// CacheStats is a read-only snapshot of the instance cache.
type CacheStats struct {
	// Instances currently held by at least one caller.
	// example: 1
	LiveInstances int `json:"live_instances" example:"1"`
	// Idle-but-warm instances available for reuse.
	// example: 2
	IdleInstances int `json:"idle_instances" example:"2"`
	// Acquire calls served from a live or idle instance.
	// example: 41
	Hits uint64 `json:"hits" example:"41"`
	// Acquire calls that required a fresh load.
	// example: 7
	Misses uint64 `json:"misses" example:"7"`
	// Idle entries evicted for budget or pressure reasons.
	// example: 3
	Evictions uint64 `json:"evictions" example:"3"`
	// Hits / (hits + misses), 0 when no acquires have happened.
	// example: 0.85
	HitRate float64 `json:"hit_rate" example:"0.85"`
	// Estimated memory held by all instances, in MB.
	// example: 2048
	UsedMemoryMB int `json:"used_memory_mb" example:"2048"`
	// Configured memory budget in MB (0 = unlimited).
	// example: 8192
	BudgetMB int `json:"budget_mb" example:"8192"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Instances []InstanceStatus `json:"instances"`
	Cache     CacheStats       `json:"cache"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
