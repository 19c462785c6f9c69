package types

import "time"

// Model describes a loadable GGUF model on disk. It is immutable after
// construction; registry validation (magic bytes, minimum size) happens once
// when the descriptor is built.
type Model struct {
	// Stable identifier for the model.
	// example: tinyllama-q4
	ID string `json:"id" example:"tinyllama-q4"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	Name string `json:"name" example:"TinyLlama (Q4)"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Architecture family (e.g., llama, chatml, gemma, phi, mistral).
	// example: llama
	Family string `json:"family,omitempty" example:"llama"`
	// Quantization level or variant string.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// File size in bytes, captured at registry scan time.
	// example: 668788096
	SizeBytes int64 `json:"size_bytes,omitempty" example:"668788096"`
	// Optional content checksum recorded at scan time.
	Checksum string `json:"checksum,omitempty"`
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one conversation message. Turns are immutable once appended; only
// the in-progress assistant turn receives streaming content updates.
type Turn struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
	Stats     *GenerationStats `json:"stats,omitempty"`
}

// DoneReason explains why a generation stream terminated.
type DoneReason string

const (
	// DoneEOS: the model emitted its end-of-sequence token.
	DoneEOS DoneReason = "eos"
	// DoneStop: a configured stop sequence matched.
	DoneStop DoneReason = "stop"
	// DoneLength: the effective max-token bound was reached.
	DoneLength DoneReason = "length"
	// DoneContextFull: the context window filled up mid-generation.
	DoneContextFull DoneReason = "context_full"
	// DoneCancelled: the caller interrupted or disconnected.
	DoneCancelled DoneReason = "cancelled"
	// DoneError: a native call failed; the stream carries the error.
	DoneError DoneReason = "error"
)

// GenerationStats aggregates counters for one completed generation.
type GenerationStats struct {
	// Number of tokens in the rendered prompt.
	// example: 24
	PromptTokens int `json:"prompt_tokens" example:"24"`
	// Number of tokens generated.
	// example: 128
	OutputTokens int `json:"output_tokens" example:"128"`
	// Prompt plus output tokens.
	// example: 152
	TotalTokens int `json:"total_tokens" example:"152"`
	// Wall-clock generation time in milliseconds.
	// example: 1843
	DurationMS int64 `json:"duration_ms" example:"1843"`
	// Output tokens per second.
	// example: 69.4
	TokensPerSecond float64 `json:"tokens_per_second" example:"69.4"`
}

// StreamChunk is the unit of generation output. Content chunks carry text;
// exactly one final chunk per stream has Done set with the reason and stats.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done"`
	// Set on the final chunk only.
	Reason DoneReason `json:"done_reason,omitempty"`
	// The stop sequence that matched, when Reason is "stop".
	StopMatch string           `json:"stop_match,omitempty"`
	Stats     *GenerationStats `json:"stats,omitempty"`
	// Error message, when Reason is "error".
	Error string `json:"error,omitempty"`
	// Tool calls parsed from the completed output, if any.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}
