// Package prompt renders conversations into model-family prompt strings and
// supplies the matching default stop sequences. Dispatch is a closed set of
// architectures with two lookup tables; formatting is pure and stateless.
package prompt

import (
	"strings"

	"inferd/pkg/types"
)

// Architecture tags a model family's prompt dialect.
type Architecture string

const (
	ArchLlama   Architecture = "llama"
	ArchChatML  Architecture = "chatml"
	ArchGemma   Architecture = "gemma"
	ArchPhi     Architecture = "phi"
	ArchMistral Architecture = "mistral"
	ArchPlain   Architecture = "plain"
)

// familyAliases maps registry family strings onto architectures.
var familyAliases = map[string]Architecture{
	"llama":   ArchLlama,
	"llama2":  ArchLlama,
	"llama3":  ArchLlama,
	"chatml":  ArchChatML,
	"qwen":    ArchChatML,
	"qwen2":   ArchChatML,
	"yi":      ArchChatML,
	"gemma":   ArchGemma,
	"gemma2":  ArchGemma,
	"phi":     ArchPhi,
	"phi3":    ArchPhi,
	"mistral": ArchMistral,
	"mixtral": ArchMistral,
	"plain":   ArchPlain,
}

// Detect maps a model family string to its architecture. Unknown families
// fall back to plain formatting rather than refusing to run.
func Detect(family string) Architecture {
	if arch, ok := familyAliases[strings.ToLower(strings.TrimSpace(family))]; ok {
		return arch
	}
	return ArchPlain
}

// Supported lists the closed architecture set, for error suggestions.
func Supported() []Architecture {
	return []Architecture{ArchLlama, ArchChatML, ArchGemma, ArchPhi, ArchMistral, ArchPlain}
}

type formatter func(turns []types.Turn, system string) string

var formatters = map[Architecture]formatter{
	ArchLlama:   formatLlama,
	ArchChatML:  formatChatML,
	ArchGemma:   formatGemma,
	ArchPhi:     formatPhi,
	ArchMistral: formatMistral,
	ArchPlain:   formatPlain,
}

var defaultStops = map[Architecture][]string{
	ArchLlama:   {"</s>", "[INST]"},
	ArchChatML:  {"<|im_end|>", "<|im_start|>"},
	ArchGemma:   {"<end_of_turn>"},
	ArchPhi:     {"<|end|>", "<|user|>"},
	ArchMistral: {"</s>", "[INST]"},
	ArchPlain:   {"\nUser:"},
}

// Format renders turns plus an optional system prompt for the architecture.
func Format(arch Architecture, turns []types.Turn, system string) string {
	f, ok := formatters[arch]
	if !ok {
		f = formatPlain
	}
	return f(turns, system)
}

// DefaultStops returns a copy of the architecture's default stop strings.
func DefaultStops(arch Architecture) []string {
	stops := defaultStops[arch]
	out := make([]string, len(stops))
	copy(out, stops)
	return out
}

func formatLlama(turns []types.Turn, system string) string {
	var b strings.Builder
	pendingSystem := system
	for _, t := range turns {
		switch t.Role {
		case types.RoleSystem:
			pendingSystem = t.Content
		case types.RoleUser:
			b.WriteString("[INST] ")
			if pendingSystem != "" {
				b.WriteString("<<SYS>>\n")
				b.WriteString(pendingSystem)
				b.WriteString("\n<</SYS>>\n\n")
				pendingSystem = ""
			}
			b.WriteString(t.Content)
			b.WriteString(" [/INST]")
		case types.RoleAssistant:
			b.WriteString(" ")
			b.WriteString(t.Content)
			b.WriteString(" </s>")
		}
	}
	return b.String()
}

func formatChatML(turns []types.Turn, system string) string {
	var b strings.Builder
	if system != "" {
		b.WriteString("<|im_start|>system\n")
		b.WriteString(system)
		b.WriteString("<|im_end|>\n")
	}
	for _, t := range turns {
		b.WriteString("<|im_start|>")
		b.WriteString(string(t.Role))
		b.WriteString("\n")
		b.WriteString(t.Content)
		b.WriteString("<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

func formatGemma(turns []types.Turn, system string) string {
	var b strings.Builder
	first := true
	for _, t := range turns {
		role := "user"
		content := t.Content
		switch t.Role {
		case types.RoleAssistant:
			role = "model"
		case types.RoleSystem:
			// Gemma has no system role; fold it into the first user turn.
			continue
		}
		if first && role == "user" && system != "" {
			content = system + "\n\n" + content
			first = false
		}
		b.WriteString("<start_of_turn>")
		b.WriteString(role)
		b.WriteString("\n")
		b.WriteString(content)
		b.WriteString("<end_of_turn>\n")
	}
	b.WriteString("<start_of_turn>model\n")
	return b.String()
}

func formatPhi(turns []types.Turn, system string) string {
	var b strings.Builder
	if system != "" {
		b.WriteString("<|system|>\n")
		b.WriteString(system)
		b.WriteString("<|end|>\n")
	}
	for _, t := range turns {
		switch t.Role {
		case types.RoleUser:
			b.WriteString("<|user|>\n")
		case types.RoleAssistant:
			b.WriteString("<|assistant|>\n")
		default:
			continue
		}
		b.WriteString(t.Content)
		b.WriteString("<|end|>\n")
	}
	b.WriteString("<|assistant|>\n")
	return b.String()
}

func formatMistral(turns []types.Turn, system string) string {
	var b strings.Builder
	pendingSystem := system
	for _, t := range turns {
		switch t.Role {
		case types.RoleUser:
			b.WriteString("[INST] ")
			if pendingSystem != "" {
				b.WriteString(pendingSystem)
				b.WriteString("\n\n")
				pendingSystem = ""
			}
			b.WriteString(t.Content)
			b.WriteString(" [/INST]")
		case types.RoleAssistant:
			b.WriteString(t.Content)
			b.WriteString("</s>")
		}
	}
	return b.String()
}

func formatPlain(turns []types.Turn, system string) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	for _, t := range turns {
		switch t.Role {
		case types.RoleUser:
			b.WriteString("User: ")
		case types.RoleAssistant:
			b.WriteString("Assistant: ")
		case types.RoleSystem:
			continue
		}
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}
