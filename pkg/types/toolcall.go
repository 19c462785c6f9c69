package types

import (
	"encoding/json"
	"strings"
)

// ToolCall is a structured function invocation extracted from model output.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// rawToolCall accepts the two JSON shapes seen in the wild: one keys the
// function by "name" with an "arguments" object, the other by "tool" with
// "tool_input". Models are not consistent, so both stay supported.
type rawToolCall struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Tool       string         `json:"tool"`
	ToolInput  map[string]any `json:"tool_input"`
	Parameters map[string]any `json:"parameters"`
}

func (r rawToolCall) normalize() (ToolCall, bool) {
	tc := ToolCall{Name: r.Name, Arguments: r.Arguments}
	if tc.Name == "" {
		tc.Name = r.Tool
		if tc.Arguments == nil {
			tc.Arguments = r.ToolInput
		}
	}
	if tc.Arguments == nil {
		tc.Arguments = r.Parameters
	}
	return tc, tc.Name != ""
}

// ParseToolCalls extracts tool calls from generated text. It accepts either a
// single JSON object or a JSON array, optionally wrapped in surrounding prose,
// and returns nil when nothing parseable is present.
func ParseToolCalls(text string) []ToolCall {
	payload := extractJSON(text)
	if payload == "" {
		return nil
	}
	var raws []rawToolCall
	if strings.HasPrefix(payload, "[") {
		if err := json.Unmarshal([]byte(payload), &raws); err != nil {
			return nil
		}
	} else {
		var one rawToolCall
		if err := json.Unmarshal([]byte(payload), &one); err != nil {
			return nil
		}
		raws = []rawToolCall{one}
	}
	var out []ToolCall
	for _, r := range raws {
		if tc, ok := r.normalize(); ok {
			out = append(out, tc)
		}
	}
	return out
}

// extractJSON returns the first balanced top-level JSON object or array in s.
func extractJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
