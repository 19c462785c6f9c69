package types

import "testing"

func TestParseToolCallsSingleObject(t *testing.T) {
	calls := ParseToolCalls(`{"name":"get_weather","arguments":{"city":"Oslo"}}`)
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].Name != "get_weather" {
		t.Fatalf("name = %q", calls[0].Name)
	}
	if calls[0].Arguments["city"] != "Oslo" {
		t.Fatalf("arguments = %v", calls[0].Arguments)
	}
}

func TestParseToolCallsToolInputShape(t *testing.T) {
	calls := ParseToolCalls(`{"tool":"search","tool_input":{"query":"golang"}}`)
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].Name != "search" {
		t.Fatalf("name = %q", calls[0].Name)
	}
	if calls[0].Arguments["query"] != "golang" {
		t.Fatalf("arguments = %v", calls[0].Arguments)
	}
}

func TestParseToolCallsArray(t *testing.T) {
	calls := ParseToolCalls(`[{"name":"a","arguments":{}},{"tool":"b","tool_input":{"x":1}}]`)
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].Name != "a" || calls[1].Name != "b" {
		t.Fatalf("names = %q, %q", calls[0].Name, calls[1].Name)
	}
}

func TestParseToolCallsWrappedInProse(t *testing.T) {
	text := "Sure, I will call the tool now:\n{\"name\":\"lookup\",\"arguments\":{\"id\":\"42\"}}\nLet me know the result."
	calls := ParseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].Name != "lookup" {
		t.Fatalf("name = %q", calls[0].Name)
	}
}

func TestParseToolCallsParametersShape(t *testing.T) {
	calls := ParseToolCalls(`{"name":"calc","parameters":{"op":"add"}}`)
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].Arguments["op"] != "add" {
		t.Fatalf("arguments = %v", calls[0].Arguments)
	}
}

func TestParseToolCallsNoJSON(t *testing.T) {
	for _, text := range []string{
		"just a plain sentence",
		"",
		"unbalanced { brace",
		`{"arguments":{"no":"name"}}`,
	} {
		if calls := ParseToolCalls(text); calls != nil {
			t.Fatalf("ParseToolCalls(%q) = %v, want nil", text, calls)
		}
	}
}

func TestParseToolCallsBracesInsideStrings(t *testing.T) {
	calls := ParseToolCalls(`{"name":"echo","arguments":{"text":"a } inside"}}`)
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].Arguments["text"] != "a } inside" {
		t.Fatalf("arguments = %v", calls[0].Arguments)
	}
}
