package translator

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"
)

type recordedEvent struct {
	event   string
	payload string
}

func collectEvents(t *testing.T, chunks []string) []recordedEvent {
	t.Helper()
	var events []recordedEvent
	c := NewStreamConverter("claude-opus-4-5-thinking", func(event string, payload []byte) error {
		events = append(events, recordedEvent{event: event, payload: string(payload)})
		return nil
	})
	for _, chunk := range chunks {
		if err := c.Feed([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Finish(); err != nil {
		t.Fatal(err)
	}
	return events
}

func eventNames(events []recordedEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.event
	}
	return out
}

func TestStreamConverterEventSequence(t *testing.T) {
	chunks := []string{
		`{"response":{"candidates":[{"content":{"parts":[{"text":"think","thought":true}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"ing","thought":true,"thoughtSignature":"sig-st-1"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"answer"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"id":"c1","name":"ls","args":{"p":1}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}}`,
	}
	events := collectEvents(t, chunks)

	want := []string{
		"message_start", "ping",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}
	got := eventNames(events)
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	// Thinking block: two thinking deltas then a signature delta.
	if d := gjson.Get(events[3].payload, "delta"); d.Get("type").String() != "thinking_delta" || d.Get("thinking").String() != "think" {
		t.Errorf("first delta = %s", events[3].payload)
	}
	if d := gjson.Get(events[5].payload, "delta"); d.Get("type").String() != "signature_delta" || d.Get("signature").String() != "sig-st-1" {
		t.Errorf("signature delta = %s", events[5].payload)
	}
	if d := gjson.Get(events[8].payload, "delta"); d.Get("type").String() != "text_delta" || d.Get("text").String() != "answer" {
		t.Errorf("text delta = %s", events[8].payload)
	}
	if b := gjson.Get(events[10].payload, "content_block"); b.Get("type").String() != "tool_use" || b.Get("name").String() != "ls" {
		t.Errorf("tool block start = %s", events[10].payload)
	}
	if d := gjson.Get(events[11].payload, "delta"); d.Get("type").String() != "input_json_delta" {
		t.Errorf("tool delta = %s", events[11].payload)
	}

	// Terminal events carry the stop reason and usage.
	md := events[len(events)-2]
	if md.event != "message_delta" {
		t.Fatalf("penultimate event = %s", md.event)
	}
	if got := gjson.Get(md.payload, "delta.stop_reason").String(); got != "tool_use" {
		t.Errorf("stop reason = %q", got)
	}
	if got := gjson.Get(md.payload, "usage.input_tokens").Int(); got != 10 {
		t.Errorf("usage input tokens = %d", got)
	}
}

func TestStreamConverterSawContent(t *testing.T) {
	c := NewStreamConverter("gemini-3-flash", func(string, []byte) error { return nil })
	if err := c.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[]}}]}}`)); err != nil {
		t.Fatal(err)
	}
	if c.SawContent() {
		t.Error("empty parts must not count as content")
	}
	if err := c.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}}`)); err != nil {
		t.Fatal(err)
	}
	if !c.SawContent() {
		t.Error("text part must count as content")
	}
}

func TestParseSSELine(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{`data: {"a":1}`, `{"a":1}`, true},
		{`data:{"a":1}`, `{"a":1}`, true},
		{"", "", false},
		{": keepalive", "", false},
		{"event: done", "", false},
		{"data: [DONE]", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseSSELine([]byte(tt.line))
		if ok != tt.ok || string(got) != tt.want {
			t.Errorf("ParseSSELine(%q) = %q, %v; want %q, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStreamAggregatorMergesFragments(t *testing.T) {
	var a StreamAggregator
	chunks := []string{
		`{"response":{"candidates":[{"content":{"parts":[{"text":"first ","thought":true}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"thought","thought":true,"thoughtSignature":"sig-agg-1"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"final "}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"text"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":4}}}`,
	}
	for _, chunk := range chunks {
		a.Feed([]byte(chunk))
	}
	if a.Empty() {
		t.Fatal("aggregator should have content")
	}

	resp, err := a.Response("claude-opus-4-5-thinking")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("blocks = %d, want merged thinking + text", len(resp.Content))
	}
	if b := resp.Content[0]; b.Type != "thinking" || b.Thinking != "first thought" || b.Signature != "sig-agg-1" {
		t.Errorf("thinking block = %+v", b)
	}
	if b := resp.Content[1]; b.Type != "text" || b.Text != "final text" {
		t.Errorf("text block = %+v", b)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 8 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestStreamAggregatorEmpty(t *testing.T) {
	var a StreamAggregator
	a.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[]}}]}}`))
	if !a.Empty() {
		t.Error("no parts fed, aggregator must be empty")
	}
}

func TestStreamAggregatorFunctionCallInterleaved(t *testing.T) {
	var a StreamAggregator
	a.Feed([]byte(`{"response":{"candidates":[{"content":{"parts":[
		{"text":"plan","thought":true},
		{"functionCall":{"id":"c1","name":"run","args":{}}}
	]},"finishReason":"STOP"}]}}`))

	resp, err := a.Response("gemini-3-pro-high")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("blocks = %d, want 2", len(resp.Content))
	}
	if resp.Content[0].Type != "thinking" || resp.Content[1].Type != "tool_use" {
		t.Errorf("block order = %s, %s", resp.Content[0].Type, resp.Content[1].Type)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
}

func TestStreamConverterEmitsValidJSON(t *testing.T) {
	events := collectEvents(t, []string{
		`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}]}}`,
	})
	for _, e := range events {
		if !json.Valid([]byte(e.payload)) {
			t.Errorf("event %s payload is not valid JSON: %s", e.event, e.payload)
		}
	}
}
