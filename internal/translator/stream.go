package translator

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ParseSSELine extracts the JSON payload from one upstream SSE line. The
// second return is false for blank lines, comments and non-data fields.
func ParseSSELine(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] == ':' {
		return nil, false
	}
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return nil, false
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return nil, false
	}
	return payload, true
}

// StreamEmitter writes one Anthropic SSE event.
type StreamEmitter func(event string, payload []byte) error

// StreamConverter re-emits upstream streaming chunks as Anthropic SSE
// events, tracking content-block transitions (thinking, text, tool calls)
// and accumulating usage for the terminal message_delta.
type StreamConverter struct {
	model string
	emit  StreamEmitter

	started    bool
	blockIndex int
	blockOpen  bool
	blockKind  string
	hasToolUse bool
	sawContent bool

	finishReason string
	usage        Usage
}

// NewStreamConverter builds a converter for the inbound model name.
func NewStreamConverter(model string, emit StreamEmitter) *StreamConverter {
	return &StreamConverter{model: model, emit: emit, blockIndex: -1}
}

// SawContent reports whether any content block was produced; the dispatcher
// uses this to detect empty upstream streams.
func (c *StreamConverter) SawContent() bool { return c.sawContent }

func (c *StreamConverter) emitJSON(event string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.emit(event, payload)
}

func (c *StreamConverter) start() error {
	if c.started {
		return nil
	}
	c.started = true
	err := c.emitJSON("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            "msg_" + uuid.NewString(),
			"type":          "message",
			"role":          "assistant",
			"model":         c.model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]interface{}{"input_tokens": 0, "output_tokens": 0},
		},
	})
	if err != nil {
		return err
	}
	return c.emitJSON("ping", map[string]interface{}{"type": "ping"})
}

func (c *StreamConverter) openBlock(kind string, block map[string]interface{}) error {
	if err := c.closeBlock(); err != nil {
		return err
	}
	c.blockIndex++
	c.blockOpen = true
	c.blockKind = kind
	c.sawContent = true
	return c.emitJSON("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         c.blockIndex,
		"content_block": block,
	})
}

func (c *StreamConverter) closeBlock() error {
	if !c.blockOpen {
		return nil
	}
	c.blockOpen = false
	c.blockKind = ""
	return c.emitJSON("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": c.blockIndex,
	})
}

func (c *StreamConverter) delta(delta map[string]interface{}) error {
	return c.emitJSON("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": c.blockIndex,
		"delta": delta,
	})
}

// Feed consumes one upstream JSON chunk.
func (c *StreamConverter) Feed(payload []byte) error {
	if err := c.start(); err != nil {
		return err
	}
	root := gjson.ParseBytes(payload)
	response := root.Get("response")
	if !response.Exists() {
		response = root
	}
	candidate := response.Get("candidates.0")

	if fr := candidate.Get("finishReason").String(); fr != "" {
		c.finishReason = fr
	}
	if usage := response.Get("usageMetadata"); usage.Exists() {
		c.usage = convertUsage(usage)
	}

	for _, part := range candidate.Get("content.parts").Array() {
		if err := c.feedPart(part); err != nil {
			return err
		}
	}
	return nil
}

func (c *StreamConverter) feedPart(part gjson.Result) error {
	if fc := part.Get("functionCall"); fc.Exists() {
		c.hasToolUse = true
		if sig := part.Get("thoughtSignature").String(); sig != "" {
			RememberSignature(sig, c.model)
		}
		id := fc.Get("id").String()
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}
		err := c.openBlock("tool_use", map[string]interface{}{
			"type":  "tool_use",
			"id":    id,
			"name":  fc.Get("name").String(),
			"input": map[string]interface{}{},
		})
		if err != nil {
			return err
		}
		if args := fc.Get("args"); args.Exists() {
			if err := c.delta(map[string]interface{}{
				"type":         "input_json_delta",
				"partial_json": args.Raw,
			}); err != nil {
				return err
			}
		}
		return c.closeBlock()
	}

	if inline := part.Get("inlineData"); inline.Exists() {
		err := c.openBlock("image", map[string]interface{}{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": inline.Get("mimeType").String(),
				"data":       inline.Get("data").String(),
			},
		})
		if err != nil {
			return err
		}
		return c.closeBlock()
	}

	if part.Get("thought").Bool() {
		if c.blockKind != "thinking" {
			err := c.openBlock("thinking", map[string]interface{}{
				"type":     "thinking",
				"thinking": "",
			})
			if err != nil {
				return err
			}
		}
		if text := part.Get("text").String(); text != "" {
			if err := c.delta(map[string]interface{}{
				"type":     "thinking_delta",
				"thinking": text,
			}); err != nil {
				return err
			}
		}
		if sig := part.Get("thoughtSignature").String(); sig != "" {
			RememberSignature(sig, c.model)
			if err := c.delta(map[string]interface{}{
				"type":      "signature_delta",
				"signature": sig,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	if text := part.Get("text"); text.Exists() {
		if c.blockKind != "text" {
			err := c.openBlock("text", map[string]interface{}{
				"type": "text",
				"text": "",
			})
			if err != nil {
				return err
			}
		}
		return c.delta(map[string]interface{}{
			"type": "text_delta",
			"text": text.String(),
		})
	}
	return nil
}

// Finish closes any open block and emits the terminal events.
func (c *StreamConverter) Finish() error {
	if err := c.start(); err != nil {
		return err
	}
	if err := c.closeBlock(); err != nil {
		return err
	}
	err := c.emitJSON("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   mapStopReason(c.finishReason, c.hasToolUse),
			"stop_sequence": nil,
		},
		"usage": c.usage,
	})
	if err != nil {
		return err
	}
	return c.emitJSON("message_stop", map[string]interface{}{"type": "message_stop"})
}

// StreamAggregator merges upstream streaming chunks into one response, for
// non-streaming calls that must ride the streaming endpoint (thinking models
// emit no thought text on the non-streaming path). Adjacent text and thought
// fragments coalesce into single parts.
type StreamAggregator struct {
	parts        []map[string]interface{}
	pendingKind  string
	pendingText  strings.Builder
	pendingSig   string
	finishReason string
	usageRaw     string
	responseID   string
}

// Feed consumes one upstream JSON chunk.
func (a *StreamAggregator) Feed(payload []byte) {
	root := gjson.ParseBytes(payload)
	response := root.Get("response")
	if !response.Exists() {
		if !root.Get("candidates").Exists() {
			return
		}
		response = root
	}
	if fr := response.Get("candidates.0.finishReason").String(); fr != "" {
		a.finishReason = fr
	}
	if usage := response.Get("usageMetadata"); usage.Exists() {
		a.usageRaw = usage.Raw
	}
	if id := response.Get("responseId").String(); id != "" {
		a.responseID = id
	}

	for _, part := range response.Get("candidates.0.content.parts").Array() {
		if part.Get("functionCall").Exists() || part.Get("inlineData").Exists() {
			a.flushPending()
			var m map[string]interface{}
			if err := json.Unmarshal([]byte(part.Raw), &m); err == nil {
				a.parts = append(a.parts, m)
			}
			continue
		}
		if part.Get("thought").Bool() || part.Get("text").Exists() {
			kind := "text"
			if part.Get("thought").Bool() {
				kind = "thought"
			}
			if a.pendingKind != "" && a.pendingKind != kind {
				a.flushPending()
			}
			a.pendingKind = kind
			a.pendingText.WriteString(part.Get("text").String())
			if sig := part.Get("thoughtSignature").String(); kind == "thought" && sig != "" {
				a.pendingSig = sig
			}
		}
	}
}

func (a *StreamAggregator) flushPending() {
	if a.pendingKind == "" {
		return
	}
	text := a.pendingText.String()
	switch a.pendingKind {
	case "text":
		if strings.TrimSpace(text) != "" {
			a.parts = append(a.parts, map[string]interface{}{"text": text})
		}
	case "thought":
		if strings.TrimSpace(text) != "" || a.pendingSig != "" {
			part := map[string]interface{}{"text": text, "thought": true}
			if a.pendingSig != "" {
				part["thoughtSignature"] = a.pendingSig
			}
			a.parts = append(a.parts, part)
		}
	}
	a.pendingKind = ""
	a.pendingText.Reset()
	a.pendingSig = ""
}

// Empty reports whether no content arrived at all.
func (a *StreamAggregator) Empty() bool {
	return len(a.parts) == 0 && a.pendingKind == ""
}

// Response assembles the merged chunks and converts them to the Anthropic
// shape for the inbound model name.
func (a *StreamAggregator) Response(model string) (*MessagesResponse, error) {
	a.flushPending()
	if a.parts == nil {
		a.parts = []map[string]interface{}{}
	}

	merged := `{"candidates":[{"content":{"role":"model","parts":[]}}]}`
	partsJSON, err := json.Marshal(a.parts)
	if err != nil {
		return nil, err
	}
	merged, _ = sjson.SetRaw(merged, "candidates.0.content.parts", string(partsJSON))
	if a.finishReason != "" {
		merged, _ = sjson.Set(merged, "candidates.0.finishReason", a.finishReason)
	}
	if a.responseID != "" {
		merged, _ = sjson.Set(merged, "responseId", a.responseID)
	}
	if a.usageRaw != "" {
		merged, _ = sjson.SetRaw(merged, "usageMetadata", a.usageRaw)
	}
	return ConvertResponse([]byte(merged), model)
}
