package translator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ConvertResponse maps a non-streaming upstream reply onto the Anthropic
// Messages shape. The body may be the raw generateContent response or the
// {"response": ...} wrapper.
func ConvertResponse(body []byte, model string) (*MessagesResponse, error) {
	root := gjson.ParseBytes(body)
	response := root.Get("response")
	if !response.Exists() {
		response = root
	}
	candidate := response.Get("candidates.0")
	if !candidate.Exists() {
		return nil, fmt.Errorf("upstream response has no candidates")
	}

	out := &MessagesResponse{
		ID:    response.Get("responseId").String(),
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}
	if out.ID == "" {
		out.ID = "msg_" + uuid.NewString()
	}

	hasToolUse := false
	for _, part := range candidate.Get("content.parts").Array() {
		block, isTool := convertPart(part, model)
		if block == nil {
			continue
		}
		if isTool {
			hasToolUse = true
		}
		out.Content = append(out.Content, *block)
	}

	out.StopReason = mapStopReason(candidate.Get("finishReason").String(), hasToolUse)
	out.Usage = convertUsage(response.Get("usageMetadata"))
	return out, nil
}

// convertPart maps one upstream part to a content block; the second return
// reports a tool_use block.
func convertPart(part gjson.Result, model string) (*ContentBlock, bool) {
	if fc := part.Get("functionCall"); fc.Exists() {
		id := fc.Get("id").String()
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}
		input := json.RawMessage(`{}`)
		if args := fc.Get("args"); args.Exists() {
			input = json.RawMessage(args.Raw)
		}
		if sig := part.Get("thoughtSignature").String(); sig != "" {
			RememberSignature(sig, model)
		}
		return &ContentBlock{
			Type:  "tool_use",
			ID:    id,
			Name:  fc.Get("name").String(),
			Input: input,
		}, true
	}

	if inline := part.Get("inlineData"); inline.Exists() {
		return &ContentBlock{
			Type: "image",
			Source: &ImageSource{
				Type:      "base64",
				MediaType: inline.Get("mimeType").String(),
				Data:      inline.Get("data").String(),
			},
		}, false
	}

	if part.Get("thought").Bool() {
		sig := part.Get("thoughtSignature").String()
		if sig != "" {
			RememberSignature(sig, model)
		}
		return &ContentBlock{
			Type:      "thinking",
			Thinking:  part.Get("text").String(),
			Signature: sig,
		}, false
	}

	if text := part.Get("text"); text.Exists() {
		return &ContentBlock{Type: "text", Text: text.String()}, false
	}
	return nil, false
}

func mapStopReason(finishReason string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch finishReason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "", "STOP", "FINISH_REASON_UNSPECIFIED":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// convertUsage translates upstream token accounting: prompt tokens include
// the cached prefix, Anthropic input_tokens exclude it.
func convertUsage(usage gjson.Result) Usage {
	prompt := int(usage.Get("promptTokenCount").Int())
	cached := int(usage.Get("cachedContentTokenCount").Int())
	output := int(usage.Get("candidatesTokenCount").Int()) + int(usage.Get("thoughtsTokenCount").Int())
	input := prompt - cached
	if input < 0 {
		input = 0
	}
	return Usage{
		InputTokens:          input,
		OutputTokens:         output,
		CacheReadInputTokens: cached,
	}
}
