package translator

import (
	"encoding/json"
	"fmt"

	"github.com/pysugar/antigravity-nexus/internal/catalog"
	"github.com/pysugar/antigravity-nexus/internal/logging"
)

// CleanCacheControl strips cache_control from every content block. Upstream
// rejects unknown fields, and Anthropic clients attach these liberally.
func CleanCacheControl(req *MessagesRequest) {
	for mi := range req.Messages {
		for bi := range req.Messages[mi].Content {
			req.Messages[mi].Content[bi].CacheControl = nil
		}
	}
}

// BuildUpstreamPayload converts an Anthropic Messages request into the
// wrapped generateContent payload for the given project.
func BuildUpstreamPayload(req *MessagesRequest, projectID string) ([]byte, error) {
	CleanCacheControl(req)

	upstreamModel := catalog.UpstreamID(req.Model)
	family := catalog.FamilyOf(req.Model)

	contents, err := convertMessages(req.Messages, family)
	if err != nil {
		return nil, err
	}

	request := map[string]interface{}{
		"contents": contents,
		"toolConfig": map[string]interface{}{
			"functionCallingConfig": map[string]interface{}{"mode": "VALIDATED"},
		},
		"generationConfig": buildGenerationConfig(req),
		"sessionId":        StableSessionID(req.Messages),
	}
	if system := req.SystemText(); system != "" {
		request["systemInstruction"] = map[string]interface{}{
			"role":  "user",
			"parts": []interface{}{map[string]interface{}{"text": system}},
		}
	}
	if len(req.Tools) > 0 {
		request["tools"] = convertTools(req.Tools, family)
	}

	payload := map[string]interface{}{
		"model":       upstreamModel,
		"project":     projectID,
		"requestId":   logging.GenerateRequestID(),
		"userAgent":   "antigravity",
		"requestType": "agent",
		"request":     request,
	}
	return json.Marshal(payload)
}

func buildGenerationConfig(req *MessagesRequest) map[string]interface{} {
	gc := map[string]interface{}{}

	maxTokens := req.MaxTokens
	if limit := catalog.MaxOutputTokens(req.Model); limit > 0 && (maxTokens <= 0 || maxTokens > limit) {
		maxTokens = limit
	}
	if maxTokens > 0 {
		gc["maxOutputTokens"] = maxTokens
	}
	if req.Temperature != nil {
		gc["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gc["topP"] = *req.TopP
	}
	if req.TopK != nil {
		gc["topK"] = *req.TopK
	}
	if len(req.StopSequences) > 0 {
		gc["stopSequences"] = req.StopSequences
	}
	if catalog.IsThinkingModel(req.Model) {
		thinking := map[string]interface{}{"includeThoughts": true}
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			thinking["thinkingBudget"] = req.Thinking.BudgetTokens
		}
		gc["thinkingConfig"] = thinking
	}

	// Native generation options (responseModalities, imageConfig, ...) pass
	// through untouched; image models depend on them.
	for key, value := range req.GenerationConfig {
		if key == "safetySettings" {
			continue
		}
		gc[key] = value
	}
	return gc
}

func convertTools(tools []Tool, family catalog.Family) []interface{} {
	declarations := make([]interface{}, 0, len(tools))
	for _, tool := range tools {
		decl := map[string]interface{}{"name": tool.Name}
		if tool.Description != "" {
			decl["description"] = tool.Description
		}
		if tool.InputSchema != nil {
			if family == catalog.FamilyClaude {
				decl["parameters"] = CleanSchema(tool.InputSchema)
			} else {
				decl["parametersJsonSchema"] = tool.InputSchema
			}
		}
		declarations = append(declarations, decl)
	}
	return []interface{}{
		map[string]interface{}{"functionDeclarations": declarations},
	}
}

// convertMessages maps Anthropic turns onto upstream contents, merging
// consecutive same-role messages and validating historical thought
// signatures against the target family.
func convertMessages(messages []Message, family catalog.Family) ([]interface{}, error) {
	hasGeminiHistory := conversationHasGeminiHistory(messages)

	// tool_use ids seen so far, for functionResponse name resolution.
	toolNames := make(map[string]string)
	// tool_use ids still awaiting a tool_result.
	pending := make(map[string]string)

	var contents []interface{}
	var currentRole string
	var currentParts []interface{}

	flush := func() {
		if len(currentParts) > 0 {
			contents = append(contents, map[string]interface{}{
				"role":  currentRole,
				"parts": currentParts,
			})
		}
		currentParts = nil
	}

	for _, msg := range messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		if role != currentRole {
			flush()
			currentRole = role
		}

		var lastSignature string
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				currentParts = append(currentParts, map[string]interface{}{"text": block.Text})

			case "thinking":
				part := map[string]interface{}{"text": block.Thinking, "thought": true}
				if sig := validateSignature(block.Signature, family, hasGeminiHistory); sig != "" {
					part["thoughtSignature"] = sig
				}
				lastSignature = block.Signature
				currentParts = append(currentParts, part)

			case "tool_use":
				var args interface{} = map[string]interface{}{}
				if len(block.Input) > 0 {
					if err := json.Unmarshal(block.Input, &args); err != nil {
						return nil, fmt.Errorf("tool_use %s: malformed input: %w", block.ID, err)
					}
				}
				part := map[string]interface{}{
					"functionCall": map[string]interface{}{
						"id":   block.ID,
						"name": block.Name,
						"args": args,
					},
				}
				if family == catalog.FamilyGemini {
					if sig := validateSignature(lastSignature, family, hasGeminiHistory); sig != "" {
						part["thoughtSignature"] = sig
					}
				}
				toolNames[block.ID] = block.Name
				pending[block.ID] = block.Name
				currentParts = append(currentParts, part)

			case "tool_result":
				name := toolNames[block.ToolUseID]
				if name == "" {
					name = block.ToolUseID
				}
				delete(pending, block.ToolUseID)
				currentParts = append(currentParts, map[string]interface{}{
					"functionResponse": map[string]interface{}{
						"id":       block.ToolUseID,
						"name":     name,
						"response": toolResultResponse(block),
					},
				})

			case "image":
				if block.Source == nil || block.Source.Type != "base64" {
					continue
				}
				currentParts = append(currentParts, map[string]interface{}{
					"inlineData": map[string]interface{}{
						"mimeType": block.Source.MediaType,
						"data":     block.Source.Data,
					},
				})
			}
		}
	}
	flush()

	// A history ending on an unanswered tool call (clients switching models
	// mid-loop) is rejected upstream; close the loop synthetically.
	if len(pending) > 0 && len(contents) > 0 {
		last := contents[len(contents)-1].(map[string]interface{})
		if last["role"] == "model" && lastPartIsFunctionCall(last) {
			var parts []interface{}
			for id, name := range pending {
				parts = append(parts, map[string]interface{}{
					"functionResponse": map[string]interface{}{
						"id":   id,
						"name": name,
						"response": map[string]interface{}{
							"output": "Tool loop closed: no result was provided.",
						},
					},
				})
			}
			contents = append(contents, map[string]interface{}{
				"role":  "user",
				"parts": parts,
			})
		}
	}
	return contents, nil
}

func lastPartIsFunctionCall(content map[string]interface{}) bool {
	parts, ok := content["parts"].([]interface{})
	if !ok || len(parts) == 0 {
		return false
	}
	part, ok := parts[len(parts)-1].(map[string]interface{})
	if !ok {
		return false
	}
	_, has := part["functionCall"]
	return has
}

func conversationHasGeminiHistory(messages []Message) bool {
	for _, msg := range messages {
		for _, block := range msg.Content {
			if block.Signature == "" {
				continue
			}
			if family, ok := SignatureFamily(block.Signature); ok && family == catalog.FamilyGemini {
				return true
			}
		}
	}
	return false
}

// toolResultResponse flattens a tool_result's content, which can be a plain
// string, a block array, or arbitrary structured JSON.
func toolResultResponse(block ContentBlock) map[string]interface{} {
	out := map[string]interface{}{}
	if block.IsError {
		out["isError"] = true
	}
	if len(block.Content) == 0 {
		out["output"] = ""
		return out
	}
	var s string
	if err := json.Unmarshal(block.Content, &s); err == nil {
		out["output"] = s
		return out
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(block.Content, &blocks); err == nil {
		text := ""
		for _, b := range blocks {
			if b.Type == "text" {
				if text != "" {
					text += "\n"
				}
				text += b.Text
			}
		}
		out["output"] = text
		return out
	}
	var structured interface{}
	if err := json.Unmarshal(block.Content, &structured); err == nil {
		out["output"] = structured
		return out
	}
	out["output"] = string(block.Content)
	return out
}
