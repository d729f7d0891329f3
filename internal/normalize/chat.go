package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/protocol/openai"
)

// FromChat converts an OpenAI Chat Completions request into the canonical
// payload. Legacy functions/function_call fields are folded into tools and
// tool_choice first.
func FromChat(req *openai.ChatCompletionRequest) (*Payload, error) {
	if req == nil {
		return nil, apierr.InvalidRequest("request body must be a JSON object")
	}
	if len(req.Messages) == 0 {
		return nil, apierr.InvalidRequest("messages must not be empty")
	}

	tools := req.Tools
	toolChoice := req.ToolChoice
	if len(tools) == 0 && len(req.Functions) > 0 {
		tools = make([]openai.Tool, 0, len(req.Functions))
		for _, fn := range req.Functions {
			tools = append(tools, openai.Tool{Type: "function", Function: fn})
		}
		if toolChoice == nil && req.FunctionCall != nil {
			toolChoice = legacyFunctionCallChoice(req.FunctionCall)
		}
	}

	p := &Payload{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        []string(req.Stop),
		Metadata:    req.Metadata,
	}
	if req.MaxCompletionTokens != nil {
		p.MaxTokens = *req.MaxCompletionTokens
	} else if req.MaxTokens != nil {
		p.MaxTokens = *req.MaxTokens
	}

	for _, t := range tools {
		if !strings.EqualFold(t.Type, "function") || strings.TrimSpace(t.Function.Name) == "" {
			continue
		}
		p.Tools = append(p.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	if toolChoice != nil {
		p.ToolChoice = chatToolChoice(toolChoice)
	}

	var systemParts []string
	autoCallSeq := 0
	for i, msg := range req.Messages {
		switch strings.ToLower(msg.Role) {
		case "system", "developer":
			if text := msg.Content.PlainText(); strings.TrimSpace(text) != "" {
				systemParts = append(systemParts, text)
			}
		case "assistant":
			out := Message{Role: RoleAssistant}
			if text := msg.Content.PlainText(); text != "" {
				out.Blocks = append(out.Blocks, TextBlock(text))
			}
			calls := msg.ToolCalls
			if len(calls) == 0 && msg.FunctionCall != nil {
				calls = []openai.ToolCall{{Type: "function", Function: *msg.FunctionCall}}
			}
			for _, tc := range calls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					autoCallSeq++
					id = fmt.Sprintf("call_%d_%d", i, autoCallSeq)
				}
				out.Blocks = append(out.Blocks, toolUseBlock(id, tc.Function.Name, tc.Function.Arguments))
			}
			if len(out.Blocks) == 0 {
				continue
			}
			p.Messages = append(p.Messages, out)
		case "tool", "function":
			// A role=tool message becomes a user turn holding one tool_result.
			p.Messages = append(p.Messages, Message{
				Role: RoleUser,
				Blocks: []Block{{
					Kind:      BlockToolResult,
					ToolUseID: msg.ToolCallID,
					Result:    msg.Content.PlainText(),
				}},
			})
		default:
			out := Message{Role: RoleUser}
			if msg.Content.IsParts() {
				for _, part := range msg.Content.Parts {
					switch part.Type {
					case "text":
						out.Blocks = append(out.Blocks, TextBlock(part.Text))
					case "image_url":
						if part.ImageURL == nil {
							continue
						}
						out.Blocks = append(out.Blocks, imageBlockFromURL(part.ImageURL.URL))
					}
				}
			} else if msg.Content.Text != "" {
				out.Blocks = append(out.Blocks, TextBlock(msg.Content.Text))
			}
			if len(out.Blocks) == 0 {
				continue
			}
			p.Messages = append(p.Messages, out)
		}
	}
	p.System = strings.Join(systemParts, "\n\n")

	if len(p.Messages) == 0 {
		return nil, apierr.InvalidRequest("messages contain no usable content")
	}
	return p, nil
}

// toolUseBlock decodes the argument string; on failure the raw string is kept
// so translation can still carry it.
func toolUseBlock(id, name, rawArgs string) Block {
	b := Block{Kind: BlockToolUse, ToolID: id, ToolName: name}
	rawArgs = strings.TrimSpace(rawArgs)
	if rawArgs == "" {
		b.ToolInput = map[string]any{}
		return b
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &input); err != nil {
		b.RawInput = rawArgs
		return b
	}
	b.ToolInput = input
	return b
}

// imageBlockFromURL splits data: URLs into mime+payload; anything else is
// carried as a plain URL reference.
func imageBlockFromURL(url string) Block {
	b := Block{Kind: BlockImage}
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		if semi := strings.Index(rest, ";base64,"); semi >= 0 {
			b.MediaType = rest[:semi]
			b.ImageData = rest[semi+len(";base64,"):]
			return b
		}
	}
	b.ImageURL = url
	return b
}

func chatToolChoice(choice any) *ToolChoice {
	switch v := choice.(type) {
	case string:
		switch strings.ToLower(v) {
		case "none":
			return &ToolChoice{Mode: ToolChoiceNone}
		case "required", "any":
			return &ToolChoice{Mode: ToolChoiceAny}
		default:
			return &ToolChoice{Mode: ToolChoiceAuto}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				return &ToolChoice{Mode: ToolChoiceSpecific, Name: name}
			}
		}
		if name, ok := v["name"].(string); ok && name != "" {
			return &ToolChoice{Mode: ToolChoiceSpecific, Name: name}
		}
		return &ToolChoice{Mode: ToolChoiceAuto}
	default:
		return &ToolChoice{Mode: ToolChoiceAuto}
	}
}

func legacyFunctionCallChoice(fc any) any {
	switch v := fc.(type) {
	case string:
		return v
	case map[string]any:
		if name, ok := v["name"].(string); ok {
			return map[string]any{"type": "function", "function": map[string]any{"name": name}}
		}
	}
	return nil
}
