// Package translate builds upstream request bodies from the canonical
// payload and converts upstream replies back into the client's protocol,
// in both buffered and streaming (SSE) form.
package translate

import (
	"fmt"

	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/normalize"
	"github.com/ccgw/gateway/internal/protocol/anthropic"
	"github.com/ccgw/gateway/internal/protocol/openai"
)

const defaultMaxTokens = 4096

// BuildRequest produces the upstream request body for the routed provider
// type, with the routed model substituted.
func BuildRequest(p *normalize.Payload, upstreamType config.ProviderType, model string) (any, error) {
	switch upstreamType {
	case config.TypeAnthropic:
		return BuildAnthropicRequest(p, model), nil
	case config.TypeOpenAIChat:
		return BuildChatRequest(p, model), nil
	case config.TypeOpenAIResponses:
		return BuildResponsesRequest(p, model), nil
	default:
		return nil, fmt.Errorf("unsupported upstream type %q", upstreamType)
	}
}

// BuildAnthropicRequest renders the payload in Anthropic Messages form.
func BuildAnthropicRequest(p *normalize.Payload, model string) *anthropic.MessagesRequest {
	req := &anthropic.MessagesRequest{
		Model:         model,
		Stream:        p.Stream,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		StopSequences: p.Stop,
		Thinking:      p.ThinkingConfig,
	}
	// Anthropic requires max_tokens.
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	if p.System != "" {
		req.System = &anthropic.SystemField{Text: p.System}
	}
	for _, t := range p.Tools {
		req.Tools = append(req.Tools, anthropic.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	if p.ToolChoice != nil {
		req.ToolChoice = anthropicToolChoice(p.ToolChoice)
	}
	for _, msg := range p.Messages {
		role := "user"
		if msg.Role == normalize.RoleAssistant {
			role = "assistant"
		}
		out := anthropic.Message{Role: role}
		for _, blk := range msg.Blocks {
			if cb, ok := anthropicContentBlock(blk); ok {
				out.Content.Blocks = append(out.Content.Blocks, cb)
			}
		}
		if len(out.Content.Blocks) == 0 {
			continue
		}
		req.Messages = append(req.Messages, out)
	}
	return req
}

func anthropicContentBlock(blk normalize.Block) (anthropic.ContentBlock, bool) {
	switch blk.Kind {
	case normalize.BlockText:
		return anthropic.ContentBlock{Type: "text", Text: blk.Text}, true
	case normalize.BlockThinking:
		return anthropic.ContentBlock{Type: "thinking", Thinking: blk.Text}, true
	case normalize.BlockImage:
		src := &anthropic.ImageSource{}
		if blk.ImageData != "" {
			src.Type = "base64"
			src.MediaType = blk.MediaType
			src.Data = blk.ImageData
		} else {
			src.Type = "url"
			src.URL = blk.ImageURL
		}
		return anthropic.ContentBlock{Type: "image", Source: src}, true
	case normalize.BlockToolUse:
		input := blk.ToolInput
		if input == nil {
			// Undecodable arguments ride along under a raw key.
			input = map[string]any{"_raw": blk.RawInput}
		}
		return anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    blk.ToolID,
			Name:  blk.ToolName,
			Input: input,
		}, true
	case normalize.BlockToolResult:
		cb := anthropic.ContentBlock{
			Type:      "tool_result",
			ToolUseID: blk.ToolUseID,
			IsError:   blk.IsError,
		}
		if blk.Result != "" {
			cb.Content = []anthropic.ContentBlock{{Type: "text", Text: blk.Result}}
		}
		return cb, true
	default:
		return anthropic.ContentBlock{}, false
	}
}

func anthropicToolChoice(tc *normalize.ToolChoice) *anthropic.ToolChoice {
	switch tc.Mode {
	case normalize.ToolChoiceNone:
		return &anthropic.ToolChoice{Type: "none"}
	case normalize.ToolChoiceAny:
		return &anthropic.ToolChoice{Type: "any"}
	case normalize.ToolChoiceSpecific:
		return &anthropic.ToolChoice{Type: "tool", Name: tc.Name}
	default:
		return &anthropic.ToolChoice{Type: "auto"}
	}
}

// BuildChatRequest renders the payload in Chat Completions form. The system
// prompt becomes a leading role=system message; tool blocks become
// tool_calls and role=tool messages.
func BuildChatRequest(p *normalize.Payload, model string) *openai.ChatCompletionRequest {
	req := &openai.ChatCompletionRequest{
		Model:       model,
		Stream:      p.Stream,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		Stop:        openai.StopField(p.Stop),
	}
	if p.MaxTokens > 0 {
		mt := p.MaxTokens
		req.MaxCompletionTokens = &mt
	}
	if p.System != "" {
		req.Messages = append(req.Messages, openai.ChatMessage{
			Role:    "system",
			Content: openai.NewTextContent(p.System),
		})
	}
	for _, t := range p.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: "function",
			Function: openai.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if p.ToolChoice != nil {
		req.ToolChoice = chatToolChoice(p.ToolChoice)
	}
	for _, msg := range p.Messages {
		req.Messages = append(req.Messages, chatMessages(msg)...)
	}
	return req
}

// chatMessages flattens one canonical turn into one or more chat messages.
// Tool results must surface as standalone role=tool messages.
func chatMessages(msg normalize.Message) []openai.ChatMessage {
	var out []openai.ChatMessage
	switch msg.Role {
	case normalize.RoleAssistant:
		assistant := openai.ChatMessage{Role: "assistant"}
		text := ""
		for _, blk := range msg.Blocks {
			switch blk.Kind {
			case normalize.BlockText:
				text += blk.Text
			case normalize.BlockToolUse:
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
					ID:   blk.ToolID,
					Type: "function",
					Function: openai.FunctionCall{
						Name:      blk.ToolName,
						Arguments: blk.InputJSON(),
					},
				})
			}
		}
		assistant.Content = openai.NewTextContent(text)
		if text != "" || len(assistant.ToolCalls) > 0 {
			out = append(out, assistant)
		}
	default:
		var parts []openai.ContentPart
		for _, blk := range msg.Blocks {
			switch blk.Kind {
			case normalize.BlockText:
				parts = append(parts, openai.ContentPart{Type: "text", Text: blk.Text})
			case normalize.BlockImage:
				url := blk.ImageURL
				if url == "" {
					url = fmt.Sprintf("data:%s;base64,%s", blk.MediaType, blk.ImageData)
				}
				parts = append(parts, openai.ContentPart{
					Type:     "image_url",
					ImageURL: &openai.ImageURL{URL: url},
				})
			case normalize.BlockToolResult:
				out = append(out, openai.ChatMessage{
					Role:       "tool",
					Content:    openai.NewTextContent(blk.Result),
					ToolCallID: blk.ToolUseID,
				})
			}
		}
		if len(parts) == 1 && parts[0].Type == "text" {
			out = append(out, openai.ChatMessage{Role: "user", Content: openai.NewTextContent(parts[0].Text)})
		} else if len(parts) > 0 {
			out = append(out, openai.ChatMessage{Role: "user", Content: openai.NewPartsContent(parts)})
		}
	}
	return out
}

func chatToolChoice(tc *normalize.ToolChoice) any {
	switch tc.Mode {
	case normalize.ToolChoiceNone:
		return "none"
	case normalize.ToolChoiceAny:
		return "required"
	case normalize.ToolChoiceSpecific:
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	default:
		return "auto"
	}
}

// BuildResponsesRequest renders the payload in Responses API form: system
// maps to instructions, messages to input items.
func BuildResponsesRequest(p *normalize.Payload, model string) *openai.ResponseRequest {
	req := &openai.ResponseRequest{
		Model:        model,
		Stream:       p.Stream,
		Instructions: p.System,
		Temperature:  p.Temperature,
		TopP:         p.TopP,
	}
	if p.MaxTokens > 0 {
		mt := p.MaxTokens
		req.MaxOutputTokens = &mt
	}
	for _, t := range p.Tools {
		req.Tools = append(req.Tools, openai.ResponseTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if p.ToolChoice != nil {
		req.ToolChoice = chatToolChoice(p.ToolChoice)
	}

	var items []openai.InputItem
	for _, msg := range p.Messages {
		items = append(items, responsesItems(msg)...)
	}
	req.Input = openai.NewItemsInput(items)
	return req
}

func responsesItems(msg normalize.Message) []openai.InputItem {
	var out []openai.InputItem
	role := "user"
	contentType := "input_text"
	if msg.Role == normalize.RoleAssistant {
		role = "assistant"
		contentType = "output_text"
	}
	var content []openai.ResponseContent
	for _, blk := range msg.Blocks {
		switch blk.Kind {
		case normalize.BlockText:
			content = append(content, openai.ResponseContent{Type: contentType, Text: blk.Text})
		case normalize.BlockImage:
			url := blk.ImageURL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", blk.MediaType, blk.ImageData)
			}
			content = append(content, openai.ResponseContent{Type: "input_image", ImageURL: url})
		case normalize.BlockToolUse:
			out = append(out, openai.InputItem{
				Type:      "function_call",
				CallID:    blk.ToolID,
				Name:      blk.ToolName,
				Arguments: blk.InputJSON(),
			})
		case normalize.BlockToolResult:
			out = append(out, openai.InputItem{
				Type:   "function_call_output",
				CallID: blk.ToolUseID,
				Output: blk.Result,
			})
		}
	}
	if len(content) > 0 {
		out = append(out, openai.InputItem{Type: "message", Role: role, Content: content})
	}
	return out
}
