package translate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/normalize"
	"github.com/ccgw/gateway/internal/protocol/anthropic"
	"github.com/ccgw/gateway/internal/protocol/openai"
)

// Result is the neutral form of a completed upstream reply. Renderers turn
// it into whichever protocol the client spoke.
type Result struct {
	ID         string
	Model      string
	Blocks     []normalize.Block
	StopReason string // Anthropic vocabulary
	Usage      Usage
}

// ParseResponse decodes a buffered upstream body according to the provider
// type it came from.
func ParseResponse(body []byte, upstreamType config.ProviderType) (*Result, error) {
	switch upstreamType {
	case config.TypeAnthropic:
		return ParseAnthropicResponse(body)
	case config.TypeOpenAIChat:
		return ParseChatResponse(body)
	case config.TypeOpenAIResponses:
		return ParseResponsesResponse(body)
	default:
		return nil, apierr.Internal(fmt.Errorf("unsupported upstream type %q", upstreamType))
	}
}

// RenderResponse encodes a neutral result for the client's protocol.
// clientModel is the model name the caller asked for, echoed back.
func RenderResponse(res *Result, clientType config.ProviderType, clientModel string) ([]byte, error) {
	switch clientType {
	case config.TypeAnthropic:
		return json.Marshal(RenderAnthropic(res, clientModel))
	case config.TypeOpenAIChat:
		return json.Marshal(RenderChat(res, clientModel))
	case config.TypeOpenAIResponses:
		return json.Marshal(RenderResponses(res, clientModel))
	default:
		return nil, apierr.Internal(fmt.Errorf("unsupported client type %q", clientType))
	}
}

// ParseAnthropicResponse decodes a buffered Messages reply.
func ParseAnthropicResponse(body []byte) (*Result, error) {
	var resp anthropic.MessagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierr.UpstreamDecode(err)
	}
	res := &Result{
		ID:         resp.ID,
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Usage:      FromAnthropicUsage(resp.Usage),
	}
	for _, cb := range resp.Content {
		switch cb.Type {
		case "text":
			res.Blocks = append(res.Blocks, normalize.TextBlock(cb.Text))
		case "thinking":
			res.Blocks = append(res.Blocks, normalize.Block{Kind: normalize.BlockThinking, Text: cb.Thinking})
		case "tool_use":
			res.Blocks = append(res.Blocks, normalize.Block{
				Kind:      normalize.BlockToolUse,
				ToolID:    cb.ID,
				ToolName:  cb.Name,
				ToolInput: cb.Input,
			})
		}
	}
	return res, nil
}

// ParseChatResponse decodes a buffered Chat Completions reply. Only the
// first choice is carried.
func ParseChatResponse(body []byte) (*Result, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierr.UpstreamDecode(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apierr.UpstreamDecode(fmt.Errorf("chat completion carried no choices"))
	}
	choice := resp.Choices[0]
	res := &Result{
		ID:         resp.ID,
		Model:      resp.Model,
		StopReason: FinishToStopReason(choice.FinishReason),
		Usage:      FromChatUsage(resp.Usage),
	}
	if text := choice.Message.Content.PlainText(); text != "" {
		res.Blocks = append(res.Blocks, normalize.TextBlock(text))
	}
	for _, tc := range choice.Message.ToolCalls {
		res.Blocks = append(res.Blocks, toolUseFromCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	if fc := choice.Message.FunctionCall; fc != nil {
		res.Blocks = append(res.Blocks, toolUseFromCall("call_"+uuid.NewString(), fc.Name, fc.Arguments))
	}
	return res, nil
}

// ParseResponsesResponse decodes a buffered Responses API reply.
func ParseResponsesResponse(body []byte) (*Result, error) {
	var resp openai.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierr.UpstreamDecode(err)
	}
	res := &Result{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: FromResponsesUsage(resp.Usage),
	}
	sawToolCall := false
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" || c.Type == "text" {
					res.Blocks = append(res.Blocks, normalize.TextBlock(c.Text))
				}
			}
		case "function_call":
			sawToolCall = true
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			res.Blocks = append(res.Blocks, toolUseFromCall(id, item.Name, item.Arguments))
		case "reasoning":
			// Reasoning summaries are not carried across protocols.
		}
	}
	res.StopReason = ResponseStatusToStop(resp.Status, sawToolCall)
	return res, nil
}

// toolUseFromCall decodes argument JSON, repairing truncated or sloppy
// output before giving up and carrying the raw string.
func toolUseFromCall(id, name, arguments string) normalize.Block {
	blk := normalize.Block{Kind: normalize.BlockToolUse, ToolID: id, ToolName: name}
	if blk.ToolID == "" {
		blk.ToolID = "call_" + uuid.NewString()
	}
	if arguments == "" {
		blk.ToolInput = map[string]any{}
		return blk
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err == nil {
		blk.ToolInput = input
		return blk
	}
	if repaired, err := jsonrepair.JSONRepair(arguments); err == nil {
		if err := json.Unmarshal([]byte(repaired), &input); err == nil {
			blk.ToolInput = input
			return blk
		}
	}
	blk.RawInput = arguments
	return blk
}

// RenderAnthropic renders a neutral result as a Messages reply.
func RenderAnthropic(res *Result, clientModel string) *anthropic.MessagesResponse {
	resp := &anthropic.MessagesResponse{
		ID:         anthropicMessageID(res.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      clientModel,
		StopReason: res.StopReason,
		Usage:      ToAnthropicUsage(res.Usage),
	}
	if resp.StopReason == "" {
		resp.StopReason = "end_turn"
	}
	for _, blk := range res.Blocks {
		if cb, ok := anthropicContentBlock(blk); ok {
			resp.Content = append(resp.Content, cb)
		}
	}
	if resp.Content == nil {
		resp.Content = []anthropic.ContentBlock{}
	}
	return resp
}

// RenderChat renders a neutral result as a Chat Completions reply.
func RenderChat(res *Result, clientModel string) *openai.ChatCompletionResponse {
	msg := openai.ChatMessage{Role: "assistant"}
	text := ""
	for _, blk := range res.Blocks {
		switch blk.Kind {
		case normalize.BlockText:
			text += blk.Text
		case normalize.BlockToolUse:
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   blk.ToolID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      blk.ToolName,
					Arguments: blk.InputJSON(),
				},
			})
		}
	}
	msg.Content = openai.NewTextContent(text)
	return &openai.ChatCompletionResponse{
		ID:      chatCompletionID(res.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   clientModel,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			FinishReason: StopToFinishReason(res.StopReason),
			Message:      msg,
		}},
		Usage: ToChatUsage(res.Usage),
	}
}

// RenderResponses renders a neutral result as a Responses API reply.
func RenderResponses(res *Result, clientModel string) *openai.Response {
	resp := &openai.Response{
		ID:        responseID(res.ID),
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Status:    StopToResponseStatus(res.StopReason),
		Model:     clientModel,
		Usage:     ToResponsesUsage(res.Usage),
	}
	var msgContent []openai.ResponseContent
	for _, blk := range res.Blocks {
		switch blk.Kind {
		case normalize.BlockText:
			msgContent = append(msgContent, openai.ResponseContent{Type: "output_text", Text: blk.Text})
		case normalize.BlockToolUse:
			resp.Output = append(resp.Output, openai.OutputItem{
				Type:      "function_call",
				ID:        "fc_" + uuid.NewString(),
				CallID:    blk.ToolID,
				Name:      blk.ToolName,
				Arguments: blk.InputJSON(),
				Status:    "completed",
			})
		}
	}
	if len(msgContent) > 0 {
		resp.Output = append([]openai.OutputItem{{
			Type:    "message",
			ID:      "msg_" + uuid.NewString(),
			Role:    "assistant",
			Status:  "completed",
			Content: msgContent,
		}}, resp.Output...)
	}
	if resp.Output == nil {
		resp.Output = []openai.OutputItem{}
	}
	return resp
}

func anthropicMessageID(upstream string) string {
	if upstream != "" {
		return upstream
	}
	return "msg_" + uuid.NewString()
}

func chatCompletionID(upstream string) string {
	if upstream != "" {
		return upstream
	}
	return "chatcmpl-" + uuid.NewString()
}

func responseID(upstream string) string {
	if upstream != "" {
		return upstream
	}
	return "resp_" + uuid.NewString()
}
