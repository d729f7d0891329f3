package translate

import (
	"encoding/json"
	"strings"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/protocol/anthropic"
	"github.com/ccgw/gateway/internal/protocol/openai"
)

// Streaming translation pivots through a neutral step stream: each upstream
// protocol parses into steps, each client protocol renders steps back out.
// That keeps the matrix at three parsers plus three emitters instead of nine
// pairwise translators.

type stepKind int

const (
	stepStart stepKind = iota
	stepTextDelta
	stepThinkingDelta
	stepToolStart
	stepToolArgsDelta
	stepToolStop
	stepUsage
	stepFinish
)

// step is one neutral streaming increment.
type step struct {
	kind stepKind

	// stepStart
	id    string
	model string

	// text / thinking / tool args
	text string

	// tool steps
	toolIndex int
	toolID    string
	toolName  string

	// stepFinish, Anthropic vocabulary
	stopReason string

	// stepUsage
	usage Usage
}

// parser turns upstream SSE events into neutral steps.
type parser interface {
	parse(ev SSEEvent) ([]step, error)
	// finish flushes anything implied by end of stream (a missing finish
	// step on abrupt EOF yields none).
	finish() []step
}

func newParser(upstreamType config.ProviderType) parser {
	switch upstreamType {
	case config.TypeAnthropic:
		return &anthropicParser{}
	case config.TypeOpenAIResponses:
		return &responsesParser{}
	default:
		return &chatParser{}
	}
}

// anthropicParser consumes Anthropic Messages SSE events.
type anthropicParser struct {
	blockTypes map[int]string
	toolIDs    map[int]string
	toolNames  map[int]string
	stopReason string
	finished   bool
}

func (p *anthropicParser) parse(ev SSEEvent) ([]step, error) {
	if ev.Data == "" {
		return nil, nil
	}
	var event anthropic.StreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
		return nil, apierr.UpstreamDecode(err)
	}
	if p.blockTypes == nil {
		p.blockTypes = map[int]string{}
		p.toolIDs = map[int]string{}
		p.toolNames = map[int]string{}
	}
	switch event.Type {
	case "message_start":
		steps := []step{}
		if event.Message != nil {
			steps = append(steps, step{kind: stepStart, id: event.Message.ID, model: event.Message.Model})
			steps = append(steps, step{kind: stepUsage, usage: FromAnthropicUsage(event.Message.Usage)})
		}
		return steps, nil
	case "content_block_start":
		p.blockTypes[event.Index] = event.ContentBlock.Type
		if event.ContentBlock.Type == "tool_use" {
			p.toolIDs[event.Index] = event.ContentBlock.ID
			p.toolNames[event.Index] = event.ContentBlock.Name
			return []step{{
				kind:      stepToolStart,
				toolIndex: event.Index,
				toolID:    event.ContentBlock.ID,
				toolName:  event.ContentBlock.Name,
			}}, nil
		}
		return nil, nil
	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			return []step{{kind: stepTextDelta, text: event.Delta.Text}}, nil
		case "thinking_delta":
			return []step{{kind: stepThinkingDelta, text: event.Delta.Thinking}}, nil
		case "input_json_delta":
			return []step{{
				kind:      stepToolArgsDelta,
				toolIndex: event.Index,
				toolID:    p.toolIDs[event.Index],
				text:      event.Delta.PartialJSON,
			}}, nil
		}
		return nil, nil
	case "content_block_stop":
		if p.blockTypes[event.Index] == "tool_use" {
			return []step{{kind: stepToolStop, toolIndex: event.Index, toolID: p.toolIDs[event.Index]}}, nil
		}
		return nil, nil
	case "message_delta":
		var steps []step
		if event.Usage != nil {
			steps = append(steps, step{kind: stepUsage, usage: FromAnthropicUsage(*event.Usage)})
		}
		if event.Delta.StopReason != "" {
			p.stopReason = event.Delta.StopReason
		}
		return steps, nil
	case "message_stop":
		p.finished = true
		return []step{{kind: stepFinish, stopReason: p.stopReason}}, nil
	case "error":
		var errEv anthropic.ErrorResponse
		if err := json.Unmarshal([]byte(ev.Data), &errEv); err == nil && errEv.Error.Message != "" {
			return nil, apierr.UpstreamStatus(502, errEv.Error.Message)
		}
		return nil, apierr.UpstreamDecode(nil)
	}
	return nil, nil
}

func (p *anthropicParser) finish() []step {
	if p.finished {
		return nil
	}
	return []step{{kind: stepFinish, stopReason: p.stopReason}}
}

// chatParser consumes Chat Completions chunk events.
type chatParser struct {
	started   bool
	finished  bool
	openTools map[int]bool
	toolIDs   map[int]string
	reason    string
}

func (p *chatParser) parse(ev SSEEvent) ([]step, error) {
	if ev.IsDone() || ev.Data == "" {
		return nil, nil
	}
	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil, apierr.UpstreamDecode(err)
	}
	if p.openTools == nil {
		p.openTools = map[int]bool{}
		p.toolIDs = map[int]string{}
	}
	var steps []step
	if !p.started {
		p.started = true
		steps = append(steps, step{kind: stepStart, id: chunk.ID, model: chunk.Model})
	}
	if chunk.Usage != nil {
		steps = append(steps, step{kind: stepUsage, usage: FromChatUsage(*chunk.Usage)})
	}
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			steps = append(steps, step{kind: stepTextDelta, text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			if !p.openTools[tc.Index] {
				p.openTools[tc.Index] = true
				p.toolIDs[tc.Index] = tc.ID
				name := ""
				if tc.Function != nil {
					name = tc.Function.Name
				}
				steps = append(steps, step{
					kind:      stepToolStart,
					toolIndex: tc.Index,
					toolID:    tc.ID,
					toolName:  name,
				})
			}
			if tc.Function != nil && tc.Function.Arguments != "" {
				steps = append(steps, step{
					kind:      stepToolArgsDelta,
					toolIndex: tc.Index,
					toolID:    p.toolIDs[tc.Index],
					text:      tc.Function.Arguments,
				})
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			p.reason = *choice.FinishReason
			for idx := range p.openTools {
				steps = append(steps, step{kind: stepToolStop, toolIndex: idx, toolID: p.toolIDs[idx]})
			}
			p.openTools = map[int]bool{}
			// Finish is deferred to end of stream so a trailing usage
			// chunk still lands before the close.
		}
	}
	return steps, nil
}

func (p *chatParser) finish() []step {
	if p.finished {
		return nil
	}
	p.finished = true
	return []step{{kind: stepFinish, stopReason: FinishToStopReason(p.reason)}}
}

// responsesParser consumes Responses API SSE events.
type responsesParser struct {
	started  bool
	finished bool
	// output_index -> call id for function_call items
	callIDs   map[int]string
	callNames map[int]string
	sawTool   bool
}

func (p *responsesParser) parse(ev SSEEvent) ([]step, error) {
	if ev.IsDone() || ev.Data == "" {
		return nil, nil
	}
	var event openai.ResponsesStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
		return nil, apierr.UpstreamDecode(err)
	}
	if p.callIDs == nil {
		p.callIDs = map[int]string{}
		p.callNames = map[int]string{}
	}
	switch event.Type {
	case "response.created":
		if p.started {
			return nil, nil
		}
		p.started = true
		s := step{kind: stepStart}
		if event.Response != nil {
			s.id = event.Response.ID
			s.model = event.Response.Model
		}
		return []step{s}, nil
	case "response.output_item.added":
		if event.Item != nil && event.Item.Type == "function_call" {
			p.sawTool = true
			id := event.Item.CallID
			if id == "" {
				id = event.Item.ID
			}
			p.callIDs[event.OutputIndex] = id
			p.callNames[event.OutputIndex] = event.Item.Name
			return []step{{
				kind:      stepToolStart,
				toolIndex: event.OutputIndex,
				toolID:    id,
				toolName:  event.Item.Name,
			}}, nil
		}
		return nil, nil
	case "response.output_text.delta":
		return []step{{kind: stepTextDelta, text: event.Delta}}, nil
	case "response.reasoning_summary_text.delta":
		return []step{{kind: stepThinkingDelta, text: event.Delta}}, nil
	case "response.function_call_arguments.delta":
		return []step{{
			kind:      stepToolArgsDelta,
			toolIndex: event.OutputIndex,
			toolID:    p.callIDs[event.OutputIndex],
			text:      event.Delta,
		}}, nil
	case "response.output_item.done":
		if event.Item != nil && event.Item.Type == "function_call" {
			return []step{{kind: stepToolStop, toolIndex: event.OutputIndex, toolID: p.callIDs[event.OutputIndex]}}, nil
		}
		return nil, nil
	case "response.completed", "response.incomplete", "response.failed":
		p.finished = true
		var steps []step
		status := strings.TrimPrefix(event.Type, "response.")
		if event.Response != nil {
			if event.Response.Status != "" {
				status = event.Response.Status
			}
			if event.Response.Usage != nil {
				steps = append(steps, step{kind: stepUsage, usage: FromResponsesUsage(event.Response.Usage)})
			}
		}
		steps = append(steps, step{kind: stepFinish, stopReason: ResponseStatusToStop(status, p.sawTool)})
		return steps, nil
	case "error", "response.error":
		return nil, apierr.UpstreamStatus(502, "upstream stream reported an error")
	}
	return nil, nil
}

func (p *responsesParser) finish() []step {
	if p.finished {
		return nil
	}
	return []step{{kind: stepFinish, stopReason: ResponseStatusToStop("", p.sawTool)}}
}
