package openai

// ChatCompletionChunk is one SSE frame of a streamed chat completion.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	Usage   *Usage                      `json:"usage,omitempty"`
}

// ChatCompletionChunkChoice carries the incremental delta.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
	Logprobs     any              `json:"logprobs"`
}

// ChatMessageDelta is the incremental content of a stream chunk.
type ChatMessageDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta models incremental tool_calls data. Arguments arrive as a
// growing JSON string keyed by Index.
type ToolCallDelta struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function *ToolFunctionPart `json:"function,omitempty"`
}

// ToolFunctionPart is the partial function payload inside a tool-call delta.
type ToolFunctionPart struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}
