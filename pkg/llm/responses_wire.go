package llm

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Wire types for the Responses API.

type responsesRequest struct {
	Model             string          `json:"model"`
	Store             bool            `json:"store"`
	Stream            bool            `json:"stream"`
	Input             []any           `json:"input"`
	Instructions      string          `json:"instructions,omitempty"`
	ToolChoice        string          `json:"tool_choice"`
	ParallelToolCalls bool            `json:"parallel_tool_calls"`
	Tools             []responsesTool `json:"tools,omitempty"`
	Temperature       *float64        `json:"temperature,omitempty"`
	MaxOutputTokens   int             `json:"max_output_tokens,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type textInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type assistantInput struct {
	Role    string        `json:"role"`
	Content []outputBlock `json:"content"`
}

type outputBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type functionCallInput struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type functionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type outputItem struct {
	Type      string        `json:"type"`
	ID        string        `json:"id"`
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Role      string        `json:"role"`
	Content   []outputBlock `json:"content"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type responseObject struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Output []outputItem   `json:"output"`
	Usage  *responseUsage `json:"usage"`
	Error  *responseError `json:"error"`
}

type streamEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta"`
	ItemID   string          `json:"item_id"`
	Item     *outputItem     `json:"item"`
	Response *responseObject `json:"response"`
	Message  string          `json:"message"`
	Code     string          `json:"code"`
}

// buildResponsesRequest projects a chat call onto a Responses API body.
// System messages are lifted into instructions (the first one wins); tool
// calls and tool results become top-level function_call items.
func buildResponsesRequest(messages []Message, tools []ToolDefinition, model string, stream bool, opts Options) responsesRequest {
	req := responsesRequest{
		Model:             model,
		Store:             false,
		Stream:            stream,
		Input:             []any{},
		ToolChoice:        "auto",
		ParallelToolCalls: true,
		Temperature:       opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxOutputTokens = opts.MaxTokens
	}

	instructionsSet := false
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if !instructionsSet {
				req.Instructions = msg.Content
				instructionsSet = true
			}
		case RoleUser:
			req.Input = append(req.Input, textInput{Role: RoleUser, Content: msg.Content})
		case RoleAssistant:
			if msg.Content != "" || len(msg.ToolCalls) == 0 {
				blocks := []outputBlock{}
				if msg.Content != "" {
					blocks = append(blocks, outputBlock{Type: "output_text", Text: msg.Content})
				}
				req.Input = append(req.Input, assistantInput{Role: RoleAssistant, Content: blocks})
			}
			for _, tc := range msg.ToolCalls {
				req.Input = append(req.Input, functionCallInput{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.ToolName(),
					Arguments: tc.RawArguments(),
				})
			}
		case RoleTool:
			req.Input = append(req.Input, functionCallOutput{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: msg.Content,
			})
		}
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, responsesTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return req
}

// parseResponseObject reads a buffered (non-streamed) response.
func parseResponseObject(obj *responseObject) *LLMResponse {
	resp := &LLMResponse{}
	for _, item := range obj.Output {
		switch item.Type {
		case "message":
			for _, block := range item.Content {
				if block.Type == "output_text" || block.Type == "text" {
					resp.Content += block.Text
				}
			}
		case "function_call":
			resp.ToolCalls = append(resp.ToolCalls, newToolCall(item.CallID, item.ID, item.Name, item.Arguments))
		}
	}
	if obj.Usage != nil {
		resp.Usage = &Usage{
			PromptTokens:     obj.Usage.InputTokens,
			CompletionTokens: obj.Usage.OutputTokens,
		}
	}
	resp.FinishReason = finishReason(len(resp.ToolCalls) > 0, obj.Status)
	return resp
}

func newToolCall(callID, itemID, name, args string) ToolCall {
	id := callID
	if id == "" {
		id = itemID
	}
	if id == "" {
		id = "call_" + gonanoid.Must(16)
	}
	if args == "" {
		args = "{}"
	}
	return ToolCall{
		ID:       id,
		Name:     name,
		Function: &FunctionCall{Name: name, Arguments: args},
	}
}

func finishReason(hasToolCalls bool, status string) string {
	if hasToolCalls {
		return FinishToolCalls
	}
	if status == "" || status == "completed" {
		return FinishStop
	}
	return status
}
