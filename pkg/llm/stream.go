package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// toolCallBuilder collects one function call across stream events.
type toolCallBuilder struct {
	itemID string
	callID string
	name   string
	args   strings.Builder
}

// streamAccumulator rebuilds a complete response from Responses API events.
// Tool calls are keyed by item id and only finalized in result, so an
// arguments delta may arrive before the item that announces it.
type streamAccumulator struct {
	provider string
	content  strings.Builder
	calls    map[string]*toolCallBuilder
	order    []string
	usage    *Usage
	status   string
	final    *responseObject
	sawDelta bool
}

func newStreamAccumulator(provider string) *streamAccumulator {
	return &streamAccumulator{
		provider: provider,
		calls:    make(map[string]*toolCallBuilder),
	}
}

func (a *streamAccumulator) builder(itemID string) *toolCallBuilder {
	b, ok := a.calls[itemID]
	if !ok {
		b = &toolCallBuilder{itemID: itemID}
		a.calls[itemID] = b
		a.order = append(a.order, itemID)
	}
	return b
}

// handleData decodes one frame payload. Payloads that are not JSON are
// ignored.
func (a *streamAccumulator) handleData(data []byte) error {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}
	return a.handle(ev)
}

func (a *streamAccumulator) handle(ev streamEvent) error {
	switch strings.TrimPrefix(ev.Type, "response.") {
	case "error":
		msg := ev.Message
		if msg == "" {
			msg = ev.Code
		}
		if msg == "" {
			msg = "Unknown error"
		}
		return &StreamError{Provider: a.provider, Message: fmt.Sprintf("%s stream error: %s", a.provider, msg)}

	case "failed":
		msg := "Response failed"
		if ev.Response != nil && ev.Response.Error != nil && ev.Response.Error.Message != "" {
			msg = ev.Response.Error.Message
		}
		return &StreamError{Provider: a.provider, Message: msg}

	case "output_text.delta":
		if ev.Delta != "" {
			a.content.WriteString(ev.Delta)
			a.sawDelta = true
		}

	case "function_call_arguments.delta":
		a.builder(ev.ItemID).args.WriteString(ev.Delta)
		a.sawDelta = true

	case "output_item.added", "output_item.done":
		item := ev.Item
		if item == nil || item.Type != "function_call" {
			return nil
		}
		key := item.ID
		if key == "" {
			key = item.CallID
		}
		b := a.builder(key)
		if b.callID == "" {
			b.callID = item.CallID
		}
		if b.name == "" {
			b.name = item.Name
		}
		if b.args.Len() == 0 && item.Arguments != "" {
			b.args.WriteString(item.Arguments)
		}
		a.sawDelta = true

	case "completed", "done":
		status := "completed"
		if ev.Response != nil {
			if ev.Response.Usage != nil {
				a.usage = &Usage{
					PromptTokens:     ev.Response.Usage.InputTokens,
					CompletionTokens: ev.Response.Usage.OutputTokens,
				}
			}
			if ev.Response.Status != "" {
				status = ev.Response.Status
			}
			a.final = ev.Response
		}
		a.status = status
	}
	return nil
}

// result finalizes the accumulated state. When the stream carried no deltas
// at all, the terminal response object is used instead.
func (a *streamAccumulator) result() *LLMResponse {
	if !a.sawDelta && a.final != nil && len(a.final.Output) > 0 {
		resp := parseResponseObject(a.final)
		if a.usage != nil {
			resp.Usage = a.usage
		}
		return resp
	}

	resp := &LLMResponse{
		Content: a.content.String(),
		Usage:   a.usage,
	}
	for _, key := range a.order {
		b := a.calls[key]
		resp.ToolCalls = append(resp.ToolCalls, newToolCall(b.callID, b.itemID, b.name, b.args.String()))
	}
	resp.FinishReason = finishReason(len(resp.ToolCalls) > 0, a.status)
	return resp
}

// readStream consumes an SSE body until EOF, an error event or a read error.
func readStream(provider string, body io.Reader) (*LLMResponse, error) {
	acc := newStreamAccumulator(provider)
	if err := readSSE(body, acc.handleData); err != nil {
		if _, ok := err.(*StreamError); ok {
			return nil, err
		}
		return nil, fmt.Errorf("%s stream read failed: %w", provider, err)
	}
	return acc.result(), nil
}
