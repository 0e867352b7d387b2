package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"kirobridge/internal/kerr"
)

// ErrAbnormalTermination wraps the cause when reading Kiro's event stream
// fails: a frame that does not decode, an exception frame, or a payload
// that does not parse (spec.md §4.5 "Error surfacing mid-stream"). A stream
// that ends cleanly without a completionEvent is not abnormal and keeps
// stop_reason "end_turn". The dispatcher maps this to
// outcome TransientUpstream regardless of how far the response got.
var ErrAbnormalTermination = errors.New("upstream event stream terminated abnormally")

// Flusher is the subset of http.Flusher the translator needs; kept as a
// narrow interface so this package stays transport-agnostic.
type Flusher interface {
	Flush()
}

// Usage is the Anthropic-dialect token usage envelope.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TranslateOptions configures one response translation pass.
type TranslateOptions struct {
	Model          string
	ThinkingWanted bool
	// PromptEstimate seeds message_start.usage before any upstream usage
	// event has arrived (local tokenizer estimate, spec.md §4.5 "Usage
	// accounting": initial usage is best-effort until the real figure
	// arrives).
	PromptEstimate int
}

// Message is the non-stream Anthropic Messages response body.
type Message struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Role         string            `json:"role"`
	Model        string            `json:"model"`
	Content      []ContentBlockOut `json:"content"`
	StopReason   string            `json:"stop_reason"`
	StopSequence *string           `json:"stop_sequence"`
	Usage        Usage             `json:"usage"`
}

// ContentBlockOut is one assembled output content block.
type ContentBlockOut struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Upstream Kiro event payload shapes (spec.md §4.5 Input: incremental
// deltas of text, tool use arguments, thinking tokens, and usage totals).
type metadataPayload struct {
	ConversationID string `json:"conversationId"`
	Usage          *struct {
		InputTokens int `json:"inputTokens"`
	} `json:"usage,omitempty"`
}

type textPayload struct {
	Content string `json:"content"`
}

type toolUsePayload struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

type completionPayload struct {
	StopReason string `json:"stopReason"`
	Usage      struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	} `json:"usage"`
}

// blockKind is the type of an open Anthropic content block.
type blockKind string

const (
	blockText     blockKind = "text"
	blockThinking blockKind = "thinking"
	blockToolUse  blockKind = "tool_use"
)

// ResponseTranslator runs the §4.5/§9 streaming state machine: it tracks
// which content block is currently open, the next dense index to assign,
// and running usage totals, and emits Anthropic SSE events in strict
// order as Kiro frames arrive.
type ResponseTranslator struct {
	w       io.Writer
	flusher Flusher
	opts    TranslateOptions

	nextIndex      int
	open           *openBlock
	usage          Usage
	gotPromptUsage bool
	stopReason     string
}

type openBlock struct {
	index     int
	kind      blockKind
	toolUseID string
}

// NewResponseTranslator constructs a translator writing SSE events to w,
// flushing after each one if flusher is non-nil.
func NewResponseTranslator(w io.Writer, flusher Flusher, opts TranslateOptions) *ResponseTranslator {
	return &ResponseTranslator{
		w:          w,
		flusher:    flusher,
		opts:       opts,
		usage:      Usage{InputTokens: opts.PromptEstimate},
		stopReason: "end_turn",
	}
}

// Usage returns the running usage totals (spec.md §4.5 "also surfaced to
// the dispatcher for pool accounting").
func (t *ResponseTranslator) Usage() Usage { return t.usage }

// Stream decodes upstream frames from r and writes the corresponding
// Anthropic SSE event sequence. Returns ErrAbnormalTermination-wrapped
// errors when the upstream stream ends without a clean completion.
func (t *ResponseTranslator) Stream(r io.Reader) error {
	if err := t.writeMessageStart(); err != nil {
		return err
	}

	reader := NewStreamReader(r)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return t.abort(err)
		}
		if err := t.handleEvent(ev); err != nil {
			return t.abort(err)
		}
	}

	if err := t.closeOpenBlock(); err != nil {
		return err
	}
	if err := t.writeMessageDelta(); err != nil {
		return err
	}
	return t.writeMessageStop()
}

func (t *ResponseTranslator) abort(cause error) error {
	_ = t.closeOpenBlock()
	t.stopReason = "error"
	_ = t.writeMessageDelta()
	_ = t.writeMessageStop()
	return fmt.Errorf("%w: %v", ErrAbnormalTermination, cause)
}

func (t *ResponseTranslator) handleEvent(ev *StreamEvent) error {
	switch ev.EventType {
	case "messageMetadataEvent":
		var p metadataPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return kerr.New(kerr.TranslationError, "invalid messageMetadataEvent", err)
		}
		if p.Usage != nil && !t.gotPromptUsage {
			t.usage.InputTokens = p.Usage.InputTokens
			t.gotPromptUsage = true
		}
		return nil
	case "assistantResponseEvent":
		var p textPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return kerr.New(kerr.TranslationError, "invalid assistantResponseEvent", err)
		}
		return t.emitTextDelta(p.Content)
	case "reasoningEvent":
		if !t.opts.ThinkingWanted {
			return nil // suppressed, never leaked into text (spec.md §4.5 Thinking handling)
		}
		var p textPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return kerr.New(kerr.TranslationError, "invalid reasoningEvent", err)
		}
		return t.emitThinkingDelta(p.Content)
	case "toolUseEvent":
		var p toolUsePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return kerr.New(kerr.TranslationError, "invalid toolUseEvent", err)
		}
		return t.emitToolUseFragment(p)
	case "completionEvent":
		var p completionPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return kerr.New(kerr.TranslationError, "invalid completionEvent", err)
		}
		t.stopReason = p.StopReason
		if !t.gotPromptUsage {
			t.usage.InputTokens = p.Usage.InputTokens
			t.gotPromptUsage = true
		}
		t.usage.OutputTokens = p.Usage.OutputTokens
		return nil
	default:
		return nil // forward-compatible: ignore event types this translator doesn't know yet
	}
}

func (t *ResponseTranslator) emitTextDelta(text string) error {
	if t.open == nil || t.open.kind != blockText {
		if err := t.closeOpenBlock(); err != nil {
			return err
		}
		if err := t.openTextOrThinkingBlock(blockText); err != nil {
			return err
		}
	}
	return t.writeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.open.index,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func (t *ResponseTranslator) emitThinkingDelta(text string) error {
	if t.open == nil || t.open.kind != blockThinking {
		if err := t.closeOpenBlock(); err != nil {
			return err
		}
		if err := t.openTextOrThinkingBlock(blockThinking); err != nil {
			return err
		}
	}
	return t.writeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.open.index,
		"delta": map[string]any{"type": "thinking_delta", "thinking": text},
	})
}

func (t *ResponseTranslator) emitToolUseFragment(p toolUsePayload) error {
	if t.open == nil || t.open.kind != blockToolUse || t.open.toolUseID != p.ToolUseID {
		if err := t.closeOpenBlock(); err != nil {
			return err
		}
		if err := t.openToolUseBlock(p.ToolUseID, p.Name); err != nil {
			return err
		}
	}
	if p.Input != "" {
		if err := t.writeEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.open.index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": p.Input},
		}); err != nil {
			return err
		}
	}
	if p.Stop {
		return t.closeOpenBlock()
	}
	return nil
}

func (t *ResponseTranslator) openTextOrThinkingBlock(kind blockKind) error {
	idx := t.nextIndex
	t.nextIndex++
	t.open = &openBlock{index: idx, kind: kind}

	var cb map[string]any
	if kind == blockThinking {
		cb = map[string]any{"type": "thinking", "thinking": ""}
	} else {
		cb = map[string]any{"type": "text", "text": ""}
	}
	return t.writeEvent("content_block_start", map[string]any{
		"type": "content_block_start", "index": idx, "content_block": cb,
	})
}

func (t *ResponseTranslator) openToolUseBlock(toolUseID, name string) error {
	idx := t.nextIndex
	t.nextIndex++
	t.open = &openBlock{index: idx, kind: blockToolUse, toolUseID: toolUseID}
	cb := map[string]any{"type": "tool_use", "id": toolUseID, "name": name, "input": map[string]any{}}
	return t.writeEvent("content_block_start", map[string]any{
		"type": "content_block_start", "index": idx, "content_block": cb,
	})
}

func (t *ResponseTranslator) closeOpenBlock() error {
	if t.open == nil {
		return nil
	}
	idx := t.open.index
	t.open = nil
	return t.writeEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})
}

func (t *ResponseTranslator) writeMessageStart() error {
	return t.writeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            "msg_" + uuid.NewString(),
			"type":          "message",
			"role":          "assistant",
			"model":         t.opts.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         t.usage,
		},
	})
}

func (t *ResponseTranslator) writeMessageDelta() error {
	return t.writeEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": t.stopReason, "stop_sequence": nil},
		"usage": t.usage,
	})
}

func (t *ResponseTranslator) writeMessageStop() error {
	return t.writeEvent("message_stop", map[string]any{"type": "message_stop"})
}

func (t *ResponseTranslator) writeEvent(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return kerr.New(kerr.InternalError, "marshal sse event", err)
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if t.flusher != nil {
		t.flusher.Flush()
	}
	return nil
}

// Buffer decodes the full upstream event stream into a single Anthropic
// Message (spec.md §4.5 "Non-stream" output mode).
func Buffer(r io.Reader, opts TranslateOptions) (*Message, error) {
	reader := NewStreamReader(r)

	var blocks []ContentBlockOut
	var text, thinking, toolInput strings.Builder
	var toolID, toolName string
	state := blockKind("")

	usage := Usage{InputTokens: opts.PromptEstimate}
	gotPromptUsage := false
	stopReason := "end_turn"

	flush := func() {
		switch state {
		case blockText:
			blocks = append(blocks, ContentBlockOut{Type: "text", Text: text.String()})
			text.Reset()
		case blockThinking:
			blocks = append(blocks, ContentBlockOut{Type: "thinking", Thinking: thinking.String()})
			thinking.Reset()
		case blockToolUse:
			blocks = append(blocks, ContentBlockOut{Type: "tool_use", ID: toolID, Name: toolName, Input: json.RawMessage(toolInput.String())})
			toolInput.Reset()
		}
		state = ""
	}

	abnormal := func(cause error) (*Message, error) {
		flush()
		msg := &Message{
			ID: "msg_" + uuid.NewString(), Type: "message", Role: "assistant", Model: opts.Model,
			Content: blocks, StopReason: "error", Usage: usage,
		}
		return msg, fmt.Errorf("%w: %v", ErrAbnormalTermination, cause)
	}

	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return abnormal(err)
		}

		switch ev.EventType {
		case "messageMetadataEvent":
			var p metadataPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return abnormal(err)
			}
			if p.Usage != nil && !gotPromptUsage {
				usage.InputTokens = p.Usage.InputTokens
				gotPromptUsage = true
			}
		case "assistantResponseEvent":
			var p textPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return abnormal(err)
			}
			if state != blockText {
				flush()
				state = blockText
			}
			text.WriteString(p.Content)
		case "reasoningEvent":
			if !opts.ThinkingWanted {
				continue
			}
			var p textPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return abnormal(err)
			}
			if state != blockThinking {
				flush()
				state = blockThinking
			}
			thinking.WriteString(p.Content)
		case "toolUseEvent":
			var p toolUsePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return abnormal(err)
			}
			if state != blockToolUse || toolID != p.ToolUseID {
				flush()
				state = blockToolUse
				toolID, toolName = p.ToolUseID, p.Name
			}
			toolInput.WriteString(p.Input)
			if p.Stop {
				flush()
			}
		case "completionEvent":
			var p completionPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return abnormal(err)
			}
			stopReason = p.StopReason
			if !gotPromptUsage {
				usage.InputTokens = p.Usage.InputTokens
				gotPromptUsage = true
			}
			usage.OutputTokens = p.Usage.OutputTokens
		}
	}
	flush()

	return &Message{
		ID: "msg_" + uuid.NewString(), Type: "message", Role: "assistant", Model: opts.Model,
		Content: blocks, StopReason: stopReason, Usage: usage,
	}, nil
}
