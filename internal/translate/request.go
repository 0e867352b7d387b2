package translate

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"kirobridge/internal/kerr"
)

// MessagesRequest is the Anthropic Messages API request body (spec.md §4.4
// Input).
type MessagesRequest struct {
	Model         string           `json:"model"`
	MaxTokens     int              `json:"max_tokens"`
	Messages      []InputMessage   `json:"messages"`
	System        json.RawMessage  `json:"system,omitempty"`
	Tools         []ToolDef        `json:"tools,omitempty"`
	Thinking      *ThinkingConfig  `json:"thinking,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	TopK          *int             `json:"top_k,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Metadata      *RequestMetadata `json:"metadata,omitempty"`
}

// RequestMetadata carries the Anthropic-dialect metadata block. UserID
// feeds sticky session routing (spec.md §5 supplemented sticky routing).
type RequestMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// InputMessage is one turn of conversation. Content is left raw because
// Anthropic allows either a bare string or a list of content blocks.
type InputMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is one element of a message's content list.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`         // tool_use
	Name      string          `json:"name,omitempty"`       // tool_use
	Input     json.RawMessage `json:"input,omitempty"`      // tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"`// tool_result
	Content   json.RawMessage `json:"content,omitempty"`    // tool_result: string or blocks
	IsError   bool            `json:"is_error,omitempty"`
}

// ImageSource is an inline base64 image attachment.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolDef is one Anthropic tool definition.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ThinkingConfig enables extended-thinking streaming.
type ThinkingConfig struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// supportedImageFormats is the set of media types Kiro's upstream accepts
// inline; anything else fails translation with UnsupportedContent (spec.md
// §4.4 "otherwise fail with UnsupportedContent").
var supportedImageFormats = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpeg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// kiroRequest is the upstream "converse/invoke" payload (spec.md §4.4
// Output). Field names mirror the CodeWhisperer/Q-Developer chat wire
// format: a conversationState carrying history plus the current turn.
type kiroRequest struct {
	ProfileARN        string                `json:"profileArn,omitempty"`
	ConversationState kiroConversationState `json:"conversationState"`
}

type kiroConversationState struct {
	ChatTriggerType string             `json:"chatTriggerType"`
	ConversationID  string             `json:"conversationId"`
	SystemPrompt    string             `json:"systemPrompt,omitempty"`
	CurrentMessage  kiroCurrentMessage `json:"currentMessage"`
	History         []kiroHistoryEntry `json:"history,omitempty"`
}

type kiroCurrentMessage struct {
	UserInputMessage kiroUserInputMessage `json:"userInputMessage"`
}

type kiroUserInputMessage struct {
	Content                 string              `json:"content"`
	ModelID                 string              `json:"modelId,omitempty"`
	Origin                  string              `json:"origin,omitempty"`
	UserInputMessageContext *kiroMessageContext `json:"userInputMessageContext,omitempty"`
}

type kiroMessageContext struct {
	ToolResults      []kiroToolResult     `json:"toolResults,omitempty"`
	Tools            []kiroToolDef        `json:"tools,omitempty"`
	Images           []kiroImage          `json:"images,omitempty"`
	GenerationConfig kiroGenerationConfig `json:"generationConfig"`
}

type kiroGenerationConfig struct {
	MaxTokens            int      `json:"maxTokens"`
	Temperature          *float64 `json:"temperature,omitempty"`
	TopP                 *float64 `json:"topP,omitempty"`
	TopK                 *int     `json:"topK,omitempty"`
	StopSequences        []string `json:"stopSequences,omitempty"`
	EnableThinking       bool     `json:"enableThinking,omitempty"`
	ThinkingBudgetTokens int      `json:"thinkingBudgetTokens,omitempty"`
}

type kiroToolResult struct {
	ToolUseID string                  `json:"toolUseId"`
	Content   []kiroToolResultContent `json:"content"`
	Status    string                  `json:"status"`
}

type kiroToolResultContent struct {
	Text string `json:"text,omitempty"`
}

type kiroImage struct {
	Format string `json:"format"`
	Bytes  string `json:"bytes"`
}

type kiroToolDef struct {
	ToolSpecification kiroToolSpec `json:"toolSpecification"`
}

type kiroToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema kiroInputSchema `json:"inputSchema"`
}

type kiroInputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// kiroHistoryEntry is one prior turn. Exactly one of the two fields is set.
type kiroHistoryEntry struct {
	UserInputMessage         *kiroUserInputMessage `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *kiroAssistantMessage `json:"assistantResponseMessage,omitempty"`
}

type kiroAssistantMessage struct {
	Content  string        `json:"content"`
	ToolUses []kiroToolUse `json:"toolUses,omitempty"`
}

type kiroToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// ValidateRequest runs the translation rules without producing upstream
// bytes, so the dispatcher can reject a malformed request before it
// consumes an account lease (spec.md §4.6 step 2: "On translation error →
// 400, no account consumed").
func ValidateRequest(req *MessagesRequest) error {
	_, err := TranslateRequest(req)
	return err
}

// MarshalUpstreamRequest translates req and serializes it to the JSON body
// the Kiro endpoint expects, stamping profileARN as the upstream routing
// hint (spec.md §3 "profile_arn (optional upstream routing hint)"). This is
// the boundary the dispatcher uses so kiroRequest's shape stays private to
// this package.
func MarshalUpstreamRequest(req *MessagesRequest, profileARN string) ([]byte, error) {
	kreq, err := TranslateRequest(req)
	if err != nil {
		return nil, err
	}
	kreq.ProfileARN = profileARN
	body, err := json.Marshal(kreq)
	if err != nil {
		return nil, kerr.New(kerr.InternalError, "marshal upstream request", err)
	}
	return body, nil
}

// TranslateRequest converts an Anthropic Messages request into the upstream
// Kiro payload (spec.md §4.4).
func TranslateRequest(req *MessagesRequest) (*kiroRequest, error) {
	kiroModel, err := resolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, kerr.New(kerr.InvalidRequest, "messages must not be empty", nil)
	}

	systemText, err := flattenSystemPrompt(req.System)
	if err != nil {
		return nil, err
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return nil, kerr.New(kerr.InvalidRequest, "last message must have role user", nil)
	}

	history := make([]kiroHistoryEntry, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		entry, err := translateHistoryTurn(m)
		if err != nil {
			return nil, err
		}
		history = append(history, entry)
	}

	current, err := translateCurrentTurn(last, req.Tools)
	if err != nil {
		return nil, err
	}
	current.ModelID = kiroModel
	current.Origin = "AI_EDITOR"
	current.UserInputMessageContext.GenerationConfig = buildGenerationConfig(req)

	return &kiroRequest{
		ConversationState: kiroConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.NewString(),
			SystemPrompt:    systemText,
			CurrentMessage:  kiroCurrentMessage{UserInputMessage: current},
			History:         history,
		},
	}, nil
}

func buildGenerationConfig(req *MessagesRequest) kiroGenerationConfig {
	gen := kiroGenerationConfig{
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		gen.EnableThinking = true
		gen.ThinkingBudgetTokens = req.Thinking.BudgetTokens
	}
	return gen
}

// flattenSystemPrompt accepts either a bare string or a list of text blocks
// (only "text" blocks are meaningful for system prompts).
func flattenSystemPrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if s, ok, err := asString(raw); ok {
		return s, err
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", kerr.New(kerr.InvalidRequest, "invalid system prompt", err)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// parseContent normalizes a message's content field — string-form content
// is promoted to a singleton text block (spec.md §4.4 translation rule).
func parseContent(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if s, ok, err := asString(raw); ok {
		if err != nil {
			return nil, err
		}
		return []ContentBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, kerr.New(kerr.InvalidRequest, "invalid message content", err)
	}
	return blocks, nil
}

func asString(raw json.RawMessage) (string, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", true, kerr.New(kerr.InvalidRequest, "invalid string content", err)
	}
	return s, true, nil
}

func translateHistoryTurn(m InputMessage) (kiroHistoryEntry, error) {
	blocks, err := parseContent(m.Content)
	if err != nil {
		return kiroHistoryEntry{}, err
	}

	switch m.Role {
	case "user":
		text, results, images, err := collectUserBlocks(blocks)
		if err != nil {
			return kiroHistoryEntry{}, err
		}
		um := &kiroUserInputMessage{Content: text}
		if len(results) > 0 || len(images) > 0 {
			um.UserInputMessageContext = &kiroMessageContext{ToolResults: results, Images: images}
		}
		return kiroHistoryEntry{UserInputMessage: um}, nil
	case "assistant":
		text, toolUses, err := collectAssistantBlocks(blocks)
		if err != nil {
			return kiroHistoryEntry{}, err
		}
		return kiroHistoryEntry{AssistantResponseMessage: &kiroAssistantMessage{Content: text, ToolUses: toolUses}}, nil
	default:
		return kiroHistoryEntry{}, kerr.New(kerr.InvalidRequest, "unknown message role: "+m.Role, nil)
	}
}

func translateCurrentTurn(m InputMessage, tools []ToolDef) (kiroUserInputMessage, error) {
	blocks, err := parseContent(m.Content)
	if err != nil {
		return kiroUserInputMessage{}, err
	}
	text, results, images, err := collectUserBlocks(blocks)
	if err != nil {
		return kiroUserInputMessage{}, err
	}

	ctx := &kiroMessageContext{Images: images}
	if len(results) > 0 {
		ctx.ToolResults = results
	}
	if len(tools) > 0 {
		kt, err := translateTools(tools)
		if err != nil {
			return kiroUserInputMessage{}, err
		}
		ctx.Tools = kt
	}

	return kiroUserInputMessage{Content: text, UserInputMessageContext: ctx}, nil
}

// collectUserBlocks extracts concatenated text, tool-result turns, and
// image attachments from a user message's content blocks.
func collectUserBlocks(blocks []ContentBlock) (text string, results []kiroToolResult, images []kiroImage, err error) {
	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_result":
			content, err := flattenToolResultContent(b.Content)
			if err != nil {
				return "", nil, nil, err
			}
			status := "success"
			if b.IsError {
				status = "error"
			}
			results = append(results, kiroToolResult{
				ToolUseID: b.ToolUseID,
				Content:   []kiroToolResultContent{{Text: content}},
				Status:    status,
			})
		case "image":
			img, err := translateImage(b.Source)
			if err != nil {
				return "", nil, nil, err
			}
			images = append(images, img)
		default:
			return "", nil, nil, kerr.New(kerr.UnsupportedContent, "unsupported content block type: "+b.Type, nil)
		}
	}
	return strings.Join(texts, "\n"), results, images, nil
}

// collectAssistantBlocks extracts concatenated text and tool-use calls from
// an assistant message's content blocks. Thinking/redacted_thinking blocks
// are dropped — prior reasoning is not replayed upstream.
func collectAssistantBlocks(blocks []ContentBlock) (text string, toolUses []kiroToolUse, err error) {
	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_use":
			toolUses = append(toolUses, kiroToolUse{ToolUseID: b.ID, Name: b.Name, Input: b.Input})
		case "thinking", "redacted_thinking":
			// not replayed into history
		default:
			return "", nil, kerr.New(kerr.UnsupportedContent, "unsupported content block type: "+b.Type, nil)
		}
	}
	return strings.Join(texts, "\n"), toolUses, nil
}

func flattenToolResultContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if s, ok, err := asString(raw); ok {
		return s, err
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", kerr.New(kerr.InvalidRequest, "invalid tool_result content", err)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func translateImage(src *ImageSource) (kiroImage, error) {
	if src == nil {
		return kiroImage{}, kerr.New(kerr.UnsupportedContent, "image block missing source", nil)
	}
	format, ok := supportedImageFormats[src.MediaType]
	if !ok {
		return kiroImage{}, kerr.New(kerr.UnsupportedContent, "unsupported image media type: "+src.MediaType, nil)
	}
	return kiroImage{Format: format, Bytes: src.Data}, nil
}

func translateTools(tools []ToolDef) ([]kiroToolDef, error) {
	out := make([]kiroToolDef, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, kerr.New(kerr.InvalidRequest, "tool definition missing name", nil)
		}
		out = append(out, kiroToolDef{ToolSpecification: kiroToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: kiroInputSchema{JSON: t.InputSchema},
		}})
	}
	return out, nil
}
