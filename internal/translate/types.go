// Package translate maps between the OpenAI chat-completions shape and the
// Gemini-native request/response shape, including the streaming chunk
// re-wrapping used by the gateway's three delivery strategies.
package translate

import "encoding/json"

// AdapterError marks malformed client input. It is terminal for the
// request: never retried and never counted against the upstream.
type AdapterError struct {
	Msg string
}

func (e *AdapterError) Error() string { return "translate: " + e.Msg }

// Options carries the gateway-wide translation settings.
type Options struct {
	// ForceThoughts injects includeThoughts when the client asked for
	// nothing explicit.
	ForceThoughts bool
	// ForceWebSearch injects the googleSearch tool when absent.
	ForceWebSearch bool
	// ForceURLContext injects the urlContext tool when absent.
	ForceURLContext bool
}

// =============================================================================
// OPENAI SHAPES
// =============================================================================

// ChatMessage is one OpenAI-shaped message. Content is either a JSON string
// or an array of typed parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatRequest is the subset of the chat-completions request the gateway
// understands.
type ChatRequest struct {
	Model           string          `json:"model"`
	Messages        []ChatMessage   `json:"messages"`
	Stream          bool            `json:"stream"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	TopK            *int            `json:"top_k,omitempty"`
	MaxTokens       *int            `json:"max_tokens,omitempty"`
	Stop            json.RawMessage `json:"stop,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
}

// contentPart is one entry of an array-valued message content.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// AssistantMessage is the message object of a non-stream completion choice.
type AssistantMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Usage is the OpenAI usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletion is a non-stream chat-completions response.
type ChatCompletion struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int              `json:"index"`
		Message      AssistantMessage `json:"message"`
		FinishReason string           `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Delta is the incremental payload of one stream chunk.
type Delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ChatChunk is one chat.completion.chunk frame.
type ChatChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int    `json:"index"`
		Delta        Delta  `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

// ModelList is the OpenAI-list shape returned by GET /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo is one entry of the model list.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// =============================================================================
// GEMINI SHAPES
// =============================================================================

// Part is one Gemini content part.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
}

// InlineData carries base64 binary content.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Content is a role plus parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// ThinkingConfig controls reasoning trace emission.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

// GenerationConfig is the mapped parameter block.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// SafetySetting force-sets one category threshold.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GeminiTool is one tools[] entry; only the flag-style tools are used.
type GeminiTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
	URLContext   *struct{} `json:"urlContext,omitempty"`
}

// GeminiRequest is the vendor-native generation request.
type GeminiRequest struct {
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Contents          []Content         `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings"`
	Tools             []GeminiTool      `json:"tools,omitempty"`
}

// Candidate is one generation candidate.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// UsageMetadata is Gemini's token accounting, absent on the web session.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// GeminiResponse is a vendor-native batch response or stream fragment.
type GeminiResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// safetyCategories are always force-set to the most permissive threshold.
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// PermissiveSafetySettings returns the four force-set safety entries.
func PermissiveSafetySettings() []SafetySetting {
	out := make([]SafetySetting, 0, len(safetyCategories))
	for _, cat := range safetyCategories {
		out = append(out, SafetySetting{Category: cat, Threshold: "BLOCK_NONE"})
	}
	return out
}
