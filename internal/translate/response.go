package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// markdownImage renders an inline binary part as a Markdown image
// reference the client can display.
func markdownImage(d *InlineData) string {
	return fmt.Sprintf("![Generated Image](data:%s;base64,%s)", d.MimeType, d.Data)
}

// splitParts partitions candidate parts into reasoning and visible content,
// converting inline binary parts to Markdown in place.
func splitParts(parts []Part) (reasoning string, content string) {
	var rb, cb strings.Builder
	for _, p := range parts {
		text := p.Text
		if p.InlineData != nil {
			text = markdownImage(p.InlineData)
		}
		if p.Thought {
			rb.WriteString(text)
		} else {
			cb.WriteString(text)
		}
	}
	return rb.String(), cb.String()
}

// FromGeminiResponse maps a full vendor-native response to one OpenAI
// chat-completion body. Upstream usage metadata wins; otherwise usage is
// estimated from the request and completion text.
func FromGeminiResponse(model string, raw []byte, req *ChatRequest) ([]byte, error) {
	var resp GeminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("translate: invalid upstream response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("translate: upstream response has no candidates")
	}
	cand := resp.Candidates[0]
	reasoning, content := splitParts(cand.Content.Parts)

	completion := ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}
	completion.Choices = make([]struct {
		Index        int              `json:"index"`
		Message      AssistantMessage `json:"message"`
		FinishReason string           `json:"finish_reason,omitempty"`
	}, 1)
	completion.Choices[0].Message = AssistantMessage{
		Role:             "assistant",
		Content:          content,
		ReasoningContent: reasoning,
	}
	completion.Choices[0].FinishReason = mapFinishReason(cand.FinishReason)

	if resp.UsageMetadata != nil {
		completion.Usage = Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	} else {
		completion.Usage = EstimateUsage(req, reasoning+content)
	}

	return json.Marshal(completion)
}

// mapFinishReason passes the upstream reason through in OpenAI casing.
func mapFinishReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// InlineImagesToText rewrites inline binary parts of a vendor-native
// response body into text parts carrying the Markdown reference. Used by
// the native non-stream path so pass-through clients get displayable JSON
// instead of megabytes of base64 in a binary field.
func InlineImagesToText(body []byte) []byte {
	parts := gjson.GetBytes(body, "candidates.0.content.parts")
	if !parts.IsArray() {
		return body
	}
	out := body
	for i, part := range parts.Array() {
		inline := part.Get("inlineData")
		if !inline.Exists() {
			continue
		}
		md := markdownImage(&InlineData{
			MimeType: inline.Get("mimeType").String(),
			Data:     inline.Get("data").String(),
		})
		base := fmt.Sprintf("candidates.0.content.parts.%d", i)
		if patched, err := sjson.SetBytes(out, base+".text", md); err == nil {
			out = patched
		}
		if patched, err := sjson.DeleteBytes(out, base+".inlineData"); err == nil {
			out = patched
		}
	}
	return out
}

// InjectNativeOverrides applies the gateway-wide force flags to a raw
// vendor-native request body: permissive safety settings always, plus
// thinking and tool entries when forced and not already present.
func InjectNativeOverrides(body []byte, opts Options) []byte {
	out := body
	if patched, err := sjson.SetBytes(out, "safetySettings", PermissiveSafetySettings()); err == nil {
		out = patched
	}

	if opts.ForceThoughts && !gjson.GetBytes(out, "generationConfig.thinkingConfig").Exists() {
		if patched, err := sjson.SetBytes(out, "generationConfig.thinkingConfig.includeThoughts", true); err == nil {
			out = patched
		}
	}

	hasTool := func(name string) bool {
		for _, t := range gjson.GetBytes(out, "tools").Array() {
			if t.Get(name).Exists() {
				return true
			}
		}
		return false
	}
	if opts.ForceWebSearch && !hasTool("googleSearch") {
		if patched, err := sjson.SetBytes(out, "tools.-1", map[string]any{"googleSearch": struct{}{}}); err == nil {
			out = patched
		}
	}
	if opts.ForceURLContext && !hasTool("urlContext") {
		if patched, err := sjson.SetBytes(out, "tools.-1", map[string]any{"urlContext": struct{}{}}); err == nil {
			out = patched
		}
	}
	return out
}
