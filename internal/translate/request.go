package translate

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// thinkingPaths are probed in priority order when resolving the client's
// thinking preference: nested extension field first, then top-level, each
// in snake_case and camelCase spellings.
var thinkingPaths = []string{
	"generation_config.thinking_config.include_thoughts",
	"generationConfig.thinkingConfig.includeThoughts",
	"thinking_config.include_thoughts",
	"thinkingConfig.includeThoughts",
}

// ToGeminiRequest maps an OpenAI-shaped chat request body to the
// vendor-native shape. Malformed input yields an *AdapterError.
func ToGeminiRequest(body []byte, opts Options) (*GeminiRequest, *ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, &AdapterError{Msg: "invalid chat request: " + err.Error()}
	}
	if len(req.Messages) == 0 {
		return nil, nil, &AdapterError{Msg: "messages must not be empty"}
	}

	out := &GeminiRequest{SafetySettings: PermissiveSafetySettings()}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			text, err := flattenSystemContent(msg.Content)
			if err != nil {
				return nil, nil, err
			}
			systemParts = append(systemParts, text)
			continue
		}

		content, err := mapMessage(msg)
		if err != nil {
			return nil, nil, err
		}
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &Content{
			Parts: []Part{{Text: strings.Join(systemParts, "\n")}},
		}
	}

	out.GenerationConfig = mapGenerationConfig(&req, body, opts)
	out.Tools = buildTools(opts)

	return out, &req, nil
}

// flattenSystemContent accepts string or parts-array content and returns
// plain text.
func flattenSystemContent(content json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return "", &AdapterError{Msg: "system message content must be a string or part array"}
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// mapMessage converts one non-system message: assistant becomes "model",
// everything else becomes "user".
func mapMessage(msg ChatMessage) (Content, error) {
	role := "user"
	if msg.Role == "assistant" {
		role = "model"
	}
	content := Content{Role: role}

	var s string
	if err := json.Unmarshal(msg.Content, &s); err == nil {
		content.Parts = []Part{{Text: s}}
		return content, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(msg.Content, &parts); err != nil {
		return Content{}, &AdapterError{Msg: "message content must be a string or part array"}
	}
	for _, p := range parts {
		switch p.Type {
		case "text":
			content.Parts = append(content.Parts, Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			inline, ok := parseDataURL(p.ImageURL.URL)
			if !ok {
				// Remote URLs cannot cross the back-channel; skip silently.
				continue
			}
			content.Parts = append(content.Parts, Part{InlineData: inline})
		}
	}
	return content, nil
}

// parseDataURL extracts mime type and base64 payload from a
// data:<mime>;base64,<data> URL.
func parseDataURL(url string) (*InlineData, bool) {
	if !strings.HasPrefix(url, "data:") {
		return nil, false
	}
	meta, data, found := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return nil, false
	}
	mime := strings.TrimSuffix(meta, ";base64")
	if mime == "" || data == "" {
		return nil, false
	}
	return &InlineData{MimeType: mime, Data: data}, true
}

// mapGenerationConfig maps sampling parameters and resolves the thinking
// preference against the raw body.
func mapGenerationConfig(req *ChatRequest, body []byte, opts Options) *GenerationConfig {
	cfg := &GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   parseStop(req.Stop),
	}

	if include, ok := resolveThinking(body, req, opts); ok {
		cfg.ThinkingConfig = &ThinkingConfig{IncludeThoughts: include}
	}
	return cfg
}

// parseStop accepts a single string or a string array.
func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// resolveThinking picks the thinking setting in priority order: explicit
// thinking config anywhere in the body, then reasoning_effort, then the
// global force flag.
func resolveThinking(body []byte, req *ChatRequest, opts Options) (include bool, ok bool) {
	for _, path := range thinkingPaths {
		if v := gjson.GetBytes(body, path); v.Exists() {
			return v.Bool(), true
		}
	}
	if req.ReasoningEffort != "" {
		return true, true
	}
	if opts.ForceThoughts {
		return true, true
	}
	return false, false
}

// buildTools injects the force-flag tool entries.
func buildTools(opts Options) []GeminiTool {
	var tools []GeminiTool
	if opts.ForceWebSearch {
		tools = append(tools, GeminiTool{GoogleSearch: &struct{}{}})
	}
	if opts.ForceURLContext {
		tools = append(tools, GeminiTool{URLContext: &struct{}{}})
	}
	return tools
}
