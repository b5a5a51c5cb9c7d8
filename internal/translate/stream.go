package translate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StreamState carries the per-stream context for chunk translation: the
// synthetic completion id, whether the role delta was already sent, and
// whether a reasoning block is currently open.
type StreamState struct {
	model   string
	id      string
	created int64

	roleSent      bool
	reasoningOpen bool
}

// NewStreamState starts the translation context for one client stream.
func NewStreamState(model string) *StreamState {
	return &StreamState{
		model:   model,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
	}
}

// newChunk builds the envelope shared by every emitted frame.
func (s *StreamState) newChunk(delta Delta, finishReason string) ChatChunk {
	chunk := ChatChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
	}
	chunk.Choices = make([]struct {
		Index        int    `json:"index"`
		Delta        Delta  `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	}, 1)
	chunk.Choices[0].Delta = delta
	chunk.Choices[0].FinishReason = finishReason
	return chunk
}

// TranslateChunk re-wraps one vendor-native stream fragment as an OpenAI
// chat.completion.chunk payload. A safety block with no candidates yields
// one synthetic error-text chunk with finish_reason "stop". Fragments that
// produce no delta return nil.
func (s *StreamState) TranslateChunk(raw []byte) ([]byte, error) {
	var resp GeminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("translate: invalid stream fragment: %w", err)
	}

	if len(resp.Candidates) == 0 {
		// Blocked by the upstream safety layer before any candidate was
		// produced; surface it as visible text so the client sees why the
		// stream ended.
		chunk := s.newChunk(Delta{
			Role:    s.role(),
			Content: "[Response blocked by upstream safety filters]",
		}, "stop")
		return json.Marshal(chunk)
	}

	cand := resp.Candidates[0]
	reasoning, content := splitParts(cand.Content.Parts)
	if reasoning != "" {
		// First thought-bearing fragment opens the reasoning block; a later
		// content-bearing fragment closes it.
		s.reasoningOpen = true
	}
	if content != "" {
		s.reasoningOpen = false
	}

	delta := Delta{
		Role:             s.role(),
		Content:          content,
		ReasoningContent: reasoning,
	}
	finish := ""
	if cand.FinishReason != "" {
		finish = mapFinishReason(cand.FinishReason)
	}
	if delta == (Delta{}) && finish == "" {
		return nil, nil
	}

	chunk := s.newChunk(delta, finish)
	return json.Marshal(chunk)
}

// CloseChunk is emitted when the upstream closed while a reasoning block
// was still open, so the client gets an explicit terminal frame before the
// [DONE] sentinel.
func (s *StreamState) CloseChunk() ([]byte, bool) {
	if !s.reasoningOpen {
		return nil, false
	}
	s.reasoningOpen = false
	chunk := s.newChunk(Delta{}, "stop")
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, false
	}
	return data, true
}

// role returns "assistant" exactly once, on the first emitted frame.
func (s *StreamState) role() string {
	if s.roleSent {
		return ""
	}
	s.roleSent = true
	return "assistant"
}
