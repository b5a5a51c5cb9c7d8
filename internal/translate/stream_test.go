package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeChunk(t *testing.T, payload []byte) ChatChunk {
	t.Helper()
	var chunk ChatChunk
	require.NoError(t, json.Unmarshal(payload, &chunk))
	require.Len(t, chunk.Choices, 1)
	return chunk
}

func TestTranslateChunkSequence(t *testing.T) {
	s := NewStreamState("gemini-2.5-flash")

	// First fragment carries the role once.
	payload, err := s.TranslateChunk([]byte(`{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`))
	require.NoError(t, err)
	first := decodeChunk(t, payload)
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "gemini-2.5-flash", first.Model)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Equal(t, "Hel", first.Choices[0].Delta.Content)
	assert.Empty(t, first.Choices[0].FinishReason)

	// Later fragments carry no role, same completion id.
	payload, err = s.TranslateChunk([]byte(`{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}]}`))
	require.NoError(t, err)
	second := decodeChunk(t, payload)
	assert.Equal(t, first.ID, second.ID)
	assert.Empty(t, second.Choices[0].Delta.Role)
	assert.Equal(t, "lo", second.Choices[0].Delta.Content)
	assert.Equal(t, "stop", second.Choices[0].FinishReason)
}

func TestTranslateChunkEmptyDeltaSkipped(t *testing.T) {
	s := NewStreamState("m")
	// Burn the role on a first real fragment.
	_, err := s.TranslateChunk([]byte(`{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`))
	require.NoError(t, err)

	payload, err := s.TranslateChunk([]byte(`{"candidates":[{"content":{"parts":[]}}]}`))
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestTranslateChunkMalformed(t *testing.T) {
	s := NewStreamState("m")
	_, err := s.TranslateChunk([]byte(`garbage`))
	require.Error(t, err)
}

func TestTranslateChunkSafetyBlock(t *testing.T) {
	s := NewStreamState("m")
	payload, err := s.TranslateChunk([]byte(`{"candidates":[]}`))
	require.NoError(t, err)

	chunk := decodeChunk(t, payload)
	assert.Equal(t, "[Response blocked by upstream safety filters]", chunk.Choices[0].Delta.Content)
	assert.Equal(t, "stop", chunk.Choices[0].FinishReason)
}

func TestReasoningBracketing(t *testing.T) {
	s := NewStreamState("m")

	payload, err := s.TranslateChunk([]byte(`{"candidates":[{"content":{"parts":[{"text":"hmm","thought":true}]}}]}`))
	require.NoError(t, err)
	chunk := decodeChunk(t, payload)
	assert.Equal(t, "hmm", chunk.Choices[0].Delta.ReasoningContent)

	// Content closes the reasoning block; no terminal frame needed later.
	_, err = s.TranslateChunk([]byte(`{"candidates":[{"content":{"parts":[{"text":"answer"}]}}]}`))
	require.NoError(t, err)
	_, open := s.CloseChunk()
	assert.False(t, open)
}

func TestCloseChunkWhileReasoningOpen(t *testing.T) {
	s := NewStreamState("m")
	_, err := s.TranslateChunk([]byte(`{"candidates":[{"content":{"parts":[{"text":"hmm","thought":true}]}}]}`))
	require.NoError(t, err)

	payload, open := s.CloseChunk()
	require.True(t, open)
	chunk := decodeChunk(t, payload)
	assert.Equal(t, "stop", chunk.Choices[0].FinishReason)
	assert.Equal(t, Delta{}, chunk.Choices[0].Delta)

	// Second close is a no-op.
	_, open = s.CloseChunk()
	assert.False(t, open)
}
