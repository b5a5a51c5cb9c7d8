package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/webrelay/internal/config"
	"github.com/relayforge/webrelay/internal/translate"
	"github.com/relayforge/webrelay/internal/wire"
)

// scriptedChannel plays a canned worker: each forwarded unit of work gets
// the frames the script returns, routed back asynchronously like the real
// read loop would.
type scriptedChannel struct {
	route  func([]byte)
	script func(uow wire.UnitOfWork) []string

	mu      sync.Mutex
	uows    []wire.UnitOfWork
	cancels []string
}

func (c *scriptedChannel) Send(_ context.Context, payload any) error {
	switch p := payload.(type) {
	case wire.UnitOfWork:
		c.mu.Lock()
		c.uows = append(c.uows, p)
		c.mu.Unlock()
		frames := c.script(p)
		go func() {
			for _, f := range frames {
				c.route([]byte(f))
			}
		}()
	case wire.CancelRequest:
		c.mu.Lock()
		c.cancels = append(c.cancels, p.RequestID)
		c.mu.Unlock()
	}
	return nil
}

func (c *scriptedChannel) Close() error { return nil }

func (c *scriptedChannel) lastUOW() wire.UnitOfWork {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uows[len(c.uows)-1]
}

func (c *scriptedChannel) uowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uows)
}

func wsHeaders(id string, status int) string {
	return fmt.Sprintf(`{"request_id":%q,"event_type":"response_headers","status":%d,"headers":{"Content-Type":"application/json"}}`, id, status)
}

func wsChunk(id, data string) string {
	out, _ := json.Marshal(map[string]string{"request_id": id, "event_type": "chunk", "data": data})
	return string(out)
}

func wsError(id string, status int, msg string) string {
	return fmt.Sprintf(`{"request_id":%q,"event_type":"error","status":%d,"message":%q}`, id, status, msg)
}

func wsClose(id string) string {
	return fmt.Sprintf(`{"request_id":%q,"event_type":"stream_close"}`, id)
}

const geminiHello = `{"candidates":[{"content":{"parts":[{"text":"Hello world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`

// newServedGateway wires a gateway with a scripted worker behind httptest.
func newServedGateway(t *testing.T, mutate func(*config.Config), script func(uow wire.UnitOfWork) []string) (*Gateway, *scriptedChannel, *httptest.Server) {
	t.Helper()

	driver := &fakeDriver{}
	g := newTestGateway(t, 2, driver, mutate)

	ch := &scriptedChannel{route: g.reg.Route, script: script}
	g.reg.Add(ch)

	srv := httptest.NewServer(g.Router())
	t.Cleanup(srv.Close)
	return g, ch, srv
}

func TestChatCompletionsNonStream(t *testing.T) {
	_, ch, srv := newServedGateway(t, nil, func(uow wire.UnitOfWork) []string {
		// Body split across two fragments exercises accumulation.
		return []string{
			wsHeaders(uow.RequestID, 200),
			wsChunk(uow.RequestID, geminiHello[:40]),
			wsChunk(uow.RequestID, geminiHello[40:]),
			wsClose(uow.RequestID),
		}
	})

	body := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var completion translate.ChatCompletion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&completion))
	require.Len(t, completion.Choices, 1)
	assert.Equal(t, "Hello world", completion.Choices[0].Message.Content)
	assert.Equal(t, "stop", completion.Choices[0].FinishReason)
	assert.Equal(t, 5, completion.Usage.TotalTokens)

	uow := ch.lastUOW()
	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:generateContent", uow.Path)
	assert.True(t, uow.IsGenerative)
	assert.Contains(t, uow.Body, "safetySettings")
}

func TestChatCompletionsRealStream(t *testing.T) {
	_, ch, srv := newServedGateway(t, nil, func(uow wire.UnitOfWork) []string {
		return []string{
			wsHeaders(uow.RequestID, 200),
			wsChunk(uow.RequestID, `{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`),
			wsChunk(uow.RequestID, `{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}]}`),
			wsClose(uow.RequestID),
		}
	})

	body := `{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	raw, err := readAll(resp)
	require.NoError(t, err)
	frames := sseDataFrames(raw)
	require.Len(t, frames, 3)
	assert.Equal(t, "[DONE]", frames[2])

	var first, second translate.ChatChunk
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &second))
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Equal(t, "Hel", first.Choices[0].Delta.Content)
	assert.Equal(t, "lo", second.Choices[0].Delta.Content)
	assert.Equal(t, "stop", second.Choices[0].FinishReason)

	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:streamGenerateContent", ch.lastUOW().Path)
}

func TestChatCompletionsFakeStream(t *testing.T) {
	_, ch, srv := newServedGateway(t, func(cfg *config.Config) {
		cfg.Streaming.Mode = "fake"
	}, func(uow wire.UnitOfWork) []string {
		// Fragments only form valid JSON once concatenated.
		return []string{
			wsHeaders(uow.RequestID, 200),
			wsChunk(uow.RequestID, geminiHello[:25]),
			wsChunk(uow.RequestID, geminiHello[25:]),
			wsClose(uow.RequestID),
		}
	})

	body := `{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := readAll(resp)
	require.NoError(t, err)
	frames := sseDataFrames(raw)

	// Exactly one data frame, carrying the whole completion, then [DONE].
	require.Len(t, frames, 2)
	assert.Equal(t, "[DONE]", frames[1])
	var chunk translate.ChatChunk
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &chunk))
	assert.Equal(t, "Hello world", chunk.Choices[0].Delta.Content)
	assert.Equal(t, "stop", chunk.Choices[0].FinishReason)

	// Fake mode still forwards the non-streaming upstream path.
	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:generateContent", ch.lastUOW().Path)
	assert.Equal(t, "fake", ch.lastUOW().StreamingMode)
}

func TestNativePassthrough(t *testing.T) {
	native := `{"candidates":[{"content":{"parts":[{"text":"native reply"}]}}]}`
	_, ch, srv := newServedGateway(t, nil, func(uow wire.UnitOfWork) []string {
		return []string{
			wsHeaders(uow.RequestID, 200),
			wsChunk(uow.RequestID, native),
			wsClose(uow.RequestID),
		}
	})

	resp, err := http.Post(srv.URL+"/v1beta/models/gemini-2.5-pro:generateContent?key=abc",
		"application/json", strings.NewReader(`{"contents":[{"parts":[{"text":"hi"}]}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := readAll(resp)
	require.NoError(t, err)
	assert.JSONEq(t, native, raw)

	uow := ch.lastUOW()
	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:generateContent", uow.Path)
	assert.Equal(t, "abc", uow.QueryParams["key"])
	// Force-injected safety settings ride along on native bodies too.
	assert.Contains(t, uow.Body, "BLOCK_NONE")
}

func TestFirstEventSilenceEscalatesToGatewayTimeout(t *testing.T) {
	// A worker that never answers: the wait is bounded and surfaces as a
	// synthetic 504 that counts against the account.
	g, _, srv := newServedGateway(t, func(cfg *config.Config) {
		cfg.Streaming.FirstEventTimeout = 80 * time.Millisecond
	}, func(uow wire.UnitOfWork) []string { return nil })

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "upstream did not respond in time", payload.Error.Message)
	assert.Equal(t, 1, g.account.Snapshot().FailureCount)
}

func TestFakeStreamRetriesAfterTransientFailure(t *testing.T) {
	// First attempt fails with an error followed by a trailing close frame;
	// the retry must not be satisfied by that leftover close.
	var calls atomic.Int32
	g, ch, srv := newServedGateway(t, func(cfg *config.Config) {
		cfg.Streaming.Mode = "fake"
		cfg.Streaming.FakeRetryDelay = 50 * time.Millisecond
	}, func(uow wire.UnitOfWork) []string {
		if calls.Add(1) == 1 {
			return []string{
				wsError(uow.RequestID, 500, "transient upstream hiccup"),
				wsClose(uow.RequestID),
			}
		}
		return []string{
			wsHeaders(uow.RequestID, 200),
			wsChunk(uow.RequestID, geminiHello),
			wsClose(uow.RequestID),
		}
	})

	body := `{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := readAll(resp)
	require.NoError(t, err)
	frames := sseDataFrames(raw)
	require.Len(t, frames, 2)
	assert.Equal(t, "[DONE]", frames[1])

	var chunk translate.ChatChunk
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &chunk))
	assert.Equal(t, "Hello world", chunk.Choices[0].Delta.Content)

	assert.Equal(t, 2, ch.uowCount())
	assert.Equal(t, 0, g.account.Snapshot().FailureCount)
}

func TestFakeStreamExhaustedRetriesEmitsErrorFrame(t *testing.T) {
	g, ch, srv := newServedGateway(t, func(cfg *config.Config) {
		cfg.Streaming.Mode = "fake"
		cfg.Streaming.FakeMaxAttempts = 2
		cfg.Streaming.FakeRetryDelay = 10 * time.Millisecond
	}, func(uow wire.UnitOfWork) []string {
		return []string{
			wsError(uow.RequestID, 503, "backend down"),
			wsClose(uow.RequestID),
		}
	})

	body := `{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	// Headers were promised before the first attempt, so the failure rides
	// inside the stream.
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := readAll(resp)
	require.NoError(t, err)
	frames := sseDataFrames(raw)
	require.Len(t, frames, 2)
	assert.Equal(t, "[DONE]", frames[1])

	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &payload))
	assert.Equal(t, "backend down", payload.Error.Message)
	assert.Equal(t, "upstream_error", payload.Error.Type)
	assert.Equal(t, 503, payload.Error.Code)

	assert.Equal(t, 2, ch.uowCount())
	assert.Equal(t, 1, g.account.Snapshot().FailureCount)
}

func TestNativeStreamKeepsUpstreamContentType(t *testing.T) {
	upstreamType := "text/event-stream; charset=UTF-8"
	chunkA := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"nat\"}]}}]}\n\n"
	chunkB := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ive\"}]}}]}\n\n"
	_, _, srv := newServedGateway(t, nil, func(uow wire.UnitOfWork) []string {
		hdr := fmt.Sprintf(`{"request_id":%q,"event_type":"response_headers","status":200,"headers":{"Content-Type":%q}}`,
			uow.RequestID, upstreamType)
		return []string{
			hdr,
			wsChunk(uow.RequestID, chunkA),
			wsChunk(uow.RequestID, chunkB),
			wsClose(uow.RequestID),
		}
	})

	resp, err := http.Post(srv.URL+"/v1beta/models/gemini-2.5-pro:streamGenerateContent?key=abc",
		"application/json", strings.NewReader(`{"contents":[{"parts":[{"text":"hi"}]}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Pass-through keeps the upstream's declared content type and bytes.
	assert.Equal(t, upstreamType, resp.Header.Get("Content-Type"))
	raw, err := readAll(resp)
	require.NoError(t, err)
	assert.Equal(t, chunkA+chunkB, raw)
}

func TestUpstreamErrorBeforeHeaders(t *testing.T) {
	g, _, srv := newServedGateway(t, func(cfg *config.Config) {
		cfg.Failover.ImmediateSwitchStatus = nil
	}, func(uow wire.UnitOfWork) []string {
		return []string{wsError(uow.RequestID, 401, "session expired")}
	})

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "session expired", payload.Error.Message)
	assert.Equal(t, 1, g.account.Snapshot().FailureCount)
}

func TestBadAdapterInputRejected(t *testing.T) {
	g, _, srv := newServedGateway(t, nil, func(uow wire.UnitOfWork) []string { return nil })

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	// Malformed input never counts against the upstream.
	assert.Equal(t, 0, g.account.Snapshot().FailureCount)
}

func TestAdmissionRejectedWhileBusy(t *testing.T) {
	g, _, srv := newServedGateway(t, nil, func(uow wire.UnitOfWork) []string { return nil })

	release, ok := g.account.TryEnterBusy()
	require.True(t, ok)
	defer release()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndModels(t *testing.T) {
	_, _, srv := newServedGateway(t, nil, func(uow wire.UnitOfWork) []string { return nil })

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["bridge_connected"])

	resp2, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var list translate.ModelList
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&list))
	assert.Equal(t, "list", list.Object)
	require.NotEmpty(t, list.Data)
	assert.Equal(t, "gemini-2.5-pro", list.Data[0].ID)
}

// readAll drains a response body as a string.
func readAll(resp *http.Response) (string, error) {
	data, err := io.ReadAll(resp.Body)
	return string(data), err
}

// sseDataFrames extracts the data payloads from an SSE body, skipping
// keep-alive comments.
func sseDataFrames(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}
