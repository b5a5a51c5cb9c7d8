package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relayforge/webrelay/internal/config"
	"github.com/relayforge/webrelay/internal/eventqueue"
	"github.com/relayforge/webrelay/internal/monitoring"
	"github.com/relayforge/webrelay/internal/translate"
	"github.com/relayforge/webrelay/internal/wire"
)

// request carries the per-request state owned exclusively by one handler
// invocation. Never shared across requests.
type request struct {
	id          string
	uow         wire.UnitOfWork
	queue       *eventqueue.Queue
	openAI      bool
	chatReq     *translate.ChatRequest
	model       string
	rotateAfter bool
	startTime   time.Time
}

// handleChatCompletions is the OpenAI adapter path.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := g.readBody(w, r)
	if err != nil {
		return
	}

	opts := translate.Options{
		ForceThoughts:   g.cfg.Translate.ForceThoughts,
		ForceWebSearch:  g.cfg.Translate.ForceWebSearch,
		ForceURLContext: g.cfg.Translate.ForceURLContext,
	}
	gemReq, chatReq, err := translate.ToGeminiRequest(body, opts)
	if err != nil {
		// Malformed adapter input is terminal: never retried, never counted
		// against the upstream.
		g.metrics.Requests.WithLabelValues(monitoring.OutcomeBadInput).Inc()
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	forwardBody, err := json.Marshal(gemReq)
	if err != nil {
		g.writeError(w, "failed to encode upstream request", http.StatusInternalServerError)
		return
	}

	model := chatReq.Model
	if model == "" && len(g.cfg.Models) > 0 {
		model = g.cfg.Models[0]
	}

	path := "/v1beta/models/" + model + ":generateContent"
	wantStream := chatReq.Stream
	if wantStream && g.cfg.Streaming.Mode == "real" {
		path = "/v1beta/models/" + model + ":streamGenerateContent"
	}

	g.execute(w, r, executeParams{
		path:        path,
		method:      http.MethodPost,
		body:        forwardBody,
		openAI:      true,
		chatReq:     chatReq,
		model:       model,
		wantStream:  wantStream,
		isGenerative: true,
	})
}

// handleNative passes any other method+path through in the vendor-native
// shape, with the global force flags injected into generative bodies.
func (g *Gateway) handleNative(w http.ResponseWriter, r *http.Request) {
	body, err := g.readBody(w, r)
	if err != nil {
		return
	}

	isGenerative := r.Method == http.MethodPost && strings.Contains(r.URL.Path, "generateContent")
	if isGenerative && len(body) > 0 {
		body = translate.InjectNativeOverrides(body, translate.Options{
			ForceThoughts:   g.cfg.Translate.ForceThoughts,
			ForceWebSearch:  g.cfg.Translate.ForceWebSearch,
			ForceURLContext: g.cfg.Translate.ForceURLContext,
		})
	}

	g.execute(w, r, executeParams{
		path:         r.URL.Path,
		method:       r.Method,
		body:         body,
		openAI:       false,
		wantStream:   wantsStream(r),
		isGenerative: isGenerative,
	})
}

// wantsStream derives the client's streaming intent from the Accept header
// or a streaming path suffix.
func wantsStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return strings.Contains(r.URL.Path, ":streamGenerateContent") ||
		strings.HasSuffix(r.URL.Path, "/stream")
}

func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.writeError(w, "failed to read request", http.StatusBadRequest)
		return nil, err
	}
	return body, nil
}

type executeParams struct {
	path         string
	method       string
	body         []byte
	openAI       bool
	chatReq      *translate.ChatRequest
	model        string
	wantStream   bool
	isGenerative bool
}

// execute runs one request end to end: admission, unit-of-work
// construction, strategy dispatch, and guaranteed cleanup.
func (g *Gateway) execute(w http.ResponseWriter, r *http.Request, p executeParams) {
	rc := &request{
		id:        uuid.NewString(),
		openAI:    p.openAI,
		chatReq:   p.chatReq,
		model:     p.model,
		startTime: time.Now(),
	}

	// Admission: a switch or recovery in progress rejects everything.
	if g.account.IsBusy() {
		g.metrics.Requests.WithLabelValues(monitoring.OutcomeRejected).Inc()
		g.writeError(w, "maintenance in progress", http.StatusServiceUnavailable)
		return
	}
	if !g.reg.HasActiveChannel() {
		if err := g.recoverSession(r.Context()); err != nil {
			g.metrics.Requests.WithLabelValues(monitoring.OutcomeRejected).Inc()
			g.writeError(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	streamingMode := "real"
	if g.cfg.Streaming.Mode == "fake" {
		streamingMode = "fake"
	}
	rc.uow = wire.UnitOfWork{
		RequestID:     rc.id,
		Path:          p.path,
		Method:        p.method,
		Headers:       singleValueHeaders(r.Header),
		QueryParams:   singleValueQuery(r),
		Body:          string(p.body),
		StreamingMode: streamingMode,
		IsGenerative:  p.isGenerative,
	}

	// Usage-based rotation is decided up front but deferred until the
	// response has fully been sent.
	if p.isGenerative {
		rc.rotateAfter = g.account.RecordUsage(g.cfg.Failover.UsageRotationThreshold)
	}

	rc.queue = g.reg.CreateQueue(rc.id)
	g.metrics.PendingRequests.Set(float64(g.reg.PendingRequests()))
	defer func() {
		g.reg.RemoveQueue(rc.id)
		g.metrics.PendingRequests.Set(float64(g.reg.PendingRequests()))
		if rc.rotateAfter {
			g.rotateAfterResponse()
		}
	}()

	var status int
	var outcome string
	switch {
	case p.wantStream && g.cfg.Streaming.Mode == "real":
		status, outcome = g.deliverRealStream(w, r, rc)
	case p.wantStream:
		status, outcome = g.deliverFakeStream(w, r, rc)
	default:
		status, outcome = g.deliverNonStream(w, r, rc)
	}

	g.metrics.Requests.WithLabelValues(outcome).Inc()
	g.tracker.Record(monitoring.RequestRecord{
		RequestID:     rc.id,
		Timestamp:     rc.startTime,
		Method:        p.method,
		Path:          p.path,
		Status:        status,
		Duration:      time.Since(rc.startTime),
		StreamingMode: streamingMode,
		IdentityIndex: g.account.CurrentIndex(),
		Outcome:       outcome,
	})
}

// recoverSession attempts one upstream-session recovery bound to the
// current identity, holding the busy flag for its duration.
func (g *Gateway) recoverSession(ctx context.Context) error {
	release, ok := g.account.TryEnterBusy()
	if !ok {
		return ErrSwitchInProgress
	}
	defer release()

	id, err := g.identities.Get(g.account.CurrentIndex())
	if err != nil {
		return err
	}
	log.Warn().Str("identity", id.Label).Msg("no active channel, attempting session recovery")
	if err := g.driver.Bind(ctx, id); err != nil {
		return err
	}
	g.metrics.BridgeConnected.Set(1)
	return nil
}

// awaitFirstEvent waits for the first upstream event. A timeout here is
// escalated to a synthetic 504 upstream error, entering the normal failure
// path.
func (g *Gateway) awaitFirstEvent(ctx context.Context, rc *request) (wire.Event, error) {
	ev, err := rc.queue.Dequeue(ctx, g.cfg.Streaming.FirstEventTimeout)
	if err == nil {
		if ev.Type == wire.EventError {
			return ev, &UpstreamError{Status: ev.ErrStatus, Message: ev.ErrMessage}
		}
		return ev, nil
	}
	switch {
	case errors.Is(err, eventqueue.ErrTimeout):
		return wire.Event{}, &UpstreamError{Status: http.StatusGatewayTimeout, Message: "upstream did not respond in time"}
	default:
		return wire.Event{}, err
	}
}

// failBeforeHeaders converts an error into a client response when nothing
// has been written yet, running the failover hook for upstream failures.
// Client cancellation is excluded from failure accounting.
func (g *Gateway) failBeforeHeaders(w http.ResponseWriter, r *http.Request, rc *request, err error) (int, string) {
	var uerr *UpstreamError
	switch {
	case errors.As(err, &uerr):
		g.handleUpstreamFailure(r.Context(), uerr)
		status := uerr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		g.writeError(w, uerr.Message, status)
		if status == http.StatusGatewayTimeout {
			return status, monitoring.OutcomeTimeout
		}
		return status, monitoring.OutcomeUpstream

	case errors.Is(err, eventqueue.ErrClosed):
		g.writeError(w, "upstream connection lost", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable, monitoring.OutcomeUpstream

	case errors.Is(err, context.Canceled):
		// Client went away; tell the worker, nothing to write.
		g.reg.Cancel(context.Background(), rc.id)
		return 0, monitoring.OutcomeCancelled

	default:
		log.Error().Err(err).Str("request_id", rc.id).Msg("request failed")
		g.writeError(w, "proxy error", http.StatusInternalServerError)
		return http.StatusInternalServerError, monitoring.OutcomeInternal
	}
}

// singleValueHeaders flattens the forwardable request headers. Hop-by-hop
// and connection headers stay local.
func singleValueHeaders(h http.Header) map[string]string {
	skip := map[string]bool{
		"Connection": true, "Keep-Alive": true, "Transfer-Encoding": true,
		"Upgrade": true, "Host": true, "Content-Length": true,
		"Accept-Encoding": true, "Authorization": true,
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if skip[http.CanonicalHeaderKey(k)] || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	return out
}

func singleValueQuery(r *http.Request) map[string]string {
	q := r.URL.Query()
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
