// The three response-delivery strategies. Selection happens in execute():
// real stream passes chunks through incrementally, fake stream collects the
// full response while keeping the connection alive with no-op frames, and
// non-stream accumulates everything into one JSON body.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relayforge/webrelay/internal/eventqueue"
	"github.com/relayforge/webrelay/internal/monitoring"
	"github.com/relayforge/webrelay/internal/translate"
	"github.com/relayforge/webrelay/internal/wire"
)

// lengthHeaders never propagate: the body the client sees is not the body
// the upstream sent.
var lengthHeaders = map[string]bool{
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Content-Encoding":  true,
}

// deliverNonStream forwards once and accumulates all fragments into a
// single JSON response.
func (g *Gateway) deliverNonStream(w http.ResponseWriter, r *http.Request, rc *request) (int, string) {
	if err := g.reg.Forward(r.Context(), rc.uow); err != nil {
		g.writeError(w, "upstream unavailable", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable, monitoring.OutcomeRejected
	}

	ev, err := g.awaitFirstEvent(r.Context(), rc)
	if err != nil {
		return g.failBeforeHeaders(w, r, rc, err)
	}

	status := http.StatusOK
	var body strings.Builder
	switch ev.Type {
	case wire.EventResponseHeaders:
		if ev.Status != 0 {
			status = ev.Status
		}
	case wire.EventChunk:
		// Worker skipped the header event; tolerate and assume 200.
		body.WriteString(ev.Data)
	case wire.EventStreamClose:
		g.writeError(w, "upstream closed without a response", http.StatusBadGateway)
		return http.StatusBadGateway, monitoring.OutcomeUpstream
	}

	for {
		next, err := rc.queue.Dequeue(r.Context(), g.cfg.Streaming.FirstEventTimeout)
		if err != nil {
			if errors.Is(err, eventqueue.ErrTimeout) {
				err = &UpstreamError{Status: http.StatusGatewayTimeout, Message: "upstream stalled mid-response"}
			}
			return g.failBeforeHeaders(w, r, rc, err)
		}
		if next.Type == wire.EventError {
			uerr := &UpstreamError{Status: next.ErrStatus, Message: next.ErrMessage}
			return g.failBeforeHeaders(w, r, rc, uerr)
		}
		if next.Type == wire.EventStreamClose {
			break
		}
		if next.Type == wire.EventChunk {
			body.WriteString(next.Data)
		}
	}

	raw := []byte(body.String())
	var out []byte
	if rc.openAI {
		out, err = translate.FromGeminiResponse(rc.model, raw, rc.chatReq)
		if err != nil {
			log.Error().Err(err).Str("request_id", rc.id).Msg("response translation failed")
			g.writeError(w, "invalid upstream response", http.StatusBadGateway)
			return http.StatusBadGateway, monitoring.OutcomeUpstream
		}
	} else {
		// Inline binary payloads become Markdown references in place.
		out = translate.InlineImagesToText(raw)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(out)

	if rc.uow.IsGenerative {
		g.account.ResetFailures()
	}
	return status, monitoring.OutcomeSuccess
}

// deliverRealStream forwards once and passes chunks through as they
// arrive. A per-chunk timeout is treated as normal completion.
func (g *Gateway) deliverRealStream(w http.ResponseWriter, r *http.Request, rc *request) (int, string) {
	if err := g.reg.Forward(r.Context(), rc.uow); err != nil {
		g.writeError(w, "upstream unavailable", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable, monitoring.OutcomeRejected
	}

	ev, err := g.awaitFirstEvent(r.Context(), rc)
	if err != nil {
		// Headers not yet promised, a plain error response is still possible.
		return g.failBeforeHeaders(w, r, rc, err)
	}

	status := http.StatusOK
	var firstChunk string
	switch ev.Type {
	case wire.EventResponseHeaders:
		for k, v := range ev.Headers {
			if lengthHeaders[http.CanonicalHeaderKey(k)] {
				continue
			}
			w.Header().Set(k, v)
		}
		if ev.Status != 0 {
			status = ev.Status
		}
	case wire.EventChunk:
		firstChunk = ev.Data
	case wire.EventStreamClose:
		g.writeError(w, "upstream closed without a response", http.StatusBadGateway)
		return http.StatusBadGateway, monitoring.OutcomeUpstream
	}

	// The SSE framing is only promised on the adapter path; native streams
	// relay whatever content type the upstream declared.
	var sw *sseWriter
	if rc.openAI {
		sw = newSSEWriter(w, status)
	} else {
		sw = newPassthroughWriter(w, status)
	}
	state := translate.NewStreamState(rc.model)
	outcome := monitoring.OutcomeSuccess

	writeChunk := func(data string) {
		g.metrics.StreamChunks.Inc()
		if !rc.openAI {
			sw.Raw([]byte(data))
			return
		}
		payload, terr := state.TranslateChunk([]byte(data))
		if terr != nil {
			log.Warn().Err(terr).Str("request_id", rc.id).Msg("skipping untranslatable chunk")
			return
		}
		if payload != nil {
			sw.Data(payload)
		}
	}
	if firstChunk != "" {
		writeChunk(firstChunk)
	}

loop:
	for {
		next, err := rc.queue.Dequeue(r.Context(), g.cfg.Streaming.ChunkTimeout)
		switch {
		case errors.Is(err, eventqueue.ErrTimeout):
			// Mid-stream silence is treated as graceful completion.
			log.Warn().Str("request_id", rc.id).Dur("chunk_timeout", g.cfg.Streaming.ChunkTimeout).
				Msg("no chunk within bound, ending stream")
			break loop
		case errors.Is(err, eventqueue.ErrClosed):
			outcome = monitoring.OutcomeUpstream
			break loop
		case errors.Is(err, context.Canceled):
			g.reg.Cancel(context.Background(), rc.id)
			outcome = monitoring.OutcomeCancelled
			break loop
		case err != nil:
			outcome = monitoring.OutcomeInternal
			break loop
		}

		switch next.Type {
		case wire.EventChunk:
			writeChunk(next.Data)
		case wire.EventError:
			uerr := &UpstreamError{Status: next.ErrStatus, Message: next.ErrMessage}
			g.handleUpstreamFailure(r.Context(), uerr)
			outcome = monitoring.OutcomeUpstream
			break loop
		case wire.EventStreamClose:
			break loop
		}
	}

	if rc.openAI {
		if closing, ok := state.CloseChunk(); ok {
			sw.Data(closing)
		}
		sw.Done()
	}

	if outcome == monitoring.OutcomeSuccess && rc.uow.IsGenerative {
		g.account.ResetFailures()
	}
	return status, outcome
}

// deliverFakeStream promises streaming headers immediately, keeps the
// connection alive with no-op frames, and collects the full response in a
// bounded retry loop before emitting exactly one data frame plus [DONE].
func (g *Gateway) deliverFakeStream(w http.ResponseWriter, r *http.Request, rc *request) (int, string) {
	sw := newSSEWriter(w, http.StatusOK)

	stopKeepAlive := make(chan struct{})
	go func() {
		ticker := time.NewTicker(g.cfg.Streaming.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sw.Comment("keep-alive")
			case <-stopKeepAlive:
				return
			}
		}
	}()
	defer close(stopKeepAlive)

	var body []byte
	var lastErr error
	for attempt := 1; attempt <= g.cfg.Streaming.FakeMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(g.cfg.Streaming.FakeRetryDelay):
			case <-r.Context().Done():
				lastErr = context.Canceled
			}
			// The failed attempt may have left trailing frames (a
			// stream_close after the error) in the still-registered queue.
			if dropped := rc.queue.Drain(); dropped > 0 {
				log.Debug().Int("dropped", dropped).Str("request_id", rc.id).
					Msg("discarded stale events before retry")
			}
		}
		if r.Context().Err() != nil {
			g.reg.Cancel(context.Background(), rc.id)
			sw.Done()
			return http.StatusOK, monitoring.OutcomeCancelled
		}

		collected, err := g.collectOnce(r.Context(), rc)
		if err == nil {
			body = collected
			lastErr = nil
			break
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			g.reg.Cancel(context.Background(), rc.id)
			sw.Done()
			return http.StatusOK, monitoring.OutcomeCancelled
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("request_id", rc.id).
			Msg("fake-stream attempt failed")
	}

	if lastErr != nil {
		var uerr *UpstreamError
		if !errors.As(lastErr, &uerr) {
			uerr = &UpstreamError{Status: http.StatusBadGateway, Message: lastErr.Error()}
		}
		g.handleUpstreamFailure(r.Context(), uerr)
		sw.Data(errorFrame(uerr))
		sw.Done()
		if uerr.Status == http.StatusGatewayTimeout {
			return http.StatusOK, monitoring.OutcomeTimeout
		}
		return http.StatusOK, monitoring.OutcomeUpstream
	}

	if rc.openAI {
		state := translate.NewStreamState(rc.model)
		payload, err := state.TranslateChunk(body)
		if err != nil {
			log.Error().Err(err).Str("request_id", rc.id).Msg("fake-stream translation failed")
			sw.Data(errorFrame(&UpstreamError{Status: http.StatusBadGateway, Message: "invalid upstream response"}))
			sw.Done()
			return http.StatusOK, monitoring.OutcomeUpstream
		}
		if payload != nil {
			sw.Data(payload)
		}
	} else {
		sw.Data(translate.InlineImagesToText(body))
	}
	sw.Done()

	if rc.uow.IsGenerative {
		g.account.ResetFailures()
	}
	return http.StatusOK, monitoring.OutcomeSuccess
}

// collectOnce forwards the unit of work and gathers the complete response
// within the fake-mode overall timeout.
func (g *Gateway) collectOnce(ctx context.Context, rc *request) ([]byte, error) {
	if err := g.reg.Forward(ctx, rc.uow); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(g.cfg.Streaming.FakeTimeout)
	var body strings.Builder
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &UpstreamError{Status: http.StatusGatewayTimeout, Message: "upstream did not respond in time"}
		}
		ev, err := rc.queue.Dequeue(ctx, remaining)
		if err != nil {
			if errors.Is(err, eventqueue.ErrTimeout) {
				return nil, &UpstreamError{Status: http.StatusGatewayTimeout, Message: "upstream did not respond in time"}
			}
			return nil, err
		}
		switch ev.Type {
		case wire.EventResponseHeaders:
			// Status travels inside the single emitted frame; nothing to do.
		case wire.EventChunk:
			body.WriteString(ev.Data)
		case wire.EventError:
			return nil, &UpstreamError{Status: ev.ErrStatus, Message: ev.ErrMessage}
		case wire.EventStreamClose:
			return []byte(body.String()), nil
		}
	}
}

// errorFrame renders one OpenAI-style error payload for a stream that
// already promised headers.
func errorFrame(uerr *UpstreamError) []byte {
	return []byte(`{"error":{"message":` + strconv.Quote(uerr.Message) +
		`,"type":"upstream_error","code":` + strconv.Itoa(uerr.Status) + `}}`)
}
