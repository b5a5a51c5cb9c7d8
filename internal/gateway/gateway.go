// Package gateway orchestrates the request lifecycle: admission, unit-of-work
// construction, forwarding over the back-channel, the three response-delivery
// strategies, and the account-failover state machine.
//
// DESIGN: Main request flow:
//   - handleChatCompletions(): OpenAI adapter path (/v1/chat/completions)
//   - handleNative():          vendor-native pass-through (everything else)
//   - deliverRealStream():     incremental SSE pass-through
//   - deliverFakeStream():     collect-then-emit-once framed as SSE
//   - deliverNonStream():      accumulate and return one JSON body
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/relayforge/webrelay/internal/config"
	"github.com/relayforge/webrelay/internal/identity"
	"github.com/relayforge/webrelay/internal/monitoring"
	"github.com/relayforge/webrelay/internal/registry"
	"github.com/relayforge/webrelay/internal/session"
	"github.com/relayforge/webrelay/internal/translate"
	"github.com/relayforge/webrelay/internal/utils"
)

// Gateway wires the registry, identities, session driver, and telemetry
// behind the HTTP surface.
type Gateway struct {
	cfg        *config.Config
	reg        *registry.Registry
	identities *identity.Source
	driver     session.Driver
	account    *AccountState
	metrics    *monitoring.Metrics
	tracker    *monitoring.Tracker
	cron       *cron.Cron
}

// New assembles a gateway. The registry's confirmed-lost hook is attached
// here so channel loss reflects in metrics and later admissions trigger
// session recovery.
func New(cfg *config.Config, reg *registry.Registry, ids *identity.Source,
	driver session.Driver, metrics *monitoring.Metrics, tracker *monitoring.Tracker) *Gateway {

	g := &Gateway{
		cfg:        cfg,
		reg:        reg,
		identities: ids,
		driver:     driver,
		account:    &AccountState{},
		metrics:    metrics,
		tracker:    tracker,
	}
	reg.OnConfirmedLost(func() {
		metrics.BridgeConnected.Set(0)
		log.Error().Msg("upstream session lost, next request will attempt recovery")
	})
	return g
}

// Account exposes the account state for the status surface and tests.
func (g *Gateway) Account() *AccountState { return g.account }

// Router builds the HTTP surface.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", g.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/internal/bridge", g.handleBridge)
	r.Post("/api/account/switch", g.handleManualSwitch)

	r.Get("/v1/models", g.handleModels)
	r.Post("/v1/chat/completions", g.handleChatCompletions)

	// Everything else passes through in the vendor-native shape.
	r.NotFound(g.handleNative)
	return r
}

// StartScheduledRefresh arms the optional cron-driven session refresh.
func (g *Gateway) StartScheduledRefresh() error {
	spec := g.cfg.Failover.RefreshCron
	if spec == "" {
		return nil
	}
	g.cron = cron.New()
	_, err := g.cron.AddFunc(spec, func() {
		log.Info().Str("cron", spec).Msg("scheduled session refresh")
		if err := g.SwitchAccount(context.Background()); err != nil {
			log.Error().Err(err).Msg("scheduled refresh failed")
		}
	})
	if err != nil {
		return err
	}
	g.cron.Start()
	return nil
}

// Stop releases background resources.
func (g *Gateway) Stop() {
	if g.cron != nil {
		g.cron.Stop()
	}
	g.identities.Close()
	g.tracker.Close()
}

// writeError writes a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

// handleHealth reports account and channel state.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := g.account.Snapshot()
	health := map[string]interface{}{
		"status":           "ok",
		"time":             time.Now().Format(time.RFC3339),
		"bridge_connected": g.reg.HasActiveChannel(),
		"pending_requests": g.reg.PendingRequests(),
		"account":          snap,
		"identities":       g.identities.Labels(),
	}
	if !g.reg.HasActiveChannel() {
		health["status"] = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

// handleModels lists the configured model identifiers in OpenAI-list shape.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	list := translate.ModelList{Object: "list"}
	created := time.Now().Unix()
	for _, id := range g.cfg.Models {
		list.Data = append(list.Data, translate.ModelInfo{
			ID: id, Object: "model", Created: created, OwnedBy: "google",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// handleManualSwitch is the operator-triggered switch: ?index=N.
func (g *Gateway) handleManualSwitch(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		g.writeError(w, "index query parameter required", http.StatusBadRequest)
		return
	}
	if err := g.SwitchTo(r.Context(), index); err != nil {
		status := http.StatusBadGateway
		if err == ErrSwitchInProgress {
			status = http.StatusServiceUnavailable
		}
		g.writeError(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"switched_to": index})
}

// handleBridge accepts the worker's back-channel WebSocket connection.
func (g *Gateway) handleBridge(w http.ResponseWriter, r *http.Request) {
	if token := g.cfg.Bridge.AuthToken; token != "" && r.URL.Query().Get("token") != token {
		log.Warn().Str("presented", utils.MaskKey(r.URL.Query().Get("token"))).
			Msg("bridge connect with bad token")
		g.writeError(w, "invalid bridge token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The worker sends whole JSON documents; no compression negotiation.
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("bridge websocket accept failed")
		return
	}
	conn.SetReadLimit(config.MaxRequestBodySize)

	ch := registry.NewWSChannel(conn)
	g.reg.Add(ch)
	g.metrics.BridgeConnected.Set(1)

	// The read loop owns the connection; it deregisters on exit.
	ch.ReadLoop(r.Context(), g.reg)
}
