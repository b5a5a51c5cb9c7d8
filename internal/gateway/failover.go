// Failover state machine: consecutive-failure and usage accounting against
// configured thresholds, identity rotation with rollback, in-place refresh
// for single-identity deployments, and the operator-triggered manual switch.
package gateway

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/relayforge/webrelay/internal/identity"
)

// handleUpstreamFailure runs the per-request failure hook: count the
// failure and fire the switch routine when a trigger matches. Client
// cancellations never reach this path.
func (g *Gateway) handleUpstreamFailure(ctx context.Context, uerr *UpstreamError) {
	immediate := false
	for _, status := range g.cfg.Failover.ImmediateSwitchStatus {
		if uerr.Status == status {
			immediate = true
			break
		}
	}

	thresholdHit := false
	if g.cfg.Failover.FailureThreshold > 0 {
		count := g.account.RecordFailure()
		thresholdHit = count >= g.cfg.Failover.FailureThreshold
		log.Warn().Int("failure_count", count).Int("status", uerr.Status).
			Str("message", uerr.Message).Msg("upstream failure recorded")
	}

	if !immediate && !thresholdHit {
		return
	}
	if err := g.SwitchAccount(ctx); err != nil {
		log.Error().Err(err).Bool("immediate", immediate).Msg("account switch failed")
	}
}

// SwitchAccount runs the switch routine while holding both advisory locks.
// With one usable identity it performs an in-place refresh; with more it
// rotates to the cyclic successor, rolling back on failure.
func (g *Gateway) SwitchAccount(ctx context.Context) error {
	release, ok := g.account.TryEnterSwitching()
	if !ok {
		return ErrSwitchInProgress
	}
	defer release()

	usable := g.identities.UsableIndices()
	if len(usable) == 0 {
		g.metrics.Failovers.WithLabelValues("no_identity").Inc()
		return identity.ErrNoUsableIdentity
	}

	cur := g.account.CurrentIndex()

	if len(usable) == 1 {
		return g.refreshInPlace(ctx, usable[0])
	}
	return g.rotate(ctx, usable, cur)
}

// refreshInPlace re-invokes the session driver on the same identity.
func (g *Gateway) refreshInPlace(ctx context.Context, idx int) error {
	id, err := g.identities.Get(idx)
	if err != nil {
		return &SwitchError{Kind: SwitchRefreshFailed, Err: err}
	}
	log.Info().Str("identity", id.Label).Msg("single identity, refreshing session in place")

	if err := g.driver.Bind(ctx, id); err != nil {
		g.metrics.Failovers.WithLabelValues("refresh_failed").Inc()
		return &SwitchError{Kind: SwitchRefreshFailed, Err: err}
	}
	g.account.SetCurrentIndex(idx)
	g.account.ResetCounters()
	g.metrics.Failovers.WithLabelValues("refreshed").Inc()
	return nil
}

// rotate binds the cyclic successor of the current index within the sorted
// usable list, rolling back to the previous identity on failure.
func (g *Gateway) rotate(ctx context.Context, usable []int, cur int) error {
	next := cyclicSuccessor(usable, cur)
	nextID, err := g.identities.Get(next)
	if err != nil {
		return &SwitchError{Kind: SwitchRolledBack, Err: err}
	}
	log.Info().Int("from", cur).Int("to", next).Str("identity", nextID.Label).
		Msg("rotating to next identity")

	bindErr := g.driver.Bind(ctx, nextID)
	if bindErr == nil {
		g.account.SetCurrentIndex(next)
		g.account.ResetCounters()
		g.metrics.Failovers.WithLabelValues("rotated").Inc()
		return nil
	}
	log.Warn().Err(bindErr).Int("target", next).Msg("rotation failed, rolling back")

	prevID, perr := g.identities.Get(cur)
	if perr == nil {
		if rbErr := g.driver.Bind(ctx, prevID); rbErr == nil {
			g.metrics.Failovers.WithLabelValues("rolled_back").Inc()
			return &SwitchError{Kind: SwitchRolledBack, Err: bindErr}
		}
	}
	// Rollback failed too; no further attempts, service may be down.
	g.metrics.Failovers.WithLabelValues("fatal").Inc()
	return &SwitchError{Kind: SwitchFatal, Err: bindErr}
}

// SwitchTo is the operator-triggered variant: validates the target, binds
// it, and propagates the raw error with no rollback.
func (g *Gateway) SwitchTo(ctx context.Context, index int) error {
	release, ok := g.account.TryEnterSwitching()
	if !ok {
		return ErrSwitchInProgress
	}
	defer release()

	valid := false
	for _, idx := range g.identities.UsableIndices() {
		if idx == index {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("gateway: identity %d is not in the usable set", index)
	}

	id, err := g.identities.Get(index)
	if err != nil {
		return err
	}
	if err := g.driver.Bind(ctx, id); err != nil {
		g.metrics.Failovers.WithLabelValues("manual_failed").Inc()
		return err
	}
	g.account.SetCurrentIndex(index)
	g.account.ResetCounters()
	g.metrics.Failovers.WithLabelValues("manual").Inc()
	return nil
}

// rotateAfterResponse runs the usage-triggered rotation in the background
// once the triggering response has fully been written. Its failure is
// logged, never surfaced to the client.
func (g *Gateway) rotateAfterResponse() {
	go func() {
		if err := g.SwitchAccount(context.Background()); err != nil {
			log.Error().Err(err).Msg("usage-triggered rotation failed")
		} else {
			log.Info().Msg("usage-triggered rotation complete")
		}
	}()
}

// cyclicSuccessor returns the element after cur in the sorted list,
// wrapping around; if cur is absent, the first element.
func cyclicSuccessor(usable []int, cur int) int {
	sorted := append([]int(nil), usable...)
	sort.Ints(sorted)
	for i, idx := range sorted {
		if idx == cur {
			return sorted[(i+1)%len(sorted)]
		}
	}
	return sorted[0]
}
