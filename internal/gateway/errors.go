package gateway

import (
	"errors"
	"fmt"
)

// UpstreamError is a failure reported by the back-channel error event (or
// synthesized from a first-wait timeout). It drives retry and failover.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Message)
}

// SwitchKind distinguishes the failover routine's failure modes.
type SwitchKind int

const (
	// SwitchRefreshFailed: single-identity in-place refresh failed.
	SwitchRefreshFailed SwitchKind = iota
	// SwitchRolledBack: rotation failed but rollback to the previous
	// identity succeeded; service continues degraded on the old identity.
	SwitchRolledBack
	// SwitchFatal: rotation failed and rollback failed. Left for operator
	// intervention; the process keeps running.
	SwitchFatal
)

func (k SwitchKind) String() string {
	switch k {
	case SwitchRefreshFailed:
		return "refresh_failed"
	case SwitchRolledBack:
		return "rolled_back"
	case SwitchFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SwitchError reports a failed failover attempt with a structured kind
// instead of free-text matching.
type SwitchError struct {
	Kind SwitchKind
	Err  error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("account switch %s: %v", e.Kind, e.Err)
}

func (e *SwitchError) Unwrap() error { return e.Err }

// ErrSwitchInProgress rejects work while the failover routine holds the
// switching guard.
var ErrSwitchInProgress = errors.New("gateway: account switch in progress")
