// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultPort is the gateway listen port.
const DefaultPort = 8889

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 5 * time.Minute

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 15 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// =============================================================================
// BACK-CHANNEL
// =============================================================================

// DefaultGraceWindow is how long a bridge disconnect may last before
// outstanding requests are failed.
const DefaultGraceWindow = 5 * time.Second

// DefaultWorkerConnectTimeout bounds how long a (re)started worker may take
// to connect its back-channel.
const DefaultWorkerConnectTimeout = 3 * time.Minute

// =============================================================================
// REQUEST TIMEOUTS
// =============================================================================

// DefaultFirstEventTimeout is the wait bound for the first upstream event
// of a request. Escalated to a synthetic 504 on expiry.
const DefaultFirstEventTimeout = 5 * time.Minute

// DefaultChunkTimeout is the per-chunk wait bound in real-stream mode.
// Expiry is treated as graceful stream end, not an error.
const DefaultChunkTimeout = 30 * time.Second

// DefaultFakeResponseTimeout bounds one collect-then-emit attempt.
const DefaultFakeResponseTimeout = 300 * time.Second

// DefaultFakeMaxAttempts is the retry budget in fake-stream mode.
const DefaultFakeMaxAttempts = 3

// DefaultFakeRetryDelay separates fake-stream retry attempts.
const DefaultFakeRetryDelay = 2 * time.Second

// DefaultKeepAliveInterval spaces the no-op frames that hold a fake-stream
// connection open while the full response is collected.
const DefaultKeepAliveInterval = 5 * time.Second

// =============================================================================
// FAILOVER
// =============================================================================

// DefaultFailureThreshold is the consecutive-failure count that triggers an
// identity switch. Zero disables threshold tracking.
const DefaultFailureThreshold = 3

// DefaultImmediateSwitchStatuses are upstream statuses that trigger a
// switch on the first occurrence.
var DefaultImmediateSwitchStatuses = []int{401, 403, 429}

// DefaultUsageRotationThreshold disables usage-based rotation.
const DefaultUsageRotationThreshold = 0
