package gateway

import "sync"

// AccountState is the only cross-request shared mutable state: the bound
// identity index, the failure/usage counters, and the two advisory flags.
// One mutex guards all fields; the flags are cooperative, not re-entrant.
type AccountState struct {
	mu           sync.Mutex
	currentIndex int
	failureCount int
	usageCount   int
	switching    bool
	busy         bool
}

// AccountSnapshot is the read-only view served by the status surface.
type AccountSnapshot struct {
	CurrentIndex int  `json:"current_index"`
	FailureCount int  `json:"failure_count"`
	UsageCount   int  `json:"usage_count"`
	Switching    bool `json:"switching"`
	Busy         bool `json:"busy"`
}

// Snapshot reads all fields atomically.
func (a *AccountState) Snapshot() AccountSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AccountSnapshot{
		CurrentIndex: a.currentIndex,
		FailureCount: a.failureCount,
		UsageCount:   a.usageCount,
		Switching:    a.switching,
		Busy:         a.busy,
	}
}

// CurrentIndex returns the bound identity index.
func (a *AccountState) CurrentIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentIndex
}

// SetCurrentIndex rebinds the identity index after a successful switch.
func (a *AccountState) SetCurrentIndex(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentIndex = idx
}

// IsBusy reports whether new admissions should be rejected.
func (a *AccountState) IsBusy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// TryEnterSwitching acquires both the switching guard and the busy flag.
// The returned release func restores both; ok is false when another switch
// or recovery holds them.
func (a *AccountState) TryEnterSwitching() (release func(), ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.switching || a.busy {
		return nil, false
	}
	a.switching = true
	a.busy = true
	return func() {
		a.mu.Lock()
		a.switching = false
		a.busy = false
		a.mu.Unlock()
	}, true
}

// TryEnterBusy acquires only the busy flag (session recovery without a
// switch). The release func restores it.
func (a *AccountState) TryEnterBusy() (release func(), ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return nil, false
	}
	a.busy = true
	return func() {
		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()
	}, true
}

// RecordFailure increments the consecutive-failure counter and reports the
// new value. Only called when thresholding is enabled.
func (a *AccountState) RecordFailure() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failureCount++
	return a.failureCount
}

// ResetFailures clears the consecutive-failure counter.
func (a *AccountState) ResetFailures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failureCount = 0
}

// RecordUsage increments the usage counter and reports whether the
// configured rotation threshold was reached. threshold <= 0 disables it.
func (a *AccountState) RecordUsage(threshold int) bool {
	if threshold <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usageCount++
	return a.usageCount >= threshold
}

// ResetCounters clears both counters after a successful switch or refresh.
func (a *AccountState) ResetCounters() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failureCount = 0
	a.usageCount = 0
}
