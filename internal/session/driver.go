// Package session defines the driver that (re)establishes the upstream
// session the gateway proxies to.
//
// The gateway core only depends on the Driver interface: give it an
// identity, and the bridge worker ends up connected to the back-channel
// bound to that identity's credentials. CommandDriver is the shipped
// implementation; it spawns a configured worker command (the browser
// automation lives entirely inside that process) and waits for the
// back-channel to come up.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relayforge/webrelay/internal/identity"
	"github.com/relayforge/webrelay/internal/utils"
)

// Driver (re)establishes the upstream session bound to one identity.
type Driver interface {
	Bind(ctx context.Context, id identity.Identity) error
}

// Bridge is the view of the channel registry the driver needs. The
// generation counter distinguishes the freshly spawned worker's connection
// from a predecessor whose connection has not been torn down yet.
type Bridge interface {
	// Generation increments each time a connection registers.
	Generation() uint64
	// HasChannelSince reports whether a connection newer than the
	// snapshot is currently registered.
	HasChannelSince(gen uint64) bool
}

// CommandDriver runs the worker as a child process. Rebinding kills the
// previous worker and starts a fresh one with the target credentials.
type CommandDriver struct {
	command        string
	args           []string
	bridgeURL      string
	connectTimeout time.Duration
	bridge         Bridge

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewCommandDriver builds a driver for the configured worker command.
func NewCommandDriver(command string, args []string, bridgeURL string, connectTimeout time.Duration, bridge Bridge) *CommandDriver {
	return &CommandDriver{
		command:        command,
		args:           args,
		bridgeURL:      bridgeURL,
		connectTimeout: connectTimeout,
		bridge:         bridge,
	}
}

// Bind terminates any running worker, starts one bound to the identity, and
// waits for the back-channel to connect.
func (d *CommandDriver) Bind(ctx context.Context, id identity.Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Snapshot before the kill: the old worker's connection lingers in the
	// registry until its read loop notices, and must not count as success.
	gen := d.bridge.Generation()
	d.stopLocked()

	cmd := exec.Command(d.command, d.args...)
	cmd.Env = append(os.Environ(),
		"WEBRELAY_BRIDGE_URL="+d.bridgeURL,
		"WEBRELAY_CREDENTIAL_FILE="+id.Path,
		fmt.Sprintf("WEBRELAY_IDENTITY_INDEX=%d", id.Index),
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	log.Info().Str("identity", id.Label).Int("index", id.Index).
		Str("command", utils.ShellQuote(d.command)).Msg("starting bridge worker")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("session: starting worker: %w", err)
	}
	d.cmd = cmd

	// Reap the process so a crashed worker doesn't linger as a zombie.
	go func() { _ = cmd.Wait() }()

	if err := d.waitForChannel(ctx, gen); err != nil {
		d.stopLocked()
		return err
	}
	log.Info().Str("identity", id.Label).Msg("bridge worker connected")
	return nil
}

// waitForChannel polls the registry until a connection newer than the
// pre-kill snapshot shows up.
func (d *CommandDriver) waitForChannel(ctx context.Context, gen uint64) error {
	deadline := time.NewTimer(d.connectTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if d.bridge.HasChannelSince(gen) {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("session: worker did not connect within %s", d.connectTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop terminates the current worker, if any.
func (d *CommandDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *CommandDriver) stopLocked() {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}
	if err := d.cmd.Process.Kill(); err != nil {
		log.Debug().Err(err).Msg("worker already gone")
	}
	d.cmd = nil
}
