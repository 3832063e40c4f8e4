// Package lifecycle turns a control-plane snapshot into a routing decision.
//
// The resolver is deliberately stateless: each request fetches one snapshot
// and derives everything from it, so any proxy process can serve any request
// for any host. Idempotency of the spawn trigger is the control plane's
// contract (uniqueness keyed on host key), not enforced here.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/datalab-hq/labgate/internal/domain/instance"
)

// StateClient is the outbound port to the control plane. Implementations
// must apply bounded timeouts so a stalled control plane cannot hang a
// request indefinitely.
type StateClient interface {
	// Get fetches the instance snapshot for a host key. Returns an error
	// matching instance.ErrNotFound when no spawning or running instance
	// exists.
	Get(ctx context.Context, hostKey string) (instance.Instance, error)
	// Spawn requests an ABSENT -> SPAWNING transition. Safe to issue
	// concurrently from multiple proxy processes for the same host key.
	Spawn(ctx context.Context, hostKey string) error
	// Delete removes a stopped instance record.
	Delete(ctx context.Context, hostKey string) error
}

// Action is what the entry point should do with the request.
type Action int

const (
	// ActionRoute hands the request to the tunnel engine.
	ActionRoute Action = iota
	// ActionWait renders the starting page; the browser polls the same URL.
	ActionWait
	// ActionFail renders an error page for Decision.Failure.
	ActionFail
)

// String returns the label used in logs and metrics.
func (a Action) String() string {
	switch a {
	case ActionRoute:
		return "route"
	case ActionWait:
		return "wait"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is the outcome of resolving one snapshot.
type Decision struct {
	Action Action
	// Backend is the address to tunnel to. Set only for ActionRoute.
	Backend string
	// Owner is the owner suffix from the snapshot, for the gate's ownership
	// check against an existing instance. Empty when no record exists.
	Owner string
	// Failure is the failure class. Set only for ActionFail.
	Failure Kind
	// SpawnTriggered records that this request issued the spawn PUT.
	SpawnTriggered bool
	// CleanupIssued records that this request issued the stale-record DELETE.
	CleanupIssued bool
}

// Resolver drives the per-request lifecycle state machine.
type Resolver struct {
	client StateClient
	logger *slog.Logger
}

// NewResolver creates a Resolver over the given control-plane client.
func NewResolver(client StateClient, logger *slog.Logger) *Resolver {
	return &Resolver{client: client, logger: logger}
}

// Resolve fetches the snapshot for hostKey and maps it to a decision.
//
// allowSpawn gates the PUT on absence: only idempotent GET navigation may
// trigger a spawn, since the SSO redirect round-trip can replay the request.
// With allowSpawn false an absent instance still resolves to ActionWait, and
// the entry point rejects the method before rendering.
func (r *Resolver) Resolve(ctx context.Context, hostKey string, allowSpawn bool) Decision {
	snap, err := r.client.Get(ctx, hostKey)

	switch {
	case errors.Is(err, instance.ErrNotFound):
		return r.resolveAbsent(ctx, hostKey, allowSpawn)

	case err != nil:
		r.logger.Error("control plane fetch failed", "host_key", hostKey, "error", err)
		return Decision{Action: ActionFail, Failure: KindControlPlaneError}
	}

	switch snap.State {
	case instance.StateSpawning:
		return Decision{Action: ActionWait, Owner: snap.OwnerSuffix}

	case instance.StateRunning:
		if !snap.Routable() {
			// A running record without a backend address breaks the control
			// plane's own invariant. Surface it as a control-plane failure.
			r.logger.Error("running instance has no backend address", "host_key", hostKey)
			return Decision{Action: ActionFail, Failure: KindControlPlaneError, Owner: snap.OwnerSuffix}
		}
		return Decision{Action: ActionRoute, Backend: snap.BackendAddress, Owner: snap.OwnerSuffix}

	case instance.StateStopped:
		return r.resolveStopped(ctx, snap)

	default:
		r.logger.Error("control plane reported unknown state", "host_key", hostKey, "state", string(snap.State))
		return Decision{Action: ActionFail, Failure: KindControlPlaneError, Owner: snap.OwnerSuffix}
	}
}

// resolveAbsent handles the not-found row: request a spawn, then wait.
// The PUT is idempotent upstream, so concurrent requests racing through this
// path are indistinguishable in effect from a single one.
func (r *Resolver) resolveAbsent(ctx context.Context, hostKey string, allowSpawn bool) Decision {
	if !allowSpawn {
		return Decision{Action: ActionWait}
	}
	if err := r.client.Spawn(ctx, hostKey); err != nil {
		r.logger.Error("spawn request failed", "host_key", hostKey, "error", err)
		return Decision{Action: ActionFail, Failure: KindControlPlaneError}
	}
	r.logger.Info("spawn requested", "host_key", hostKey)
	return Decision{Action: ActionWait, SpawnTriggered: true}
}

// resolveStopped handles the stopped row: delete the stale record so the next
// request re-enters the absent row, then report the recorded failure.
func (r *Resolver) resolveStopped(ctx context.Context, snap instance.Instance) Decision {
	d := Decision{
		Action:        ActionFail,
		Failure:       KindUpstreamRecordedFailure,
		Owner:         snap.OwnerSuffix,
		CleanupIssued: true,
	}
	if err := r.client.Delete(ctx, snap.HostKey); err != nil {
		// The record will be observed again on the next request; the retry
		// loop is the browser re-navigating.
		r.logger.Error("stale instance delete failed", "host_key", snap.HostKey, "error", err)
		d.CleanupIssued = false
		d.Failure = KindControlPlaneError
		return d
	}
	r.logger.Info("stale instance deleted", "host_key", snap.HostKey, "error_flag", snap.ErrorFlag)
	return d
}

// ClassifyTunnelError maps a tunnelling failure to its kind given the state
// the instance was observed in. Connection errors against a spawning backend
// are expected and swallowed; against a running backend they are reported.
func ClassifyTunnelError(state instance.State, err error) *Classified {
	if err == nil {
		return nil
	}
	if state == instance.StateSpawning {
		return &Classified{Kind: KindBackendNotReady, Err: err}
	}
	return &Classified{Kind: KindBackendUnreachable, Err: err}
}
