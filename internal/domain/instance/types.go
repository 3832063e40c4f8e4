// Package instance contains the domain types for application instances.
// An instance is one user's one running (or starting, or stopped) analytical
// application, recorded by the upstream control plane. The proxy never stores
// instances itself; every value of these types is a single-request snapshot.
package instance

import "errors"

// State is the control-plane's recorded phase of an application instance.
type State string

const (
	// StateSpawning means a start has been requested but the container is
	// not yet reachable.
	StateSpawning State = "SPAWNING"
	// StateRunning means the container is up and BackendAddress is routable.
	StateRunning State = "RUNNING"
	// StateStopped means the container exited. The control plane only reports
	// stopped instances after a failure, so observing this state triggers
	// cleanup before the next start attempt.
	StateStopped State = "STOPPED"
)

// IsValid returns true if the state is one the control plane may report.
func (s State) IsValid() bool {
	switch s {
	case StateSpawning, StateRunning, StateStopped:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned by the control-plane client when no spawning or
// running instance exists for a host key. Absence is a first-class lifecycle
// input, not an error condition, so callers match it with errors.Is.
var ErrNotFound = errors.New("application instance not found")

// Instance is a point-in-time snapshot of one application instance as
// reported by the control plane.
type Instance struct {
	// HostKey is the subdomain-derived identifier, e.g. "jupyterlab-23b40dd9".
	HostKey string
	// State is the recorded lifecycle phase.
	State State
	// BackendAddress is the internal URL to tunnel to. Non-empty exactly when
	// State is StateRunning.
	BackendAddress string
	// OwnerSuffix is the owner's hashed-subject suffix as embedded in host
	// keys, used for the ownership check.
	OwnerSuffix string
	// ErrorFlag is set when a prior spawn attempt failed. Only meaningful
	// alongside StateStopped.
	ErrorFlag bool
}

// Routable returns true if the snapshot can be tunnelled to.
func (i *Instance) Routable() bool {
	return i.State == StateRunning && i.BackendAddress != ""
}
