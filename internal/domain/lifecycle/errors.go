package lifecycle

import "fmt"

// Kind enumerates the failure classes a request can end in. Every backend or
// control-plane failure is converted to one of these at the resolver/tunnel
// boundary; none propagate to the browser as raw protocol errors.
type Kind int

const (
	// KindNone means no failure.
	KindNone Kind = iota
	// KindBackendNotReady is a connection failure while the instance is still
	// spawning. It is never rendered as an error; the browser keeps polling
	// the starting page.
	KindBackendNotReady
	// KindBackendUnreachable is a connection or timeout failure against an
	// instance the control plane reports as running. Rendered as an error
	// page; retryable by re-navigating.
	KindBackendUnreachable
	// KindControlPlaneError is a network failure or 5xx from the control
	// plane itself. Rendered as a generic error page; retryable.
	KindControlPlaneError
	// KindUpstreamRecordedFailure is a stopped instance record, which the
	// control plane only reports after a failed spawn. Triggers cleanup, then
	// an error page; the next request re-runs the spawn sequence.
	KindUpstreamRecordedFailure
)

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBackendNotReady:
		return "backend_not_ready"
	case KindBackendUnreachable:
		return "backend_unreachable"
	case KindControlPlaneError:
		return "control_plane_error"
	case KindUpstreamRecordedFailure:
		return "upstream_recorded_failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reportable returns true if the failure is rendered to the user. The only
// swallowed kind is KindBackendNotReady: while an instance is spawning, a
// backend that cannot be reached is the expected condition, and the polling
// starting page retries transparently.
func (k Kind) Reportable() bool {
	return k != KindNone && k != KindBackendNotReady
}

// Classified wraps an underlying error with its failure kind so that the
// swallow-vs-report policy stays in one place instead of ad hoc conditionals
// at each call site.
type Classified struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (c *Classified) Error() string {
	if c.Err == nil {
		return c.Kind.String()
	}
	return fmt.Sprintf("%s: %v", c.Kind, c.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (c *Classified) Unwrap() error { return c.Err }
