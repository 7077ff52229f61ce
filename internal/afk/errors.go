package afk

import "errors"

var (
	// ErrTimeout reports that a start or command wait exceeded its
	// deadline. Outstanding resources are reclaimed via the
	// free-on-ack handoff; no retry happens at this layer.
	ErrTimeout = errors.New("timed out")

	// ErrNotReady reports a data-path operation before the endpoint's
	// rings finished negotiation (or on a dummy endpoint, which never
	// negotiates them).
	ErrNotReady = errors.New("endpoint not ready")

	// ErrNoCommandSlots reports that all pending command slots of a
	// service are in use.
	ErrNoCommandSlots = errors.New("no free command slots")

	// ErrTooManyServices reports that the endpoint's channel table is
	// full.
	ErrTooManyServices = errors.New("too many services")

	// ErrChannelBusy reports an announce for a channel that already
	// has an enabled service.
	ErrChannelBusy = errors.New("channel already has a service")

	// ErrUnknownService reports an announce whose name matches nothing
	// in the ops table.
	ErrUnknownService = errors.New("no matching service ops")

	// ErrTagMismatch reports a negotiation message whose tag does not
	// match the staging buffer allocation.
	ErrTagMismatch = errors.New("staging buffer tag mismatch")

	// ErrCallFailed reports a non-zero device return code from a
	// service call.
	ErrCallFailed = errors.New("service call failed")
)
