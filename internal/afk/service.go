package afk

import "sync"

const (
	// MaxChannels bounds the number of services an endpoint can carry.
	MaxChannels = 16
	// MaxPendingCmds bounds in-flight commands per service; slot
	// indices live in the low byte of the command tag.
	MaxPendingCmds = 16
)

// ServiceOps is the capability set a platform registers for a named
// service. The registry matches an announce against the ops table by
// exact name and calls Init on the freshly created Service.
//
// Report delivers device-originated reports keyed by report subtype.
// Call answers device-initiated synchronous calls: input holds the
// arguments, the reply is written into output (same length). Teardown
// runs after the service was disabled by a teardown notification.
type ServiceOps interface {
	Name() string
	Init(s *Service, name, class string, unit int64)
	Report(s *Service, subtype uint16, data []byte) error
	Call(s *Service, callType uint32, input, output []byte) error
	Teardown(s *Service)
}

// BaseOps is an embeddable no-op implementation of everything in
// ServiceOps except Name.
type BaseOps struct{}

func (BaseOps) Init(*Service, string, string, int64)        {}
func (BaseOps) Report(*Service, uint16, []byte) error       { return nil }
func (BaseOps) Call(*Service, uint32, []byte, []byte) error { return nil }
func (BaseOps) Teardown(*Service)                           {}

// Service is one announced sub-protocol on an endpoint channel.
type Service struct {
	ep      *Endpoint
	ops     ServiceOps
	channel uint32
	name    string
	class   string
	unit    int64

	mu      sync.Mutex
	enabled bool
	cmdMap  uint32 // bitmap of live pending-command slots
	cmdTag  uint8  // rolling generation counter for tag high byte
	cmds    [MaxPendingCmds]pendingCmd
}

// pendingCmd tracks one in-flight command. Exactly one party frees the
// buffers: the waiter if it observes done, or the reply handler if the
// waiter timed out first and set freeOnAck. The two outcomes are
// decided under the service lock.
type pendingCmd struct {
	tag        uint16
	rxbuf      *Buffer
	txbuf      *Buffer
	done       bool
	freeOnAck  bool
	retcode    uint32
	completion chan struct{} // nil once the waiter gave up
}

// Endpoint returns the owning endpoint.
func (s *Service) Endpoint() *Endpoint { return s.ep }

// Channel returns the wire channel number.
func (s *Service) Channel() uint32 { return s.channel }

// Name returns the name the service announced under.
func (s *Service) Name() string { return s.name }

// Class returns the provider class from the announce, if any.
func (s *Service) Class() string { return s.class }

// Unit returns the instance unit from the announce, or -1.
func (s *Service) Unit() int64 { return s.unit }

// Enabled reports whether the service is still live.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Service) disable() ServiceOps {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	return s.ops
}

func (s *Service) callOps(callType uint32, input, output []byte) error {
	return s.ops.Call(s, callType, input, output)
}

func (s *Service) reportOps(subtype uint16, data []byte) error {
	return s.ops.Report(s, subtype, data)
}
