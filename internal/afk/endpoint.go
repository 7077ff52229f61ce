// Package afk implements the transport and service-multiplexing layer
// spoken with the coprocessor over a shared-memory mailbox: ring buffer
// negotiation, the EPIC envelope protocol, a per-channel service
// registry, and a synchronous command/reply convention with timeout
// handoff.
package afk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"afk/internal/epic"
	"afk/internal/journal"
	"afk/internal/logging"
	"afk/internal/ring"
)

const roundtripBufSize = 0x1000

const (
	// DefaultStartTimeout bounds the wait for START_ACK.
	DefaultStartTimeout = time.Second
	// DefaultCommandTimeout bounds the wait for a command reply.
	DefaultCommandTimeout = time.Second
)

// State is the endpoint lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config carries per-endpoint options.
type Config struct {
	// StartTimeout and CommandTimeout default to one second.
	StartTimeout   time.Duration
	CommandTimeout time.Duration

	// Dummy marks an endpoint that completes startup on INIT_ACK
	// without negotiating ring buffers. Its data path stays disabled.
	Dummy bool

	// Announce handles announce-class frames on unbound channels.
	// Defaults to DefaultAnnounce.
	Announce AnnounceHandler

	// Journal, when non-nil, records lifecycle events.
	Journal *journal.Journal
}

// Endpoint is one logical mailbox channel to the coprocessor, carrying
// one RX and one TX ring buffer and up to MaxChannels services.
//
// All inbound control words are processed in order by a single worker
// goroutine; the worker is the only code that advances the RX ring or
// mutates negotiation state. The TX path is callable from any
// goroutine and serialized by the endpoint lock.
type Endpoint struct {
	id    uint8
	runID uuid.UUID
	tr    Transport
	alloc Allocator
	ops   []ServiceOps
	cfg   Config
	log   *slog.Logger
	jrnl  *journal.Journal

	mu          sync.Mutex
	state       State
	prevState   State
	seq         uint16
	staging     *Buffer
	stagingTag  uint16
	stagingSize uint32
	rx, tx      *ring.Ring
	rtRX, rtTX  *Buffer // roundtrip buffers for device-initiated init
	started     chan struct{}
	startedDone bool
	stopped     chan struct{}
	stoppedDone bool

	services    [MaxChannels]*Service
	numChannels int

	qmu       sync.Mutex
	queue     []uint64
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an endpoint bound to a mailbox endpoint number. The ops
// table is fixed for the endpoint's lifetime; services are instantiated
// from it as the device announces them. The receive worker starts
// immediately so negotiation messages are handled before Start returns.
func New(id uint8, tr Transport, alloc Allocator, ops []ServiceOps, cfg Config) *Endpoint {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Announce == nil {
		cfg.Announce = DefaultAnnounce
	}

	ep := &Endpoint{
		id:      id,
		runID:   uuid.New(),
		tr:      tr,
		alloc:   alloc,
		ops:     ops,
		cfg:     cfg,
		jrnl:    cfg.Journal,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	ep.log = logging.For("afk").With("endpoint", fmt.Sprintf("%#02x", id))
	go ep.run()
	return ep
}

// ID returns the mailbox endpoint number.
func (ep *Endpoint) ID() uint8 { return ep.id }

// RunID returns the endpoint instance identity used in journal records.
func (ep *Endpoint) RunID() uuid.UUID { return ep.runID }

// State returns the lifecycle state.
func (ep *Endpoint) State() State {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state
}

// Deliver hands one inbound control word to the endpoint. It only
// enqueues and never blocks, so it is safe to call from the mailbox
// interrupt path. Processing happens in order on the endpoint worker.
func (ep *Endpoint) Deliver(message uint64) {
	ep.qmu.Lock()
	ep.queue = append(ep.queue, message)
	ep.qmu.Unlock()
	select {
	case ep.wake <- struct{}{}:
	default:
	}
}

func (ep *Endpoint) run() {
	for {
		select {
		case <-ep.wake:
		case <-ep.done:
			return
		}
		for {
			ep.qmu.Lock()
			if len(ep.queue) == 0 {
				ep.qmu.Unlock()
				break
			}
			msg := ep.queue[0]
			ep.queue = ep.queue[1:]
			ep.qmu.Unlock()
			ep.handleMessage(msg)
		}
	}
}

// Start brings the endpoint up: it starts the underlying transport
// endpoint, sends INIT and blocks until START_ACK or the start timeout.
// A timeout leaves negotiation state untouched, so the caller may retry
// or abandon the endpoint.
func (ep *Endpoint) Start(ctx context.Context) error {
	ch := ep.beginStart()
	if err := ep.tr.StartEndpoint(ep.id); err != nil {
		ep.abortStart()
		return fmt.Errorf("starting transport endpoint: %w", err)
	}
	if err := ep.send(CtrlWord(CtrlInit)); err != nil {
		ep.abortStart()
		return fmt.Errorf("sending init: %w", err)
	}
	return ep.waitStarted(ctx, ch)
}

// StartBulk issues INIT to every endpoint, then waits on each with the
// per-endpoint start timeout. Individual timeouts are logged, not
// returned; partial success is acceptable at this layer.
func StartBulk(ctx context.Context, eps ...*Endpoint) {
	chans := make([]chan struct{}, len(eps))
	for i, ep := range eps {
		chans[i] = ep.beginStart()
		if err := ep.tr.StartEndpoint(ep.id); err != nil {
			ep.log.Warn("starting transport endpoint", "err", err)
			continue
		}
		if err := ep.send(CtrlWord(CtrlInit)); err != nil {
			ep.log.Warn("sending init", "err", err)
		}
	}
	for i, ep := range eps {
		if err := ep.waitStarted(ctx, chans[i]); err != nil {
			ep.log.Warn("endpoint start timed out", "err", err)
		}
	}
}

func (ep *Endpoint) beginStart() chan struct{} {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.started = make(chan struct{})
	ep.startedDone = false
	ep.prevState = ep.state
	ep.state = StateStarting
	return ep.started
}

func (ep *Endpoint) abortStart() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state == StateStarting {
		ep.state = ep.prevState
	}
}

func (ep *Endpoint) waitStarted(ctx context.Context, ch chan struct{}) error {
	timer := time.NewTimer(ep.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		ep.abortStart()
		return fmt.Errorf("waiting for start ack on endpoint %#02x: %w", ep.id, ErrTimeout)
	case <-ctx.Done():
		ep.abortStart()
		return ctx.Err()
	}
}

// Shutdown sends SHUTDOWN and blocks until the peer acknowledges or
// the start timeout elapses.
func (ep *Endpoint) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	ep.stopped = make(chan struct{})
	ep.stoppedDone = false
	ep.state = StateStopping
	ch := ep.stopped
	ep.mu.Unlock()

	if err := ep.send(CtrlWord(CtrlShutdown)); err != nil {
		return fmt.Errorf("sending shutdown: %w", err)
	}

	timer := time.NewTimer(ep.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("waiting for shutdown ack on endpoint %#02x: %w", ep.id, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker and releases buffers. The endpoint must not be
// used afterwards.
func (ep *Endpoint) Close() {
	ep.closeOnce.Do(func() {
		close(ep.done)
		ep.mu.Lock()
		defer ep.mu.Unlock()
		ep.rx, ep.tx = nil, nil
		ep.staging.Free()
		ep.staging = nil
		ep.rtRX.Free()
		ep.rtTX.Free()
		ep.rtRX, ep.rtTX = nil, nil
	})
}

func (ep *Endpoint) send(msg uint64) error {
	return ep.tr.Send(ep.id, msg)
}

func (ep *Endpoint) journal(kind journal.Kind, channel uint32, name, detail string) {
	ep.jrnl.Record(journal.Event{
		Run:      ep.runID,
		Endpoint: ep.id,
		Kind:     kind,
		Channel:  channel,
		Name:     name,
		Detail:   detail,
	})
}

// handleMessage runs the control-message switch on the worker.
func (ep *Endpoint) handleMessage(msg uint64) {
	switch CtrlOf(msg) {
	case CtrlInitAck:
		// Simple handshake accepted. A dummy endpoint is done here;
		// everyone else keeps waiting for buffer negotiation.
		if ep.cfg.Dummy {
			ep.completeStarted()
		}

	case CtrlStartAck:
		ep.completeStarted()

	case CtrlShutdownAck:
		ep.completeStopped()

	case CtrlInit:
		// Device-initiated direction: allocate roundtrip buffers and
		// acknowledge.
		ep.initRoundtrip()

	case CtrlGetBuf:
		ep.handleGetBuf(msg)

	case CtrlInitTX:
		ep.handleInitRB(msg, dirTX)

	case CtrlInitRX:
		ep.handleInitRB(msg, dirRX)

	case CtrlInitRXTXAck:
		// noop

	case CtrlRecv:
		ep.drainRecv()

	default:
		ep.log.Error("unknown control message", "type", fmt.Sprintf("%#x", uint16(CtrlOf(msg))))
	}
}

func (ep *Endpoint) completeStarted() {
	ep.mu.Lock()
	if !ep.startedDone {
		ep.startedDone = true
		ep.state = StateStarted
		close(ep.started)
	}
	ep.mu.Unlock()
	ep.journal(journal.KindEndpointStarted, 0, "", "")
}

func (ep *Endpoint) completeStopped() {
	ep.mu.Lock()
	if !ep.stoppedDone {
		ep.stoppedDone = true
		ep.state = StateStopped
		close(ep.stopped)
	}
	ep.mu.Unlock()
	ep.journal(journal.KindEndpointStopped, 0, "", "")
}

func (ep *Endpoint) initRoundtrip() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.rtRX == nil {
		ep.rtRX = ep.allocRoundtrip()
	}
	if ep.rtTX == nil {
		ep.rtTX = ep.allocRoundtrip()
	}
	if err := ep.send(CtrlWord(CtrlInitAck)); err != nil {
		ep.log.Error("sending init ack", "err", err)
	}
}

func (ep *Endpoint) allocRoundtrip() *Buffer {
	buf, err := ep.alloc.AllocCoherent(roundtripBufSize)
	if err != nil {
		ep.log.Error("allocating roundtrip buffer", "size", roundtripBufSize, "err", err)
		return nil
	}
	return buf
}

func (ep *Endpoint) handleGetBuf(msg uint64) {
	size, tag := UnpackGetBuf(msg)

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.staging != nil {
		ep.log.Error("getbuf but staging buffer already exists", "tag", tag)
		return
	}
	buf, err := ep.alloc.AllocCoherent(size)
	if err != nil {
		ep.log.Error("allocating staging buffer", "size", size, "err", err)
		return
	}
	ep.staging = buf
	ep.stagingTag = tag
	ep.stagingSize = size
	if err := ep.send(PackGetBufAck(buf.DevAddr)); err != nil {
		ep.log.Error("sending getbuf ack", "err", err)
	}
}

type ringDir int

const (
	dirTX ringDir = iota
	dirRX
)

func (d ringDir) String() string {
	if d == dirTX {
		return "tx"
	}
	return "rx"
}

// handleInitRB validates an INIT_TX/INIT_RX description against the
// staging allocation and attaches the ring. Rejections are logged and
// the endpoint simply never reaches Started; a later retry from the
// device gets a fresh chance.
func (ep *Endpoint) handleInitRB(msg uint64, dir ringDir) {
	offset, size, tag := UnpackInitRB(msg)

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if tag != ep.stagingTag {
		ep.log.Error("ring init rejected", "dir", dir, "err", ErrTagMismatch,
			"want", fmt.Sprintf("%#x", ep.stagingTag), "got", fmt.Sprintf("%#x", tag))
		return
	}
	target := &ep.tx
	if dir == dirRX {
		target = &ep.rx
	}
	if *target != nil {
		ep.log.Error("ring already initialized", "dir", dir)
		return
	}
	if ep.staging == nil {
		ep.log.Error("ring init before staging buffer", "dir", dir)
		return
	}
	if offset >= ep.stagingSize || uint64(offset)+uint64(size) > uint64(ep.stagingSize) {
		ep.log.Error("ring init out of staging bounds", "dir", dir,
			"offset", fmt.Sprintf("%#x", offset), "size", fmt.Sprintf("%#x", size),
			"staging", fmt.Sprintf("%#x", ep.stagingSize))
		return
	}

	r, err := ring.Attach(ep.staging.Data[offset:offset+size], size)
	if err != nil {
		ep.log.Error("ring init rejected", "dir", dir, "err", err)
		return
	}
	*target = r

	if ep.rx != nil && ep.tx != nil {
		if err := ep.send(CtrlWord(CtrlStart)); err != nil {
			ep.log.Error("sending start", "err", err)
		}
	}
}

// drainRecv pops and dispatches ring entries until the RX ring reports
// empty. A corrupt entry aborts this pass; the pointer is untouched so
// the next RECV signal retries.
func (ep *Endpoint) drainRecv() {
	ep.mu.Lock()
	rx := ep.rx
	ep.mu.Unlock()
	if rx == nil {
		ep.log.Error("recv signal but rx ring not ready")
		return
	}
	for {
		entry, ok, err := rx.Pop()
		if err != nil {
			ep.log.Warn("receive aborted", "err", err)
			return
		}
		if !ok {
			return
		}
		ep.recvHandle(entry.Channel, entry.Type, entry.Payload)
	}
}

// sendEpic frames and places one EPIC message on the TX ring, then
// signals the peer with the new write pointer. Callable from any
// goroutine; the whole allocate-fill-publish sequence holds the
// endpoint lock.
func (ep *Endpoint) sendEpic(channel uint32, tag uint16, etype uint32, category uint8, subtype uint16, payload []byte) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.tx == nil {
		return fmt.Errorf("sending on endpoint %#02x: %w", ep.id, ErrNotReady)
	}

	env := epic.Encode(ep.seq, category, subtype, tag, payload)
	wptr, err := ep.tx.Push(channel, etype, env)
	if err != nil {
		return fmt.Errorf("placing frame on channel %d: %w", channel, err)
	}
	ep.seq++
	return ep.send(PackSend(wptr))
}
