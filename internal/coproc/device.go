package coproc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"afk/internal/afk"
	"afk/internal/epic"
	"afk/internal/logging"
	"afk/internal/ring"
)

// CommandHandler answers one host command. request is the host's
// argument buffer, response the buffer the host will read back; the
// returned value becomes the wire return code.
type CommandHandler func(channel uint32, cmdType uint16, request, response []byte) uint32

// Config shapes the rings the device negotiates.
type Config struct {
	// BlockSize is the header block granularity, a multiple of 0x40.
	BlockSize uint32
	// RingBody is the per-direction ring body size, a multiple of
	// BlockSize.
	RingBody uint32
	// ReplyDelay postpones command replies, for exercising host-side
	// timeout handling. Zero means reply inline.
	ReplyDelay time.Duration
	// Dummy makes the device stop after INIT_ACK, never negotiating
	// rings.
	Dummy bool
}

// Device is the simulated coprocessor behind one endpoint. Like the
// host side, it processes inbound control words on a single ordered
// worker.
type Device struct {
	mem     *Memory
	cfg     Config
	log     *slog.Logger
	deliver func(uint64)

	mu      sync.Mutex
	tag     uint16
	region  []byte
	hostTX  *ring.Ring // host writes, device reads
	hostRX  *ring.Ring // device writes, host reads
	seq     uint16
	running bool
	handler CommandHandler

	acked   chan struct{} // closed on INIT_ACK from the host
	lastAck []byte        // payload of the last NOTIFY_ACK

	qmu   sync.Mutex
	queue []uint64
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewDevice(mem *Memory, cfg Config) *Device {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 0x80
	}
	if cfg.RingBody == 0 {
		cfg.RingBody = 0x1000
	}
	d := &Device{
		mem:   mem,
		cfg:   cfg,
		log:   logging.For("coproc"),
		acked: make(chan struct{}),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Connect wires the device's outbound path to the host endpoint's
// Deliver. Must be called before the host starts the endpoint.
func (d *Device) Connect(deliver func(uint64)) { d.deliver = deliver }

// OnCommand installs the command handler.
func (d *Device) OnCommand(h CommandHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Close stops the device worker.
func (d *Device) Close() {
	d.once.Do(func() { close(d.done) })
}

// Send implements afk.Transport: a control word from the host.
func (d *Device) Send(endpoint uint8, message uint64) error {
	d.qmu.Lock()
	d.queue = append(d.queue, message)
	d.qmu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// StartEndpoint implements afk.Transport.
func (d *Device) StartEndpoint(endpoint uint8) error { return nil }

func (d *Device) run() {
	for {
		select {
		case <-d.wake:
		case <-d.done:
			return
		}
		for {
			d.qmu.Lock()
			if len(d.queue) == 0 {
				d.qmu.Unlock()
				break
			}
			msg := d.queue[0]
			d.queue = d.queue[1:]
			d.qmu.Unlock()
			d.handle(msg)
		}
	}
}

func (d *Device) handle(msg uint64) {
	switch afk.CtrlOf(msg) {
	case afk.CtrlInit:
		d.deliver(afk.CtrlWord(afk.CtrlInitAck))
		if d.cfg.Dummy {
			return
		}
		d.requestBuffer()

	case afk.CtrlInitAck:
		// Reply to a device-initiated INIT.
		d.mu.Lock()
		select {
		case <-d.acked:
		default:
			close(d.acked)
		}
		d.mu.Unlock()

	case afk.CtrlGetBufAck:
		d.setupRings(afk.UnpackGetBufAck(msg))

	case afk.CtrlStart:
		d.mu.Lock()
		d.running = true
		d.mu.Unlock()
		d.deliver(afk.CtrlWord(afk.CtrlStartAck))

	case afk.CtrlSend:
		d.drain()

	case afk.CtrlShutdown:
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.deliver(afk.CtrlWord(afk.CtrlShutdownAck))

	default:
		d.log.Error("unknown control message from host", "type", fmt.Sprintf("%#x", uint16(afk.CtrlOf(msg))))
	}
}

// ringSpan is the per-direction slice of the shared buffer: three
// header blocks plus the body.
func (d *Device) ringSpan() uint32 {
	return 3*d.cfg.BlockSize + d.cfg.RingBody
}

func (d *Device) requestBuffer() {
	d.mu.Lock()
	d.tag++
	tag := d.tag
	d.mu.Unlock()
	d.deliver(afk.PackGetBuf(2*d.ringSpan(), tag))
}

func (d *Device) setupRings(dva uint64) {
	region := d.mem.At(dva)
	span := d.ringSpan()
	if uint32(len(region)) < 2*span {
		d.log.Error("host buffer too small", "dva", fmt.Sprintf("%#x", dva), "len", len(region))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.region = region

	tx, err := ring.Format(region[:span], d.cfg.BlockSize)
	if err != nil {
		d.log.Error("formatting tx ring", "err", err)
		return
	}
	rx, err := ring.Format(region[span:2*span], d.cfg.BlockSize)
	if err != nil {
		d.log.Error("formatting rx ring", "err", err)
		return
	}
	rx.Magic = ring.MagicAOP
	d.hostTX, d.hostRX = tx, rx

	d.deliver(afk.PackInitRB(afk.CtrlInitTX, 0, span, d.tag))
	d.deliver(afk.PackInitRB(afk.CtrlInitRX, span, span, d.tag))
}

func (d *Device) drain() {
	d.mu.Lock()
	rx := d.hostTX
	d.mu.Unlock()
	if rx == nil {
		d.log.Error("send signal before rings are up")
		return
	}
	for {
		entry, ok, err := rx.Pop()
		if err != nil {
			d.log.Warn("receive aborted", "err", err)
			return
		}
		if !ok {
			return
		}
		d.handleFrame(entry.Channel, entry.Type, entry.Payload)
	}
}

func (d *Device) handleFrame(channel, etype uint32, data []byte) {
	_, sub, payload, err := epic.Parse(data)
	if err != nil {
		d.log.Error("dropping host frame", "channel", channel, "err", err)
		return
	}

	switch {
	case etype == epic.TypeCommand && sub.Category == epic.CatCommand:
		d.handleCommand(channel, sub, payload)

	case etype == epic.TypeNotifyAck && sub.Category == epic.CatReply:
		d.mu.Lock()
		d.lastAck = append([]byte(nil), payload...)
		d.mu.Unlock()

	default:
		d.log.Error("unhandled host frame", "channel", channel,
			"type", fmt.Sprintf("%#x", etype), "category", fmt.Sprintf("%#x", sub.Category))
	}
}

func (d *Device) handleCommand(channel uint32, sub epic.SubHeader, payload []byte) {
	cmd, err := epic.ParseCmd(payload)
	if err != nil {
		d.log.Error("bad command descriptor", "channel", channel, "err", err)
		return
	}

	request := d.mem.At(cmd.TXBuf)
	response := d.mem.At(cmd.RXBuf)
	if request == nil || response == nil {
		d.log.Error("command references unknown buffers", "channel", channel)
		return
	}
	if uint64(cmd.TXLen) > uint64(len(request)) || uint64(cmd.RXLen) > uint64(len(response)) {
		d.log.Error("command lengths exceed buffers", "channel", channel)
		return
	}

	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()

	reply := cmd
	if handler != nil {
		reply.Retcode = handler(channel, sub.Subtype, request[:cmd.TXLen], response[:cmd.RXLen])
	}

	respond := func() {
		if err := d.push(channel, epic.TypeReply, epic.CatReply, sub.Subtype, sub.Tag, reply.Marshal()); err != nil {
			d.log.Error("sending command reply", "channel", channel, "err", err)
		}
	}
	if d.cfg.ReplyDelay > 0 {
		time.AfterFunc(d.cfg.ReplyDelay, respond)
		return
	}
	respond()
}

// push places one frame on the host RX ring and signals the host.
func (d *Device) push(channel, etype uint32, category uint8, subtype, tag uint16, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hostRX == nil {
		return fmt.Errorf("rings not negotiated")
	}
	env := epic.Encode(d.seq, category, subtype, tag, payload)
	wptr, err := d.hostRX.Push(channel, etype, env)
	if err != nil {
		return err
	}
	d.seq++
	d.deliver(afk.PackRecv(wptr))
	return nil
}

// Announce publishes a service on a channel: a 32-byte NUL-padded name
// in a report frame, the way firmware introduces its sub-protocols.
func (d *Device) Announce(channel uint32, name string) error {
	payload := make([]byte, 32)
	copy(payload, name)
	return d.push(channel, epic.TypeNotify, epic.CatReport, epic.SubtypeAnnounce, 0, payload)
}

// Teardown retires a previously announced channel.
func (d *Device) Teardown(channel uint32) error {
	return d.push(channel, epic.TypeNotify, epic.CatReport, epic.SubtypeTeardown, 0, nil)
}

// Report delivers a report keyed by subtype to the channel's service.
func (d *Device) Report(channel uint32, subtype uint16, payload []byte) error {
	return d.push(channel, epic.TypeNotify, epic.CatReport, subtype, 0, payload)
}

// Inject places an arbitrary frame on the host RX ring, bypassing the
// device's own protocol. Tests use it to exercise the host's frame
// validation with traffic well-behaved firmware never sends.
func (d *Device) Inject(channel, etype uint32, category uint8, subtype, tag uint16, payload []byte) error {
	return d.push(channel, etype, category, subtype, tag, payload)
}

// Call issues a device-initiated standard-service call and returns
// immediately; the host's NOTIFY_ACK lands in LastAck.
func (d *Device) Call(channel uint32, callType uint32, args []byte) error {
	payload := make([]byte, epic.APCallSize+len(args))
	epic.PutAPCall(payload, callType, uint32(len(args)))
	copy(payload[epic.APCallSize:], args)
	return d.push(channel, epic.TypeNotify, epic.CatNotify, epic.SubtypeStdService, 0, payload)
}

// InitFromDevice exercises the device-initiated handshake: INIT to the
// host, which allocates roundtrip buffers and acknowledges. Returns
// once the ack arrives or the timeout expires.
func (d *Device) InitFromDevice(timeout time.Duration) error {
	d.deliver(afk.CtrlWord(afk.CtrlInit))
	select {
	case <-d.acked:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no init ack within %v", timeout)
	}
}

// LastAck returns the payload of the most recent NOTIFY_ACK from the
// host, or nil.
func (d *Device) LastAck() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAck
}

// Running reports whether the host has started the endpoint.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
