package afk

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"afk/internal/epic"
	"afk/internal/journal"
)

// SendCommand issues one command to the service and blocks until the
// device replies or the command timeout elapses. payload is copied into
// a fresh DMA buffer; the response buffer is copied into output on
// success. The device-reported return code is returned verbatim.
//
// On timeout the pending slot is handed to the reply path via
// freeOnAck: the reply handler, whenever it runs, frees the DMA
// buffers and releases the slot. The waiter never touches the
// completion channel or the buffers after giving up, so a reply that
// races the timeout is completed normally and nothing is freed twice.
func (s *Service) SendCommand(ctx context.Context, cmdType uint8, payload, output []byte) (uint32, error) {
	ep := s.ep

	rxbuf, err := ep.alloc.AllocCoherent(uint32(len(output)))
	if err != nil {
		return 0, fmt.Errorf("allocating response buffer: %w", err)
	}
	txbuf, err := ep.alloc.AllocCoherent(uint32(len(payload)))
	if err != nil {
		rxbuf.Free()
		return 0, fmt.Errorf("allocating request buffer: %w", err)
	}
	copy(txbuf.Data, payload)

	desc := epic.Cmd{
		RXBuf: rxbuf.DevAddr,
		TXBuf: txbuf.DevAddr,
		RXLen: uint32(len(output)),
		TXLen: uint32(len(payload)),
	}

	s.mu.Lock()
	idx := bits.TrailingZeros32(^s.cmdMap)
	if idx >= MaxPendingCmds {
		s.mu.Unlock()
		rxbuf.Free()
		txbuf.Free()
		return 0, ErrNoCommandSlots
	}
	s.cmdMap |= 1 << idx
	tag := uint16(s.cmdTag)<<8 | uint16(idx)
	s.cmdTag++
	done := make(chan struct{})
	s.cmds[idx] = pendingCmd{
		tag:        tag,
		rxbuf:      rxbuf,
		txbuf:      txbuf,
		completion: done,
	}
	s.mu.Unlock()

	if err := ep.sendEpic(s.channel, tag, epic.TypeCommand, epic.CatCommand, uint16(cmdType), desc.Marshal()); err != nil {
		s.mu.Lock()
		s.cmdMap &^= 1 << idx
		s.cmds[idx] = pendingCmd{}
		s.mu.Unlock()
		rxbuf.Free()
		txbuf.Free()
		return 0, err
	}

	timer := time.NewTimer(ep.cfg.CommandTimeout)
	defer timer.Stop()
	completed := false
	select {
	case <-done:
		completed = true
	case <-timer.C:
	case <-ctx.Done():
	}

	if !completed {
		s.mu.Lock()
		// The reply may have landed between the wait expiring and this
		// recheck; if so the command succeeded after all.
		if !s.cmds[idx].done {
			s.cmds[idx].completion = nil
			s.cmds[idx].freeOnAck = true
			s.mu.Unlock()
			ep.journal(journal.KindCommandTimeout, s.channel, s.name,
				fmt.Sprintf("tag %#04x type %#x", tag, cmdType))
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			return 0, fmt.Errorf("command %#x on channel %d: %w", cmdType, s.channel, ErrTimeout)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	retcode := s.cmds[idx].retcode
	s.cmdMap &^= 1 << idx
	s.cmds[idx] = pendingCmd{}
	s.mu.Unlock()

	if len(output) > 0 {
		copy(output, rxbuf.Data)
	}
	txbuf.Free()
	rxbuf.Free()
	return retcode, nil
}

// ServiceCall performs a typed request/response exchange: a 64-byte
// group/command/length header ahead of the request data, echoed by the
// device ahead of the reply. dataPad and outputPad reserve extra space
// some firmware expects beyond the caller's data. The output is
// zero-filled and then populated with up to len(output) reply bytes.
func (s *Service) ServiceCall(ctx context.Context, group uint16, command uint32,
	data []byte, dataPad int, output []byte, outputPad int) error {

	bfrLen := max(len(data)+dataPad, len(output)+outputPad) + epic.CallHeaderSize
	bfr := make([]byte, bfrLen)
	epic.PutCallHeader(bfr, group, command, uint32(len(data)+dataPad))
	copy(bfr[epic.CallHeaderSize:], data)

	retcode, err := s.SendCommand(ctx, epic.SubtypeStdService, bfr, bfr)
	if err != nil {
		return err
	}
	if retcode != 0 {
		return fmt.Errorf("%w: group %#x command %#x retcode %#x", ErrCallFailed, group, command, retcode)
	}

	retLen, err := epic.CheckCallHeader(bfr, group, command)
	if err != nil {
		return err
	}
	if retLen > uint32(len(output)) {
		retLen = uint32(len(output))
	}
	if len(output) > 0 {
		for i := range output {
			output[i] = 0
		}
		copy(output, bfr[epic.CallHeaderSize:epic.CallHeaderSize+int(retLen)])
	}
	return nil
}

// handleReply completes the pending command a REPLY frame targets.
// Runs on the endpoint worker. Malformed replies are logged and
// dropped; they never disturb other pending commands.
func (s *Service) handleReply(tag uint16, payload []byte) {
	ep := s.ep

	desc, err := epic.ParseCmd(payload)
	if err != nil {
		ep.log.Error("command reply too small", "channel", s.channel, "len", len(payload))
		return
	}
	idx := int(tag & 0xff)
	if idx >= MaxPendingCmds {
		ep.log.Error("command reply slot out of range", "channel", s.channel, "tag", fmt.Sprintf("%#04x", tag))
		return
	}

	var freeRx, freeTx *Buffer
	s.mu.Lock()
	c := &s.cmds[idx]
	if c.done {
		s.mu.Unlock()
		ep.log.Error("command reply already handled", "channel", s.channel, "tag", fmt.Sprintf("%#04x", tag))
		return
	}
	if c.tag != tag {
		want := c.tag
		s.mu.Unlock()
		ep.log.Error("command reply tag mismatch", "channel", s.channel,
			"want", fmt.Sprintf("%#04x", want), "got", fmt.Sprintf("%#04x", tag))
		return
	}
	c.done = true
	c.retcode = desc.Retcode
	if c.freeOnAck {
		// The waiter gave up; this side owns the buffers now. Free
		// them outside the lock.
		freeRx, freeTx = c.rxbuf, c.txbuf
		c.rxbuf, c.txbuf = nil, nil
		s.cmdMap &^= 1 << idx
	}
	if c.completion != nil {
		close(c.completion)
		c.completion = nil
	}
	s.mu.Unlock()

	freeRx.Free()
	freeTx.Free()
}
