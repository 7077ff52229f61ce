package afk_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"afk/internal/afk"
	"afk/internal/coproc"
	"afk/internal/epic"
	"afk/internal/logging"
)

// startWithService brings up an endpoint against a device with the
// given config and announces one service on channel 4.
func startWithService(t *testing.T, devCfg coproc.Config, epCfg afk.Config) (*afk.Service, *coproc.Device, *coproc.Memory) {
	t.Helper()
	ops := newRecordingOps("disp0")
	ep, dev, mem := newPair(t, []afk.ServiceOps{ops}, devCfg, epCfg)
	if err := ep.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := dev.Announce(4, "disp0"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	waitFor(t, "service registration", func() bool { return ep.FindService(4) != nil })
	return ep.FindService(4), dev, mem
}

func TestCommandTimeoutFreesBuffersOnLateReply(t *testing.T) {
	svc, _, mem := startWithService(t,
		coproc.Config{ReplyDelay: 200 * time.Millisecond},
		afk.Config{CommandTimeout: 30 * time.Millisecond})

	baseline := mem.Live()
	_, err := svc.SendCommand(context.Background(), 0xc0, []byte("req"), make([]byte, 8))
	if !errors.Is(err, afk.ErrTimeout) {
		t.Fatalf("SendCommand error = %v, want ErrTimeout", err)
	}

	// The late reply must release the slot and free both DMA buffers.
	waitFor(t, "late reply cleanup", func() bool { return mem.Live() == baseline })
}

func TestCommandTimeoutRaceWindow(t *testing.T) {
	// Reply delay and timeout in the same ballpark: each round lands on
	// an arbitrary side of the race, and either way exactly one party
	// frees the buffers.
	svc, _, mem := startWithService(t,
		coproc.Config{ReplyDelay: 20 * time.Millisecond},
		afk.Config{CommandTimeout: 20 * time.Millisecond})

	baseline := mem.Live()
	for i := 0; i < 30; i++ {
		_, err := svc.SendCommand(context.Background(), 0xc0, []byte("req"), make([]byte, 8))
		if err != nil && !errors.Is(err, afk.ErrTimeout) {
			t.Fatalf("round %d: SendCommand error = %v", i, err)
		}
	}
	waitFor(t, "all buffers freed", func() bool { return mem.Live() == baseline })
}

func TestCommandContextCancellation(t *testing.T) {
	svc, _, mem := startWithService(t,
		coproc.Config{ReplyDelay: 300 * time.Millisecond},
		afk.Config{CommandTimeout: 10 * time.Second})

	baseline := mem.Live()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := svc.SendCommand(ctx, 0xc0, []byte("req"), make([]byte, 8))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SendCommand error = %v, want context.Canceled", err)
	}
	waitFor(t, "cleanup after cancellation", func() bool { return mem.Live() == baseline })
}

func TestCommandSlotExhaustion(t *testing.T) {
	svc, _, mem := startWithService(t,
		coproc.Config{ReplyDelay: time.Second},
		afk.Config{CommandTimeout: 10 * time.Millisecond})

	baseline := mem.Live()
	for i := 0; i < afk.MaxPendingCmds; i++ {
		_, err := svc.SendCommand(context.Background(), 0xc0, []byte("req"), make([]byte, 8))
		if !errors.Is(err, afk.ErrTimeout) {
			t.Fatalf("round %d: SendCommand error = %v, want ErrTimeout", i, err)
		}
	}

	// Every slot is parked on free_on_ack; a fresh command has nowhere
	// to go.
	_, err := svc.SendCommand(context.Background(), 0xc0, []byte("req"), make([]byte, 8))
	if !errors.Is(err, afk.ErrNoCommandSlots) {
		t.Fatalf("SendCommand error = %v, want ErrNoCommandSlots", err)
	}

	// Once the delayed replies drain, everything is freed and slots
	// work again.
	waitFor(t, "slot recycling", func() bool { return mem.Live() == baseline })
}

func TestCommandReplyTagMismatchIgnored(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	svc, dev, _ := startWithService(t,
		coproc.Config{ReplyDelay: 150 * time.Millisecond},
		afk.Config{CommandTimeout: 2 * time.Second})
	dev.OnCommand(func(channel uint32, cmdType uint16, request, response []byte) uint32 {
		copy(response, request)
		return 0
	})

	// The first command on a fresh service sits in slot 0 with
	// generation 0 in the tag high byte. A reply carrying a stale
	// generation must not touch the pending slot.
	go func() {
		time.Sleep(30 * time.Millisecond)
		bogus := epic.Cmd{Retcode: 0x7f}
		if err := dev.Inject(4, epic.TypeReply, epic.CatReply, 0xc0, 0x0100, bogus.Marshal()); err != nil {
			t.Errorf("Inject: %v", err)
		}
	}()

	out := make([]byte, 3)
	ret, err := svc.SendCommand(context.Background(), 0xc0, []byte("abc"), out)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if ret != 0 {
		t.Errorf("retcode = %#x, want 0", ret)
	}
	if string(out) != "abc" {
		t.Errorf("output = %q, want %q", out, "abc")
	}
	if !capture.Has(slog.LevelError, "command reply tag mismatch") {
		t.Error("mismatched reply was not logged")
	}
}

func TestCommandDuplicateReplyIgnored(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	svc, dev, mem := startWithService(t,
		coproc.Config{ReplyDelay: 60 * time.Millisecond},
		afk.Config{CommandTimeout: 15 * time.Millisecond})

	baseline := mem.Live()
	_, err := svc.SendCommand(context.Background(), 0xc0, []byte("req"), make([]byte, 8))
	if !errors.Is(err, afk.ErrTimeout) {
		t.Fatalf("SendCommand error = %v, want ErrTimeout", err)
	}
	// The delayed reply lands, frees the buffers and marks the slot
	// handled.
	waitFor(t, "late reply cleanup", func() bool { return mem.Live() == baseline })

	// A second reply for the same tag is logged and dropped; in
	// particular nothing is freed twice.
	dup := epic.Cmd{}
	if err := dev.Inject(4, epic.TypeReply, epic.CatReply, 0xc0, 0x0000, dup.Marshal()); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	waitFor(t, "duplicate drop log", func() bool {
		return capture.Has(slog.LevelError, "command reply already handled")
	})
	if mem.Live() != baseline {
		t.Errorf("live buffers = %d, want %d", mem.Live(), baseline)
	}
}

func TestCommandRetcodePassedThrough(t *testing.T) {
	svc, dev, _ := startWithService(t, coproc.Config{}, afk.Config{})

	dev.OnCommand(func(channel uint32, cmdType uint16, request, response []byte) uint32 {
		copy(response, request)
		return 0x42
	})

	out := make([]byte, 3)
	ret, err := svc.SendCommand(context.Background(), 0xc0, []byte("abc"), out)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if ret != 0x42 {
		t.Errorf("retcode = %#x, want 0x42", ret)
	}
	if string(out) != "abc" {
		t.Errorf("output = %q, want %q", out, "abc")
	}
}
