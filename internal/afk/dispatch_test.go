package afk_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"afk/internal/afk"
	"afk/internal/epic"
	"afk/internal/logging"
)

// Dispatch errors drop the frame with a log line rather than failing
// the endpoint, so these tests assert on captured logs.

func TestUnboundChannelRejectsNonAnnounce(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	ep, dev, _ := startPair(t, nil)

	// A report subtype that is neither announce nor teardown nor the
	// standard-service alias must not register anything.
	if err := dev.Report(9, 0x99, []byte{1}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	waitFor(t, "drop log", func() bool {
		return capture.Has(slog.LevelError, "not an announce")
	})
	if ep.FindService(9) != nil {
		t.Error("service registered from a non-announce frame")
	}
}

func TestUnboundChannelRejectsCommandTypeAnnounce(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	ops := newRecordingOps("disp0")
	ep, dev, _ := startPair(t, []afk.ServiceOps{ops})

	// A well-formed announce payload inside a COMMAND-type entry: the
	// queue-entry type disqualifies it before the category is looked at.
	payload := make([]byte, 32)
	copy(payload, "disp0")
	if err := dev.Inject(9, epic.TypeCommand, epic.CatReport, epic.SubtypeAnnounce, 0, payload); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	waitFor(t, "drop log", func() bool {
		return capture.Has(slog.LevelError, "not a notify")
	})
	if ep.FindService(9) != nil {
		t.Error("service registered from a command-type frame")
	}
}

func TestUnboundChannelRejectsNonReport(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	_, dev, _ := startPair(t, nil)

	if err := dev.Call(9, 0x1b, []byte("ping")); err != nil {
		t.Fatalf("Call: %v", err)
	}
	waitFor(t, "drop log", func() bool {
		return capture.Has(slog.LevelError, "not a report")
	})
}

func TestTeardownUnboundChannelLogged(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	_, dev, _ := startPair(t, nil)

	if err := dev.Teardown(5); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	waitFor(t, "warn log", func() bool {
		return capture.Has(slog.LevelWarn, "teardown for disabled channel")
	})
}

func TestUnknownAnnounceNameLogged(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	ops := newRecordingOps("disp0")
	_, dev, _ := startPair(t, []afk.ServiceOps{ops})

	if err := dev.Announce(4, "nonesuch"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	waitFor(t, "reject log", func() bool {
		return capture.Has(slog.LevelError, "announce rejected")
	})
}

func TestOddFramesDoNotKillEndpoint(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	ops := newRecordingOps("disp0")
	ep, dev, _ := startPair(t, []afk.ServiceOps{ops})
	dev.OnCommand(func(channel uint32, cmdType uint16, request, response []byte) uint32 {
		copy(response, request)
		return 0
	})

	if err := dev.Announce(4, "disp0"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	waitFor(t, "service registration", func() bool { return ep.FindService(4) != nil })

	// Traffic the dispatcher has no handler for is logged and dropped.
	if err := dev.Teardown(9); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if err := dev.Report(9, 0x99, []byte{1}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// Still alive: a real call goes through afterwards.
	out := make([]byte, 4)
	if err := ep.FindService(4).ServiceCall(context.Background(), 1, 2, []byte("ping"), 0, out, 0); err != nil {
		t.Fatalf("ServiceCall after bad frames: %v", err)
	}
	if string(out) != "ping" {
		t.Errorf("reply = %q, want %q", out, "ping")
	}
}
