package epic

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeParse(t *testing.T) {
	payload := []byte("announce me")
	frame := Encode(42, CatReport, SubtypeAnnounce, 0x0107, payload)

	if len(frame) != EnvelopeOverhead+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), EnvelopeOverhead+len(payload))
	}

	hdr, sub, got, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if hdr.Version != headerVersion || hdr.Seq != 42 {
		t.Errorf("header = %+v", hdr)
	}
	if sub.Version != subHeaderVersion {
		t.Errorf("sub-header version = %d, want %d", sub.Version, subHeaderVersion)
	}
	if sub.Category != CatReport || sub.Subtype != SubtypeAnnounce || sub.Tag != 0x0107 {
		t.Errorf("sub-header = %+v", sub)
	}
	if sub.Length != uint32(len(payload)) {
		t.Errorf("declared length = %d, want %d", sub.Length, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestEncodeInlineLength(t *testing.T) {
	// Reply frames declare the payload length minus the return code.
	reply := Encode(0, CatReply, SubtypeStdService, 0, make([]byte, 32))
	_, sub, _, err := Parse(reply)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sub.InlineLen != 28 {
		t.Errorf("reply inline length = %d, want 28", sub.InlineLen)
	}

	notify := Encode(0, CatNotify, SubtypeStdService, 0, make([]byte, 32))
	_, sub, _, err = Parse(notify)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sub.InlineLen != 0 {
		t.Errorf("notify inline length = %d, want 0", sub.InlineLen)
	}
}

func TestParseTruncated(t *testing.T) {
	if _, _, _, err := Parse(make([]byte, EnvelopeOverhead-1)); !errors.Is(err, ErrTruncated) {
		t.Errorf("Parse error = %v, want ErrTruncated", err)
	}
}

func TestCmdRoundTrip(t *testing.T) {
	cmd := Cmd{
		Retcode: 0xdead,
		RXBuf:   0x1234_5678_9abc,
		TXBuf:   0xfeed_f00d,
		RXLen:   0x80,
		TXLen:   0x40,
	}
	got, err := ParseCmd(cmd.Marshal())
	if err != nil {
		t.Fatalf("ParseCmd: %v", err)
	}
	if got != cmd {
		t.Errorf("ParseCmd = %+v, want %+v", got, cmd)
	}

	if _, err := ParseCmd(make([]byte, CmdSize-1)); !errors.Is(err, ErrTruncated) {
		t.Errorf("short ParseCmd error = %v, want ErrTruncated", err)
	}
}

func TestAPCall(t *testing.T) {
	args := []byte{1, 2, 3, 4}
	buf := make([]byte, APCallSize+len(args))
	PutAPCall(buf, 0x1b, uint32(len(args)))
	copy(buf[APCallSize:], args)

	callType, argLen, err := ParseAPCall(buf)
	if err != nil {
		t.Fatalf("ParseAPCall: %v", err)
	}
	if callType != 0x1b || argLen != 4 {
		t.Errorf("ParseAPCall = (%#x, %d)", callType, argLen)
	}

	// Declared arguments must fit inside the payload.
	PutAPCall(buf, 0x1b, 0x1000)
	if _, _, err := ParseAPCall(buf); !errors.Is(err, ErrTruncated) {
		t.Errorf("oversized args error = %v, want ErrTruncated", err)
	}

	if _, _, err := ParseAPCall(make([]byte, APCallSize-1)); !errors.Is(err, ErrTruncated) {
		t.Errorf("short preamble error = %v, want ErrTruncated", err)
	}
}

func TestCallHeader(t *testing.T) {
	buf := make([]byte, CallHeaderSize+8)
	PutCallHeader(buf, 3, 0x2010, 8)

	n, err := CheckCallHeader(buf, 3, 0x2010)
	if err != nil {
		t.Fatalf("CheckCallHeader: %v", err)
	}
	if n != 8 {
		t.Errorf("data length = %d, want 8", n)
	}

	if _, err := CheckCallHeader(buf, 4, 0x2010); !errors.Is(err, ErrCallHeader) {
		t.Errorf("wrong group error = %v, want ErrCallHeader", err)
	}
	if _, err := CheckCallHeader(buf, 3, 0x2011); !errors.Is(err, ErrCallHeader) {
		t.Errorf("wrong command error = %v, want ErrCallHeader", err)
	}

	bad := append([]byte(nil), buf...)
	bad[12] = 0
	if _, err := CheckCallHeader(bad, 3, 0x2010); !errors.Is(err, ErrCallHeader) {
		t.Errorf("bad magic error = %v, want ErrCallHeader", err)
	}
}
