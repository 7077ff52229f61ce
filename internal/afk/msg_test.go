package afk

import "testing"

func TestCtrlWordRoundTrip(t *testing.T) {
	for _, typ := range []CtrlType{CtrlInit, CtrlInitAck, CtrlStart, CtrlShutdownAck} {
		if got := CtrlOf(CtrlWord(typ)); got != typ {
			t.Errorf("CtrlOf(CtrlWord(%#x)) = %#x", uint16(typ), uint16(got))
		}
	}
}

func TestPackGetBuf(t *testing.T) {
	m := PackGetBuf(0x3000, 0x1f)
	if CtrlOf(m) != CtrlGetBuf {
		t.Fatalf("type = %#x", uint16(CtrlOf(m)))
	}
	size, tag := UnpackGetBuf(m)
	if size != 0x3000 || tag != 0x1f {
		t.Errorf("UnpackGetBuf = (%#x, %#x), want (0x3000, 0x1f)", size, tag)
	}
}

func TestPackGetBufAck(t *testing.T) {
	const dva = 0xbeef_1234_5678
	m := PackGetBufAck(dva)
	if CtrlOf(m) != CtrlGetBufAck {
		t.Fatalf("type = %#x", uint16(CtrlOf(m)))
	}
	if got := UnpackGetBufAck(m); got != dva {
		t.Errorf("UnpackGetBufAck = %#x, want %#x", got, dva)
	}
}

func TestPackInitRB(t *testing.T) {
	m := PackInitRB(CtrlInitRX, 0x1180, 0x1180, 7)
	if CtrlOf(m) != CtrlInitRX {
		t.Fatalf("type = %#x", uint16(CtrlOf(m)))
	}
	offset, size, tag := UnpackInitRB(m)
	if offset != 0x1180 || size != 0x1180 || tag != 7 {
		t.Errorf("UnpackInitRB = (%#x, %#x, %d)", offset, size, tag)
	}
}

func TestPackPointers(t *testing.T) {
	if got := UnpackWptr(PackSend(0x1c0)); got != 0x1c0 {
		t.Errorf("send wptr = %#x", got)
	}
	if got := UnpackWptr(PackRecv(0x40)); got != 0x40 {
		t.Errorf("recv wptr = %#x", got)
	}
	if CtrlOf(PackSend(1)) != CtrlSend || CtrlOf(PackRecv(1)) != CtrlRecv {
		t.Error("pointer words carry wrong types")
	}
}
