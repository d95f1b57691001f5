package nor

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeFrames(t *testing.T) {
	g := DefaultGeometry()
	for _, test := range []struct {
		cmd     Command
		tx      []byte
		respOff int
		respLen int
	}{
		{cmd: WriteEnable{}, tx: []byte{0x06}},
		{cmd: ReadStatus{}, tx: []byte{0x05, 0}, respOff: 1, respLen: 1},
		{cmd: ReadID{}, tx: []byte{0x9f, 0, 0, 0}, respOff: 1, respLen: 3},
		{cmd: ReadID{Len: 1}, tx: []byte{0x9f, 0}, respOff: 1, respLen: 1},
		{cmd: ReadData{Addr: 0x04, Len: 3}, tx: []byte{0x03, 0x00, 0x00, 0x04, 0, 0, 0}, respOff: 4, respLen: 3},
		{cmd: ReadData{Addr: 0x123456, Len: 1}, tx: []byte{0x03, 0x12, 0x34, 0x56, 0}, respOff: 4, respLen: 1},
		{cmd: PageProgram{Addr: 0x1005, Data: []byte{0xaa, 0xbb}}, tx: []byte{0x02, 0x00, 0x10, 0x05, 0xaa, 0xbb}},
		{cmd: SectorErase{Addr: 0x1000}, tx: []byte{0x20, 0x00, 0x10, 0x00}},
	} {
		f, err := Encode(test.cmd, g)
		if err != nil {
			t.Errorf("%s: %v", test.cmd, err)
			continue
		}
		if !bytes.Equal(f.Tx, test.tx) {
			t.Errorf("%s: got tx %x, want %x", test.cmd, f.Tx, test.tx)
		}
		if f.RespOff != test.respOff || f.RespLen != test.respLen {
			t.Errorf("%s: got response at %d:%d, want %d:%d", test.cmd, f.RespOff, f.RespLen, test.respOff, test.respLen)
		}
	}
}

func TestEncodeFourByteAddress(t *testing.T) {
	g := DefaultGeometry()
	g.AddrWidth = 4
	f, err := Encode(ReadData{Addr: 0x01020304, Len: 2}, g)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x03, 0x01, 0x02, 0x03, 0x04, 0, 0}
	if !bytes.Equal(f.Tx, want) {
		t.Errorf("got %x, want %x", f.Tx, want)
	}
}

func TestEncodeAddressRange(t *testing.T) {
	g := DefaultGeometry()
	for _, cmd := range []Command{
		SectorErase{Addr: 0x05},
		SectorErase{Addr: 0x1001},
		PageProgram{Addr: 0x00, Data: nil},
		PageProgram{Addr: 0xfc, Data: make([]byte, 8)},   // crosses 0x100.
		PageProgram{Addr: 0x00, Data: make([]byte, 257)}, // larger than page.
		ReadData{Addr: 1 << 24, Len: 1},                  // does not fit 3 bytes.
		ReadData{Addr: 0, Len: 0},
	} {
		_, err := Encode(cmd, g)
		if !errors.Is(err, ErrAddressRange) {
			t.Errorf("%s: expected ErrAddressRange, got %v", cmd, err)
		}
	}
	// Exactly filling the remainder of a page is fine.
	if _, err := Encode(PageProgram{Addr: 0xf8, Data: make([]byte, 8)}, g); err != nil {
		t.Error(err)
	}
}

func TestDecodeInverse(t *testing.T) {
	g := DefaultGeometry()
	for _, cmd := range []Command{
		WriteEnable{},
		ReadStatus{},
		ReadID{Len: 3},
		ReadData{Addr: 0x04, Len: 15},
		PageProgram{Addr: 0x1000, Data: []byte{0, 1, 2, 3, 4, 5, 6, 7}},
		SectorErase{Addr: 0x2000},
	} {
		f, err := Encode(cmd, g)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(f.Tx, g)
		if err != nil {
			t.Fatal(err)
		}
		if got.String() != cmd.String() {
			t.Errorf("decoded %q, want %q", got, cmd)
		}
	}
	if _, err := Decode([]byte{0x03, 0x00}, g); err == nil {
		t.Error("expected short frame error")
	}
	if _, err := Decode([]byte{0xee}, g); err == nil {
		t.Error("expected unknown opcode error")
	}
}

func TestFrameResponse(t *testing.T) {
	f, _ := Encode(ReadStatus{}, DefaultGeometry())
	rx := []byte{0xff, 0x03}
	st := DecodeStatus(f.Response(rx))
	if !st.Busy() || !st.WriteEnabled() {
		t.Errorf("bad status decode %s", st)
	}
	if f.Response(rx[:1]) != nil {
		t.Error("expected nil response for short rx")
	}
}

func TestStatusString(t *testing.T) {
	for _, test := range []struct {
		s    Status
		want string
	}{
		{0, "0x00"},
		{0x01, "0x01 BUSY"},
		{0x03, "0x03 WEL,BUSY"},
		{0x9c, "0x9C SRP,BP"},
	} {
		if got := test.s.String(); got != test.want {
			t.Errorf("Status(%#x).String() = %q, want %q", byte(test.s), got, test.want)
		}
	}
}

func TestID(t *testing.T) {
	id := DecodeID([]byte{0xef, 0x40, 0x15})
	if id.String() != "EF4015" {
		t.Error("bad id string", id.String())
	}
	if id.Manufacturer() != 0xef {
		t.Error("bad manufacturer")
	}
	if id.Capacity() != 2<<20 {
		t.Error("bad capacity", id.Capacity())
	}
	if !id.Valid() {
		t.Error("expected valid id")
	}
	if ID([]byte{0xff, 0xff, 0xff}).Valid() || ID([]byte{0, 0, 0}).Valid() {
		t.Error("floating bus IDs must be invalid")
	}
}

func TestGeometry(t *testing.T) {
	g := DefaultGeometry()
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}
	if g.SectorOf(0x1005) != 0x1000 || g.SectorEnd(0x1005) != 0x2000 || g.SectorEnd(0x2000) != 0x2000 {
		t.Error("bad sector math")
	}
	if g.PageRemaining(0x1005) != 0xfb {
		t.Error("bad page remaining", g.PageRemaining(0x1005))
	}
	bad := g
	bad.PageSize = 300
	if bad.Validate() == nil {
		t.Error("expected error for non power of two page")
	}
	bad = g
	bad.AddrWidth = 2
	if bad.Validate() == nil {
		t.Error("expected error for address width")
	}
}
