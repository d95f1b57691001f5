package nor

import (
	"errors"
	"strconv"
)

// Command is a single logical flash operation. The set of implementations is
// closed: ReadID, ReadStatus, ReadData, PageProgram, SectorErase, WriteEnable.
type Command interface {
	opcode() byte
	String() string
}

// ReadID reads the JEDEC identification. A zero Len uses Geometry.IDLen.
type ReadID struct{ Len int }

// ReadStatus reads status register 1.
type ReadStatus struct{}

// ReadData reads Len bytes starting at Addr.
type ReadData struct {
	Addr uint32
	Len  int
}

// PageProgram programs Data at Addr. Data must not cross a page boundary.
type PageProgram struct {
	Addr uint32
	Data []byte
}

// SectorErase erases the sector at Addr, which must be sector aligned.
type SectorErase struct{ Addr uint32 }

// WriteEnable sets the write enable latch. Program and erase are ignored by
// the chip unless the latch is set.
type WriteEnable struct{}

func (ReadID) opcode() byte      { return OpReadID }
func (ReadStatus) opcode() byte  { return OpReadStatus }
func (ReadData) opcode() byte    { return OpReadData }
func (PageProgram) opcode() byte { return OpPageProgram }
func (SectorErase) opcode() byte { return OpSectorErase }
func (WriteEnable) opcode() byte { return OpWriteEnable }

func (c ReadID) String() string     { return "ReadID len=" + strconv.Itoa(c.Len) }
func (ReadStatus) String() string   { return "ReadStatus" }
func (c ReadData) String() string   { return "ReadData addr=" + hex32(c.Addr) + " len=" + strconv.Itoa(c.Len) }
func (c PageProgram) String() string {
	return "PageProgram addr=" + hex32(c.Addr) + " len=" + strconv.Itoa(len(c.Data))
}
func (c SectorErase) String() string { return "SectorErase addr=" + hex32(c.Addr) }
func (WriteEnable) String() string   { return "WriteEnable" }

// Frame is an encoded command ready for a single chip-select bracketed
// full-duplex transfer. The received buffer must have the same length as Tx.
type Frame struct {
	Tx []byte
	// RespOff and RespLen locate the response within the received buffer.
	RespOff int
	RespLen int
}

// Response returns the response bytes of rx, which must be the buffer received
// while shifting out f.Tx.
func (f Frame) Response(rx []byte) []byte {
	if f.RespLen == 0 || len(rx) < f.RespOff+f.RespLen {
		return nil
	}
	return rx[f.RespOff : f.RespOff+f.RespLen]
}

// Encode maps cmd to the byte sequence the chip expects. Errors are only
// structural and wrap ErrAddressRange.
func Encode(cmd Command, g Geometry) (Frame, error) {
	switch c := cmd.(type) {
	case WriteEnable:
		return Frame{Tx: []byte{OpWriteEnable}}, nil

	case ReadStatus:
		return Frame{Tx: []byte{OpReadStatus, 0}, RespOff: 1, RespLen: 1}, nil

	case ReadID:
		n := c.Len
		if n == 0 {
			n = int(g.IDLen)
		}
		if n <= 0 {
			return Frame{}, errors.Join(ErrAddressRange, errors.New("read ID length"))
		}
		tx := make([]byte, 1+n)
		tx[0] = OpReadID
		return Frame{Tx: tx, RespOff: 1, RespLen: n}, nil

	case ReadData:
		if c.Len <= 0 {
			return Frame{}, errors.Join(ErrAddressRange, errors.New("read length must be positive"))
		}
		hdr, err := header(OpReadData, c.Addr, g)
		if err != nil {
			return Frame{}, err
		}
		tx := make([]byte, len(hdr)+c.Len)
		copy(tx, hdr)
		return Frame{Tx: tx, RespOff: len(hdr), RespLen: c.Len}, nil

	case PageProgram:
		n := uint32(len(c.Data))
		switch {
		case n == 0:
			return Frame{}, errors.Join(ErrAddressRange, errors.New("empty page program"))
		case n > g.PageSize:
			return Frame{}, errors.Join(ErrAddressRange, errors.New("payload exceeds page size"))
		case n > g.PageRemaining(c.Addr):
			return Frame{}, errors.Join(ErrAddressRange, errors.New("payload crosses page boundary at "+hex32(g.PageOf(c.Addr)+g.PageSize)))
		}
		hdr, err := header(OpPageProgram, c.Addr, g)
		if err != nil {
			return Frame{}, err
		}
		tx := make([]byte, len(hdr)+len(c.Data))
		copy(tx, hdr)
		copy(tx[len(hdr):], c.Data)
		return Frame{Tx: tx}, nil

	case SectorErase:
		if !isaligned(c.Addr, g.SectorSize) {
			return Frame{}, errors.Join(ErrAddressRange, errors.New("erase address "+hex32(c.Addr)+" not sector aligned"))
		}
		tx, err := header(OpSectorErase, c.Addr, g)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Tx: tx}, nil
	}
	return Frame{}, errors.New("nor: unknown command")
}

// header returns opcode followed by the big-endian address in g.AddrWidth bytes.
func header(op byte, addr uint32, g Geometry) ([]byte, error) {
	if addr > g.maxAddr() {
		return nil, errors.Join(ErrAddressRange, errors.New("address "+hex32(addr)+" exceeds address width"))
	}
	w := int(g.AddrWidth)
	buf := make([]byte, 1+w)
	buf[0] = op
	for i := 0; i < w; i++ {
		buf[w-i] = byte(addr >> (8 * i))
	}
	return buf, nil
}

// Decode parses the host-transmitted bytes of one chip-select bracketed
// transaction back into a Command. It is the inverse of Encode and is used to
// interpret captured bus traffic. ReadID and ReadData lengths are recovered
// from the number of clocked bytes.
func Decode(tx []byte, g Geometry) (Command, error) {
	if len(tx) == 0 {
		return nil, errors.New("nor: empty frame")
	}
	w := int(g.AddrWidth)
	addr := func() (uint32, error) {
		if len(tx) < 1+w {
			return 0, errors.New("nor: short frame for " + hex8(tx[0]))
		}
		var a uint32
		for _, b := range tx[1 : 1+w] {
			a = a<<8 | uint32(b)
		}
		return a, nil
	}
	switch tx[0] {
	case OpWriteEnable:
		return WriteEnable{}, nil
	case OpReadStatus:
		return ReadStatus{}, nil
	case OpReadID:
		return ReadID{Len: len(tx) - 1}, nil
	case OpReadData:
		a, err := addr()
		if err != nil {
			return nil, err
		}
		return ReadData{Addr: a, Len: len(tx) - 1 - w}, nil
	case OpPageProgram:
		a, err := addr()
		if err != nil {
			return nil, err
		}
		return PageProgram{Addr: a, Data: tx[1+w:]}, nil
	case OpSectorErase:
		a, err := addr()
		if err != nil {
			return nil, err
		}
		return SectorErase{Addr: a}, nil
	}
	return nil, errors.New("nor: unknown opcode " + hex8(tx[0]))
}

// DecodeStatus returns the StatusByte in a ReadStatus response.
func DecodeStatus(resp []byte) Status {
	if len(resp) == 0 {
		return 0
	}
	return Status(resp[0])
}

// DecodeID returns a copy of the ReadID response.
func DecodeID(resp []byte) ID {
	return append(ID(nil), resp...)
}

func hex32(u uint32) string { return "0x" + strconv.FormatUint(uint64(u), 16) }

func hex8(b byte) string { return "0x" + strconv.FormatUint(uint64(b), 16) }
