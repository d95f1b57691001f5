// Package nor implements the serial NOR flash command set: opcodes, frame
// encoding and response decoding. It performs no I/O.
package nor

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/exp/constraints"
)

// Opcodes common to JEDEC serial NOR parts (W25Q, MX25, N25Q, IS25...).
const (
	OpWriteEnable = 0x06
	OpReadStatus  = 0x05
	OpReadData    = 0x03
	OpPageProgram = 0x02
	OpSectorErase = 0x20 // 4KiB sector/subsector erase.
	OpReadID      = 0x9F
)

// ErrAddressRange is returned for misaligned, page-crossing or unrepresentable
// addresses and lengths. It is a caller error, never an I/O error.
var ErrAddressRange = errors.New("nor: address range invalid")

var errBadGeometry = errors.New("nor: bad geometry")

// Geometry describes the addressable layout of a NOR part.
type Geometry struct {
	// PageSize is the page program granularity in bytes. Typically 256.
	PageSize uint32
	// SectorSize is the smallest erase unit in bytes. Typically 4096.
	SectorSize uint32
	// Capacity is the part size in bytes. Informational: reads are not
	// range-checked against it.
	Capacity uint32
	// AddrWidth is the number of address bytes sent after the opcode, 3 or 4.
	AddrWidth uint8
	// IDLen is the number of JEDEC ID bytes clocked out by ReadID.
	IDLen uint8
}

// DefaultGeometry returns the geometry of a 16Mbit part with 256 byte pages and
// 4KiB sectors, the common case for board-level NOR.
func DefaultGeometry() Geometry {
	return Geometry{
		PageSize:   256,
		SectorSize: 4096,
		Capacity:   2 << 20,
		AddrWidth:  3,
		IDLen:      3,
	}
}

// Validate checks sizes are powers of two and the sector holds whole pages.
func (g Geometry) Validate() error {
	switch {
	case g.PageSize == 0 || !isaligned(g.PageSize, g.PageSize):
		return errors.Join(errBadGeometry, errors.New("page size not power of two"))
	case g.SectorSize == 0 || !isaligned(g.SectorSize, g.SectorSize):
		return errors.Join(errBadGeometry, errors.New("sector size not power of two"))
	case g.SectorSize < g.PageSize:
		return errors.Join(errBadGeometry, errors.New("sector smaller than page"))
	case g.AddrWidth != 3 && g.AddrWidth != 4:
		return errors.Join(errBadGeometry, errors.New("address width must be 3 or 4"))
	case g.IDLen == 0:
		return errors.Join(errBadGeometry, errors.New("zero ID length"))
	}
	return nil
}

// SectorOf returns the sector-aligned address containing addr.
func (g Geometry) SectorOf(addr uint32) uint32 { return aligndown(addr, g.SectorSize) }

// SectorEnd returns the first sector boundary at or after addr.
func (g Geometry) SectorEnd(addr uint32) uint32 { return alignup(addr, g.SectorSize) }

// PageOf returns the page-aligned address containing addr.
func (g Geometry) PageOf(addr uint32) uint32 { return aligndown(addr, g.PageSize) }

// PageRemaining returns how many bytes can be programmed at addr before
// reaching the next page boundary.
func (g Geometry) PageRemaining(addr uint32) uint32 {
	return g.PageOf(addr) + g.PageSize - addr
}

func (g Geometry) maxAddr() uint32 {
	if g.AddrWidth >= 4 {
		return 1<<32 - 1
	}
	return 1<<(8*uint32(g.AddrWidth)) - 1
}

// Status is the flash status register 1.
//
//	Bit | Name
//	----+-------------------------------------
//	7   | SRP: status register protect
//	6   | SEC: sector protect
//	5   | TB: top/bottom protect
//	4:2 | BP2-0: block protect
//	1   | WEL: write enable latch
//	0   | BUSY: erase/program in progress
type Status byte

func (s Status) StatusRegisterProtect() bool { return s&(1<<7) != 0 }
func (s Status) SectorProtect() bool         { return s&(1<<6) != 0 }
func (s Status) TopBottom() bool             { return s&(1<<5) != 0 }

// BlockProtect returns the BP2-0 field.
func (s Status) BlockProtect() uint8 { return uint8(s>>2) & 0b111 }

// WriteEnabled returns true if the write enable latch is set.
func (s Status) WriteEnabled() bool { return s&(1<<1) != 0 }

// Busy returns true while an erase or program is in progress.
func (s Status) Busy() bool { return s&1 != 0 }

func (s Status) String() string {
	const hexdigits = "0123456789ABCDEF"
	var b strings.Builder
	b.WriteString("0x")
	b.WriteByte(hexdigits[s>>4])
	b.WriteByte(hexdigits[s&0xf])
	flags := []struct {
		set  bool
		name string
	}{
		{s.StatusRegisterProtect(), "SRP"},
		{s.SectorProtect(), "SEC"},
		{s.TopBottom(), "TB"},
		{s.BlockProtect() != 0, "BP"},
		{s.WriteEnabled(), "WEL"},
		{s.Busy(), "BUSY"},
	}
	sep := byte(' ')
	for _, f := range flags {
		if f.set {
			b.WriteByte(sep)
			b.WriteString(f.name)
			sep = ','
		}
	}
	return b.String()
}

// ID is a JEDEC identification as returned by the ReadID command. Bytes are
// kept unsigned; an ID byte >= 0x80 prints as two hex digits.
type ID []byte

// Manufacturer returns the JEDEC manufacturer code or 0 for an empty ID.
func (id ID) Manufacturer() byte {
	if len(id) == 0 {
		return 0
	}
	return id[0]
}

// Capacity decodes the density byte of a 3 byte JEDEC ID as 1<<id[2] bytes.
// Returns 0 if not decodable.
func (id ID) Capacity() uint32 {
	if len(id) < 3 || id[2] < 10 || id[2] > 31 {
		return 0
	}
	return 1 << id[2]
}

// Valid returns false for all-zero or all-ones IDs, which indicate a missing or
// unpowered chip on the bus.
func (id ID) Valid() bool {
	var or, and byte = 0, 0xff
	for _, b := range id {
		or |= b
		and &= b
	}
	return len(id) > 0 && or != 0 && and != 0xff
}

func (id ID) String() string { return strings.ToUpper(hex.EncodeToString(id)) }

// alignup rounds `val` up to nearest multiple of `align`. `align` must be a power of 2.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// aligndown rounds `val` down to nearest multiple of `align`. `align` must be a power of 2.
func aligndown[T constraints.Unsigned](val, align T) T {
	return val &^ (align - 1)
}

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}
