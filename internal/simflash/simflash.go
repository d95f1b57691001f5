// Package simflash models a serial NOR flash chip behind a simulated SPI bus.
// Commands execute when chip select is released, like real parts. Program and
// erase keep the chip busy for a configurable number of status reads.
package simflash

import (
	"github.com/soypat/spiflash/nor"
)

// Chip is an in-memory NOR flash implementing spibus.Peripheral.
type Chip struct {
	geom nor.Geometry
	mem  []byte
	id   []byte
	wel  bool
	// busy counts remaining status reads that report BUSY.
	busy int
	hold bool
	// ProgramPolls and ErasePolls set how many status reads report BUSY after
	// a page program or sector erase.
	ProgramPolls int
	ErasePolls   int

	frame []byte

	Programs int
	Erases   int
	// Ignored counts program/erase commands dropped because the write enable
	// latch was clear or the chip was busy.
	Ignored int
}

// New returns an erased chip. id is returned by ReadID.
func New(g nor.Geometry, id []byte) *Chip {
	c := &Chip{
		geom:         g,
		mem:          make([]byte, g.Capacity),
		id:           append([]byte(nil), id...),
		ProgramPolls: 2,
		ErasePolls:   5,
	}
	for i := range c.mem {
		c.mem[i] = 0xff
	}
	return c
}

// Peek returns a copy of n bytes at addr, bypassing the bus.
func (c *Chip) Peek(addr uint32, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = c.mem[(int(addr)+i)%len(c.mem)]
	}
	return out
}

// Poke writes b at addr bypassing NOR semantics.
func (c *Chip) Poke(addr uint32, b []byte) {
	for i, v := range b {
		c.mem[(int(addr)+i)%len(c.mem)] = v
	}
}

// Hold keeps the BUSY bit set regardless of the poll countdown while hold is true.
func (c *Chip) Hold(hold bool) { c.hold = hold }

// Busy reports whether the chip would answer a status read with BUSY set.
func (c *Chip) Busy() bool { return c.hold || c.busy > 0 }

func (c *Chip) status() nor.Status {
	var s nor.Status
	if c.Busy() {
		s |= 1
	}
	if c.wel {
		s |= 1 << 1
	}
	return s
}

func (c *Chip) Select() { c.frame = c.frame[:0] }

func (c *Chip) Transfer(w, r []byte) {
	aw := int(c.geom.AddrWidth)
	for i, b := range w {
		pos := len(c.frame)
		c.frame = append(c.frame, b)
		out := byte(0xff)
		if pos > 0 {
			switch c.frame[0] {
			case nor.OpReadStatus:
				out = byte(c.status())
			case nor.OpReadID:
				out = 0
				if pos-1 < len(c.id) {
					out = c.id[pos-1]
				}
			case nor.OpReadData:
				if pos > aw {
					out = c.mem[(int(c.addr())+pos-1-aw)%len(c.mem)]
				}
			}
		}
		r[i] = out
	}
}

func (c *Chip) Deselect() {
	if len(c.frame) == 0 {
		return
	}
	op := c.frame[0]
	if op == nor.OpReadStatus {
		if c.busy > 0 {
			c.busy--
		}
		return
	}
	if c.Busy() {
		if op == nor.OpWriteEnable || op == nor.OpPageProgram || op == nor.OpSectorErase {
			c.Ignored++
		}
		return
	}
	aw := int(c.geom.AddrWidth)
	switch op {
	case nor.OpWriteEnable:
		c.wel = true
	case nor.OpPageProgram:
		if !c.wel || len(c.frame) <= 1+aw {
			c.Ignored++
			return
		}
		addr := c.addr()
		page := c.geom.PageOf(addr)
		off := addr - page
		for _, b := range c.frame[1+aw:] {
			// Programming only clears bits and wraps within the page.
			c.mem[(page+off%c.geom.PageSize)%uint32(len(c.mem))] &= b
			off++
		}
		c.wel = false
		c.busy = c.ProgramPolls
		c.Programs++
	case nor.OpSectorErase:
		if !c.wel || len(c.frame) < 1+aw {
			c.Ignored++
			return
		}
		start := c.geom.SectorOf(c.addr()) % uint32(len(c.mem))
		for i := uint32(0); i < c.geom.SectorSize && start+i < uint32(len(c.mem)); i++ {
			c.mem[start+i] = 0xff
		}
		c.wel = false
		c.busy = c.ErasePolls
		c.Erases++
	}
}

func (c *Chip) addr() uint32 {
	aw := int(c.geom.AddrWidth)
	var a uint32
	for i := 1; i <= aw && i < len(c.frame); i++ {
		a = a<<8 | uint32(c.frame[i])
	}
	return a
}
