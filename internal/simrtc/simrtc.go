// Package simrtc models the SPI register interface of an AM1815 real time clock.
package simrtc

import "time"

// Chip is an in-memory AM1815 implementing spibus.Peripheral. Registers
// auto-increment within a frame; the first byte is the register address with
// bit 7 set for writes.
type Chip struct {
	Regs  [0x80]byte
	frame int
	addr  byte
	write bool
}

// New returns an AM1815 model with ID registers populated and the clock set to t.
func New(t time.Time) *Chip {
	c := &Chip{}
	c.Regs[0x28] = 0x18 // ID0: part number upper.
	c.Regs[0x29] = 0x05 // ID1: part number lower.
	c.Regs[0x2a] = 0x10 // ID2: revision.
	c.SetTime(t)
	return c
}

// SetTime loads the BCD time registers from t, truncated to hundredths.
func (c *Chip) SetTime(t time.Time) {
	t = t.UTC()
	c.Regs[0x00] = bcd(t.Nanosecond() / int(10*time.Millisecond))
	c.Regs[0x01] = bcd(t.Second())
	c.Regs[0x02] = bcd(t.Minute())
	c.Regs[0x03] = bcd(t.Hour())
	c.Regs[0x04] = bcd(t.Day())
	c.Regs[0x05] = bcd(int(t.Month()))
	c.Regs[0x06] = bcd(t.Year() % 100)
	c.Regs[0x07] = byte(t.Weekday())
}

func (c *Chip) Select() { c.frame = 0 }

func (c *Chip) Transfer(w, r []byte) {
	for i, b := range w {
		r[i] = 0xff
		if c.frame == 0 {
			c.write = b&0x80 != 0
			c.addr = b & 0x7f
		} else {
			if c.write {
				c.Regs[c.addr] = b
			} else {
				r[i] = c.Regs[c.addr]
			}
			c.addr = (c.addr + 1) & 0x7f
		}
		c.frame++
	}
}

func (c *Chip) Deselect() {}

func bcd(v int) byte { return byte(v/10<<4 | v%10) }
