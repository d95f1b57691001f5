package spibus

import (
	"errors"
	"strconv"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Periph is a Transport over a periph.io SPI connection with GPIO driven chip
// select lines. The connection should be opened with spi.NoCS so the port's
// own chip select does not fight the GPIO lines.
type Periph struct {
	conn  spi.Conn
	maxHz physic.Frequency
	cs    map[ChipSelect]gpio.PinOut
}

var _ Transport = (*Periph)(nil)

// NewPeriph wraps conn, which was connected at maxHz.
func NewPeriph(conn spi.Conn, maxHz physic.Frequency) *Periph {
	return &Periph{
		conn:  conn,
		maxHz: maxHz,
		cs:    make(map[ChipSelect]gpio.PinOut),
	}
}

// AddChipSelect wires cs to an active-low GPIO and drives it inactive.
func (p *Periph) AddChipSelect(cs ChipSelect, pin gpio.PinOut) error {
	if pin == nil {
		return errors.New("spibus: nil chip select pin for " + cs.String())
	}
	if err := pin.Out(gpio.High); err != nil {
		return err
	}
	p.cs[cs] = pin
	return nil
}

func (p *Periph) Configure(cs ChipSelect, hz uint32) error {
	if _, ok := p.cs[cs]; !ok {
		return errUnknownCS
	}
	if f := physic.Frequency(hz) * physic.Hertz; p.maxHz != 0 && f > p.maxHz {
		return errors.New("spibus: " + cs.String() + " requests " + strconv.FormatUint(uint64(hz), 10) +
			"Hz above connection rate " + p.maxHz.String())
	}
	return nil
}

func (p *Periph) Select(cs ChipSelect) error {
	pin, ok := p.cs[cs]
	if !ok {
		return errUnknownCS
	}
	return pin.Out(gpio.Low)
}

func (p *Periph) Deselect(cs ChipSelect) error {
	pin, ok := p.cs[cs]
	if !ok {
		return errUnknownCS
	}
	return pin.Out(gpio.High)
}

func (p *Periph) Tx(w, r []byte) error {
	if r == nil {
		r = make([]byte, len(w))
	}
	return p.conn.Tx(w, r)
}
