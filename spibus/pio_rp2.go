//go:build rp2040 || rp2350

package spibus

import (
	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"
	"github.com/tinygo-org/pio/rp2-pio/piolib"
)

// PIO is a mode 0 SPI Transport running on an RP2 PIO state machine, freeing
// the hardware SPI blocks and the CPU from clocking bits. Chip select lines
// are active low GPIOs.
type PIO struct {
	spi *piolib.SPI
	hz  uint32
	cs  map[ChipSelect]machine.Pin
}

var _ Transport = (*PIO)(nil)

// NewPIO claims a state machine on block and loads the SPI program clocked at hz.
func NewPIO(block *pio.PIO, sck, sdo, sdi machine.Pin, hz uint32) (*PIO, error) {
	sm, err := block.ClaimStateMachine()
	if err != nil {
		return nil, err
	}
	spi, err := piolib.NewSPI(sm, machine.SPIConfig{
		Frequency: hz,
		SCK:       sck,
		SDO:       sdo,
		SDI:       sdi,
		Mode:      0,
	})
	if err != nil {
		return nil, err
	}
	return &PIO{spi: spi, hz: hz, cs: make(map[ChipSelect]machine.Pin)}, nil
}

// AddChipSelect wires cs to pin and drives it inactive.
func (p *PIO) AddChipSelect(cs ChipSelect, pin machine.Pin) {
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pin.High()
	p.cs[cs] = pin
}

// Configure checks the device tolerates the program clock. The state machine
// runs at a single rate for every device so it must be opened at the rate of
// the slowest one.
func (p *PIO) Configure(cs ChipSelect, hz uint32) error {
	if _, ok := p.cs[cs]; !ok {
		return errUnknownCS
	}
	if !clockFits(p.hz, hz) {
		return errClockTooFast
	}
	return nil
}

func (p *PIO) Select(cs ChipSelect) error {
	pin, ok := p.cs[cs]
	if !ok {
		return errUnknownCS
	}
	pin.Low()
	return nil
}

func (p *PIO) Deselect(cs ChipSelect) error {
	pin, ok := p.cs[cs]
	if !ok {
		return errUnknownCS
	}
	pin.High()
	return nil
}

func (p *PIO) Tx(w, r []byte) error {
	if r == nil {
		r = make([]byte, len(w))
	} else if len(r) != len(w) {
		return errLengthMismatch
	}
	return p.spi.Tx(w, r)
}
