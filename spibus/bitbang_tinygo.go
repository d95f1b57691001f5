//go:build tinygo

package spibus

import (
	"device"
	"machine"
)

// BitBang is a bit-banged mode 0 SPI Transport for boards where the hardware
// SPI block is unavailable or wired to other pins. Chip select lines are
// active low GPIOs.
type BitBang struct {
	SCK machine.Pin
	SDI machine.Pin
	SDO machine.Pin
	// Delay is a quarter clock period in nop loops. Zero means 1.
	Delay uint32
	cs    map[ChipSelect]machine.Pin
}

var _ Transport = (*BitBang)(nil)

// configurePins sets up the SCK and SDO pins as outputs and sets them low.
func (s *BitBang) configurePins() {
	s.SCK.Configure(machine.PinConfig{Mode: machine.PinOutput})
	s.SDO.Configure(machine.PinConfig{Mode: machine.PinOutput})
	s.SDI.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	s.SCK.Low()
	s.SDO.Low()
	if s.Delay == 0 {
		s.Delay = 1
	}
}

// AddChipSelect wires cs to pin and drives it inactive.
func (s *BitBang) AddChipSelect(cs ChipSelect, pin machine.Pin) {
	if s.cs == nil {
		s.configurePins()
		s.cs = make(map[ChipSelect]machine.Pin)
	}
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pin.High()
	s.cs[cs] = pin
}

// Configure derives the quarter period delay from hz. The slowest registered
// device sets the pace for the whole bus.
func (s *BitBang) Configure(cs ChipSelect, hz uint32) error {
	if _, ok := s.cs[cs]; !ok {
		return errUnknownCS
	}
	if hz == 0 {
		return nil
	}
	// Roughly 4 nops per quarter period per CPU MHz/SPI MHz ratio.
	delay := machine.CPUFrequency() / (hz * 16)
	if delay > s.Delay {
		s.Delay = delay
	}
	return nil
}

func (s *BitBang) Select(cs ChipSelect) error {
	pin, ok := s.cs[cs]
	if !ok {
		return errUnknownCS
	}
	pin.Low()
	return nil
}

func (s *BitBang) Deselect(cs ChipSelect) error {
	pin, ok := s.cs[cs]
	if !ok {
		return errUnknownCS
	}
	pin.High()
	return nil
}

// Tx shifts out w MSB first and stores the sampled input in r if not nil.
func (s *BitBang) Tx(w, r []byte) error {
	if r != nil && len(r) != len(w) {
		return errLengthMismatch
	}
	for i, b := range w {
		got := s.transfer(b)
		if r != nil {
			r[i] = got
		}
	}
	return nil
}

//go:inline
func (s *BitBang) transfer(b byte) (out byte) {
	for bit := 7; bit >= 0; bit-- {
		out |= b2u8(s.bitTransfer(b&(1<<bit) != 0)) << bit
	}
	return out
}

//go:inline
func (s *BitBang) bitTransfer(b bool) bool {
	s.SDO.Set(b)
	s.delay()
	s.SCK.High()
	s.delay()
	inputBit := s.SDI.Get()
	s.delay()
	s.SCK.Low()
	s.delay()
	return inputBit
}

// delay represents a quarter of the clock cycle
//
//go:inline
func (s *BitBang) delay() {
	for i := uint32(0); i < s.Delay; i++ {
		device.Asm("nop")
	}
}

//go:inline
func b2u8(b bool) byte {
	if b {
		return 1
	}
	return 0
}
