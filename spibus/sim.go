package spibus

import "errors"

// Peripheral is an in-memory model of a chip on a simulated bus.
type Peripheral interface {
	// Select is called when the chip select line is asserted.
	Select()
	// Transfer shifts w into the chip and fills r with its output.
	// len(r) == len(w).
	Transfer(w, r []byte)
	// Deselect is called when the chip select line is released.
	Deselect()
}

// SimFrame is a record of one transfer on a Sim bus.
type SimFrame struct {
	CS ChipSelect
	W  []byte
	R  []byte
}

// Sim is a Transport that routes transfers to Peripheral models. It keeps a
// log of all transfers so callers can assert on bus activity.
type Sim struct {
	periph   map[ChipSelect]Peripheral
	hz       map[ChipSelect]uint32
	selected ChipSelect
	active   bool
	failNext error
	// Log holds every transfer in order.
	Log []SimFrame
}

var _ Transport = (*Sim)(nil)

// NewSim returns an empty simulated bus.
func NewSim() *Sim {
	return &Sim{
		periph: make(map[ChipSelect]Peripheral),
		hz:     make(map[ChipSelect]uint32),
	}
}

// Attach wires p to chip select cs.
func (s *Sim) Attach(cs ChipSelect, p Peripheral) { s.periph[cs] = p }

// FailNext makes the next Tx call return err without reaching a peripheral.
func (s *Sim) FailNext(err error) { s.failNext = err }

// Hz returns the rate configured for cs.
func (s *Sim) Hz(cs ChipSelect) uint32 { return s.hz[cs] }

// Frames returns the number of transfers addressed to cs.
func (s *Sim) Frames(cs ChipSelect) (n int) {
	for _, f := range s.Log {
		if f.CS == cs {
			n++
		}
	}
	return n
}

// Selected reports whether any chip select is asserted.
func (s *Sim) Selected() bool { return s.active }

func (s *Sim) Configure(cs ChipSelect, hz uint32) error {
	if _, ok := s.periph[cs]; !ok {
		return errUnknownCS
	}
	s.hz[cs] = hz
	return nil
}

func (s *Sim) Select(cs ChipSelect) error {
	p, ok := s.periph[cs]
	if !ok {
		return errUnknownCS
	}
	if s.active {
		return errors.New("sim: " + s.selected.String() + " still selected")
	}
	s.selected = cs
	s.active = true
	p.Select()
	return nil
}

func (s *Sim) Deselect(cs ChipSelect) error {
	if !s.active || s.selected != cs {
		return errors.New("sim: deselect of unselected " + cs.String())
	}
	s.active = false
	s.periph[cs].Deselect()
	return nil
}

func (s *Sim) Tx(w, r []byte) error {
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	if !s.active {
		return errNotSelected
	}
	if r == nil {
		r = make([]byte, len(w))
	}
	s.periph[s.selected].Transfer(w, r)
	s.Log = append(s.Log, SimFrame{
		CS: s.selected,
		W:  append([]byte(nil), w...),
		R:  append([]byte(nil), r...),
	})
	return nil
}
