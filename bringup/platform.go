package bringup

import (
	"io"
	"time"

	"github.com/soypat/spiflash/config"
	"github.com/soypat/spiflash/internal/simflash"
	"github.com/soypat/spiflash/internal/simrtc"
	"github.com/soypat/spiflash/spibus"
)

// Platform brings up the host before any device is constructed and opens the
// SPI transport described by a board configuration.
type Platform interface {
	Init() error
	Open(cfg config.Board) (spibus.Transport, io.Closer, error)
}

// SimPlatform runs against in-memory flash and RTC models.
type SimPlatform struct {
	Flash *simflash.Chip
	RTC   *simrtc.Chip
	Bus   *spibus.Sim
}

var _ Platform = (*SimPlatform)(nil)

// SimFlashID is the JEDEC ID reported by the simulated flash, a W25Q16.
var SimFlashID = []byte{0xEF, 0x40, 0x15}

// NewSimPlatform returns simulated chips shaped by cfg with the RTC set to now.
func NewSimPlatform(cfg config.Board, now time.Time) *SimPlatform {
	return &SimPlatform{
		Flash: simflash.New(cfg.Flash.Geometry(), SimFlashID),
		RTC:   simrtc.New(now),
	}
}

func (*SimPlatform) Init() error { return nil }

func (s *SimPlatform) Open(cfg config.Board) (spibus.Transport, io.Closer, error) {
	s.Bus = spibus.NewSim()
	s.Bus.Attach(spibus.ChipSelect(cfg.Flash.CS), s.Flash)
	s.Bus.Attach(spibus.ChipSelect(cfg.RTC.CS), s.RTC)
	return s.Bus, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
