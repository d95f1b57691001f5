//go:build !tinygo

package bringup

import (
	"errors"
	"io"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/soypat/spiflash/config"
	"github.com/soypat/spiflash/spibus"
)

// HostPlatform uses periph.io drivers: Linux spidev, FTDI adapters and the
// like, with chip select lines driven as GPIOs.
type HostPlatform struct{}

var _ Platform = HostPlatform{}

// Init loads the periph host drivers.
func (HostPlatform) Init() error {
	_, err := host.Init()
	return err
}

func (HostPlatform) Open(cfg config.Board) (spibus.Transport, io.Closer, error) {
	port, err := spireg.Open(cfg.Bus.Port)
	if err != nil {
		return nil, nil, err
	}
	maxHz := cfg.Bus.MaxHz
	if maxHz == 0 {
		maxHz = max(cfg.Flash.Hz, cfg.RTC.Hz)
	}
	freq := physic.Frequency(maxHz) * physic.Hertz
	conn, err := port.Connect(freq, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	tr := spibus.NewPeriph(conn, freq)
	for _, c := range []config.Chip{cfg.Flash.Chip, cfg.RTC} {
		pin := gpioreg.ByName(c.Pin)
		if pin == nil {
			port.Close()
			return nil, nil, errors.New("bringup: chip select pin " + c.Pin + " not found")
		}
		err = tr.AddChipSelect(spibus.ChipSelect(c.CS), pin)
		if err != nil {
			port.Close()
			return nil, nil, err
		}
	}
	return tr, port, nil
}
