// Package spiflash drives a serial NOR flash chip over a shared SPI bus.
//
// A Device tracks whether the chip has a program or erase in flight. While it
// is Busy further program and erase requests fail with ErrDeviceBusy; the only
// way back to Idle is a WaitUntilReady call that reads the status register and
// observes the BUSY bit clear. Reads are allowed in either state.
//
// All operations block until complete. The bus is held for exactly one logical
// command (for example WriteEnable followed by PageProgram) so other devices
// on the same bus never see interleaved frames.
package spiflash

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/soypat/spiflash/nor"
	"github.com/soypat/spiflash/spibus"
)

// State is the lifecycle state of a Device.
type State uint8

const (
	StateIdle State = iota
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	}
	return "unknown"
}

// Config configures a Device.
type Config struct {
	Geometry nor.Geometry
	// PollInterval is the time between status reads in WaitUntilReady.
	PollInterval time.Duration
	// ProgramTimeout and EraseTimeout bound the waits performed by WriteAt
	// and Erase after each page program and sector erase.
	ProgramTimeout time.Duration
	EraseTimeout   time.Duration
	Logger         *slog.Logger
}

// DefaultConfig returns timing suited to common 4KiB-sector parts: typical
// page program time is under 1ms and sector erase under 400ms.
func DefaultConfig() Config {
	return Config{
		Geometry:       nor.DefaultGeometry(),
		PollInterval:   time.Millisecond,
		ProgramTimeout: 10 * time.Millisecond,
		EraseTimeout:   500 * time.Millisecond,
	}
}

// Device is a NOR flash chip on a spibus.Device.
type Device struct {
	mu         sync.Mutex
	spi        *spibus.Device
	geom       nor.Geometry
	state      State
	lastStatus nor.Status
	id         nor.ID
	poll       time.Duration
	progTO     time.Duration
	eraseTO    time.Duration
	logger     *slog.Logger
}

// New returns a Device using spi. Zero durations in cfg take DefaultConfig values.
// No bus traffic is generated until the first operation.
func New(spi *spibus.Device, cfg Config) (*Device, error) {
	if spi == nil {
		return nil, errors.New("spiflash: nil bus device")
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ProgramTimeout <= 0 {
		cfg.ProgramTimeout = def.ProgramTimeout
	}
	if cfg.EraseTimeout <= 0 {
		cfg.EraseTimeout = def.EraseTimeout
	}
	d := &Device{
		spi:     spi,
		geom:    cfg.Geometry,
		poll:    cfg.PollInterval,
		progTO:  cfg.ProgramTimeout,
		eraseTO: cfg.EraseTimeout,
		logger:  cfg.Logger,
	}
	return d, nil
}

// Init reads the JEDEC ID to confirm a chip answers on the bus and adopts the
// chip's current BUSY state, so a program left running by a previous boot is
// waited on before new writes are issued.
func (d *Device) Init() error {
	d.acquire()
	defer d.release()
	d.info("Init:start", slog.String("cs", d.spi.ChipSelect().String()), slog.Uint64("hz", uint64(d.spi.Hz())))
	id, err := d.readID()
	if err != nil {
		return err
	}
	if !id.Valid() {
		return errors.Join(errNoChip, errors.New("read ID "+id.String()))
	}
	st, err := d.readStatus()
	if err != nil {
		return err
	}
	d.info("Init:done", slog.String("id", id.String()), slog.String("status", st.String()))
	return nil
}

// Geometry returns the geometry the device was configured with.
func (d *Device) Geometry() nor.Geometry { return d.geom }

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.acquire()
	defer d.release()
	return d.state
}

// LastStatus returns the status byte from the most recent status read. It may
// be stale.
func (d *Device) LastStatus() nor.Status {
	d.acquire()
	defer d.release()
	return d.lastStatus
}

// ID returns the JEDEC ID read by the last ReadID or Init call.
func (d *Device) ID() nor.ID {
	d.acquire()
	defer d.release()
	return d.id
}

func (d *Device) acquire() { d.mu.Lock() }

func (d *Device) release() { d.mu.Unlock() }
