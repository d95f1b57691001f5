// Package spibus arbitrates a single SPI transport shared by several
// chip-select addressed devices. A device holds the bus for exactly one logical
// command and every frame within it is bracketed by chip-select assertion.
package spibus

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"sync"
)

// ChipSelect identifies a device on the bus.
type ChipSelect uint8

func (cs ChipSelect) String() string { return "CS" + strconv.Itoa(int(cs)) }

// Transport is a duplex byte-oriented SPI primitive with explicit chip select.
// Tx shifts out w while shifting into r; r is nil or len(r) == len(w).
type Transport interface {
	// Configure records the clock rate requested for cs at registration.
	Configure(cs ChipSelect, hz uint32) error
	Select(cs ChipSelect) error
	Deselect(cs ChipSelect) error
	Tx(w, r []byte) error
}

var (
	// ErrTransport wraps every error returned by the underlying Transport.
	ErrTransport = errors.New("spibus: transport failure")
	// ErrBusSelected is returned when a frame starts while another chip select
	// is still asserted.
	ErrBusSelected = errors.New("spibus: bus already selected")
)

var (
	errRegistered     = errors.New("spibus: chip select already registered")
	errLengthMismatch = errors.New("spibus: rx/tx length mismatch")
	errNotSelected    = errors.New("spibus: transfer without chip select")
	errUnknownCS      = errors.New("spibus: unknown chip select")
	errClockTooFast   = errors.New("spibus: transport clock faster than device rate")
	errNotOwner       = errors.New("spibus: deselect of chip select not selected")
)

const levelTrace slog.Level = slog.LevelDebug - 1

// Bus is a shared SPI transport. The zero value is not usable, see New.
type Bus struct {
	mu       sync.Mutex
	tr       Transport
	selected ChipSelect
	active   bool
	devices  map[ChipSelect]*Device
	logger   *slog.Logger
}

// New returns a Bus owning tr. logger may be nil.
func New(tr Transport, logger *slog.Logger) *Bus {
	return &Bus{
		tr:      tr,
		devices: make(map[ChipSelect]*Device),
		logger:  logger,
	}
}

// Register claims cs for a single device requesting a clock rate of hz.
func (b *Bus) Register(cs ChipSelect, hz uint32) (*Device, error) {
	b.acquire()
	defer b.release()
	if _, ok := b.devices[cs]; ok {
		return nil, errRegistered
	}
	if err := b.tr.Configure(cs, hz); err != nil {
		return nil, errors.Join(ErrTransport, err)
	}
	d := &Device{bus: b, cs: cs, hz: hz}
	b.devices[cs] = d
	b.debug("register", slog.String("cs", cs.String()), slog.Uint64("hz", uint64(hz)))
	return d, nil
}

// clockFits reports whether a device rated for deviceHz can share a transport
// clocked at a single fixed transportHz. A zero deviceHz accepts any clock.
func clockFits(transportHz, deviceHz uint32) bool {
	return deviceHz == 0 || transportHz <= deviceHz
}

func (b *Bus) acquire() { b.mu.Lock() }

func (b *Bus) release() { b.mu.Unlock() }

func (b *Bus) selectcs(cs ChipSelect) error {
	if b.active {
		return ErrBusSelected
	}
	if err := b.tr.Select(cs); err != nil {
		return errors.Join(ErrTransport, err)
	}
	b.selected = cs
	b.active = true
	return nil
}

func (b *Bus) deselect(cs ChipSelect) error {
	if !b.active || b.selected != cs {
		return errNotOwner
	}
	b.active = false
	if err := b.tr.Deselect(cs); err != nil {
		return errors.Join(ErrTransport, err)
	}
	return nil
}

func (b *Bus) debug(msg string, attrs ...slog.Attr) {
	b.logattrs(slog.LevelDebug, msg, attrs...)
}

func (b *Bus) trace(msg string, attrs ...slog.Attr) {
	b.logattrs(levelTrace, msg, attrs...)
}

func (b *Bus) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if b.logger == nil {
		return
	}
	b.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Device is a registered chip select on a Bus.
type Device struct {
	bus *Bus
	cs  ChipSelect
	hz  uint32
}

// ChipSelect returns the chip select line owned by d.
func (d *Device) ChipSelect() ChipSelect { return d.cs }

// Hz returns the clock rate requested at registration.
func (d *Device) Hz() uint32 { return d.hz }

// Transact holds the bus for the duration of fn. All frames issued through tx
// belong to a single logical command and cannot be interleaved with another
// device's frames.
func (d *Device) Transact(fn func(tx *Tx) error) error {
	d.bus.acquire()
	defer d.bus.release()
	tx := Tx{dev: d}
	return fn(&tx)
}

// Frame performs a single chip-select bracketed transfer as its own command.
func (d *Device) Frame(w, r []byte) error {
	return d.Transact(func(tx *Tx) error { return tx.Frame(w, r) })
}

// Tx is the bus ownership handle passed to Transact callbacks. It must not be
// retained after the callback returns.
type Tx struct {
	dev    *Device
	frames int
}

// Frame asserts chip select, shifts out w while reading into r and deasserts
// chip select. Chip select is released on every return path.
func (tx *Tx) Frame(w, r []byte) (err error) {
	if r != nil && len(r) != len(w) {
		return errLengthMismatch
	}
	b := tx.dev.bus
	cs := tx.dev.cs
	if err = b.selectcs(cs); err != nil {
		return err
	}
	defer func() {
		if dErr := b.deselect(cs); dErr != nil && err == nil {
			err = dErr
		}
	}()
	tx.frames++
	if err = b.tr.Tx(w, r); err != nil {
		return errors.Join(ErrTransport, err)
	}
	if b.logger != nil && b.logger.Enabled(context.Background(), levelTrace) {
		b.trace("frame", slog.String("cs", cs.String()),
			slog.String("w", hex.EncodeToString(w)), slog.String("r", hex.EncodeToString(r)))
	}
	return nil
}

// Frames returns the number of frames issued so far through tx.
func (tx *Tx) Frames() int { return tx.frames }
