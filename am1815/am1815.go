// Package am1815 drives the register interface of an Ambiq AM1815 real time
// clock over SPI. The first byte of a frame is the register address, bit 7
// set for writes; the chip auto-increments the address for each further byte.
package am1815

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/spiflash/spibus"
)

// Registers.
const (
	RegHundredths = 0x00
	RegSeconds    = 0x01
	RegMinutes    = 0x02
	RegHours      = 0x03
	RegDate       = 0x04
	RegMonths     = 0x05
	RegYears      = 0x06
	RegWeekdays   = 0x07
	RegControl1   = 0x10
	RegID0        = 0x28
	RegID1        = 0x29
	RegID2        = 0x2A

	regLast    = 0x7F
	writeFlag  = 0x80
	ctrl1Write = 1 << 0 // WRTC: counters writable.
	ctrl1Hour  = 1 << 6 // 12/24: set for 12 hour mode.
)

// PartNumber is the value of ID0:ID1 on AM18x5 parts.
const PartNumber = 0x1805

var (
	errRegister = errors.New("am1815: register out of range")
	errBCD      = errors.New("am1815: invalid BCD in time registers")
)

// Timestamp is the clock reading decoded from the counter registers.
type Timestamp struct {
	// Seconds since the Unix epoch, UTC. The year register holds the year
	// modulo 100 and is taken to be in 2000-2099.
	Seconds int64
	// Subsecond in hundredths of a second resolution.
	Subsecond time.Duration
}

// Time returns ts as a time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Subsecond)).UTC()
}

// Device is an AM1815 on a spibus.Device.
type Device struct {
	spi    *spibus.Device
	logger *slog.Logger
}

// New returns an RTC using spi. logger may be nil.
func New(spi *spibus.Device, logger *slog.Logger) *Device {
	return &Device{spi: spi, logger: logger}
}

// ReadRegister reads a single register.
func (d *Device) ReadRegister(addr uint8) (byte, error) {
	var v [1]byte
	err := d.ReadRegisters(addr, v[:])
	return v[0], err
}

// ReadRegisters reads len(dst) consecutive registers starting at addr in a
// single frame.
func (d *Device) ReadRegisters(addr uint8, dst []byte) error {
	if int(addr)+len(dst) > regLast+1 {
		return errRegister
	}
	w := make([]byte, 1+len(dst))
	r := make([]byte, len(w))
	w[0] = addr & regLast
	err := d.spi.Frame(w, r)
	if err != nil {
		return err
	}
	copy(dst, r[1:])
	d.trace("read", slog.Uint64("reg", uint64(addr)), slog.Int("n", len(dst)))
	return nil
}

// WriteRegister writes v to the register at addr.
func (d *Device) WriteRegister(addr uint8, v byte) error {
	return d.WriteRegisters(addr, []byte{v})
}

// WriteRegisters writes src to consecutive registers starting at addr in a
// single frame.
func (d *Device) WriteRegisters(addr uint8, src []byte) error {
	if int(addr)+len(src) > regLast+1 {
		return errRegister
	}
	w := make([]byte, 1+len(src))
	w[0] = writeFlag | addr&regLast
	copy(w[1:], src)
	return d.spi.Frame(w, nil)
}

// ID returns the ID0:ID1 part number, 0x1805 for AM18x5 parts.
func (d *Device) ID() (uint16, error) {
	var id [2]byte
	err := d.ReadRegisters(RegID0, id[:])
	if err != nil {
		return 0, err
	}
	return uint16(id[0])<<8 | uint16(id[1]), nil
}

// ReadTime reads the hundredths through years counters in one frame so the
// reading is coherent.
func (d *Device) ReadTime() (Timestamp, error) {
	var regs [7]byte
	err := d.ReadRegisters(RegHundredths, regs[:])
	if err != nil {
		return Timestamp{}, err
	}
	ctrl, err := d.ReadRegister(RegControl1)
	if err != nil {
		return Timestamp{}, err
	}
	return decodeTime(regs[:], ctrl&ctrl1Hour != 0)
}

// SetTime loads t, truncated to hundredths, into the counters. The WRTC bit
// is set for the duration of the write.
func (d *Device) SetTime(t time.Time) error {
	t = t.UTC()
	if t.Year() < 2000 || t.Year() > 2099 {
		return errors.New("am1815: year out of range")
	}
	ctrl, err := d.ReadRegister(RegControl1)
	if err != nil {
		return err
	}
	err = d.WriteRegister(RegControl1, (ctrl|ctrl1Write)&^ctrl1Hour)
	if err != nil {
		return err
	}
	regs := []byte{
		tobcd(t.Nanosecond() / int(10*time.Millisecond)),
		tobcd(t.Second()),
		tobcd(t.Minute()),
		tobcd(t.Hour()),
		tobcd(t.Day()),
		tobcd(int(t.Month())),
		tobcd(t.Year() % 100),
		byte(t.Weekday()),
	}
	err = d.WriteRegisters(RegHundredths, regs)
	if err != nil {
		return err
	}
	d.debug("set time", slog.Time("t", t))
	return d.WriteRegister(RegControl1, ctrl&^ctrl1Hour)
}

// decodeTime decodes the seven BCD counter registers starting at hundredths.
func decodeTime(regs []byte, hour12 bool) (Timestamp, error) {
	var v [7]int
	masks := [7]byte{0xff, 0x7f, 0x7f, 0x3f, 0x3f, 0x1f, 0xff}
	if hour12 {
		masks[3] = 0x1f
	}
	for i := range v {
		n, ok := frombcd(regs[i] & masks[i])
		if !ok {
			return Timestamp{}, errBCD
		}
		v[i] = n
	}
	hour := v[3]
	if hour12 {
		pm := regs[3]&(1<<5) != 0
		hour %= 12
		if pm {
			hour += 12
		}
	}
	if v[5] < 1 || v[5] > 12 || v[4] < 1 || v[4] > 31 || hour > 23 || v[2] > 59 || v[1] > 59 {
		return Timestamp{}, errBCD
	}
	t := time.Date(2000+v[6], time.Month(v[5]), v[4], hour, v[2], v[1], 0, time.UTC)
	return Timestamp{
		Seconds:   t.Unix(),
		Subsecond: time.Duration(v[0]) * 10 * time.Millisecond,
	}, nil
}

func tobcd(v int) byte { return byte(v/10<<4 | v%10) }

func frombcd(b byte) (int, bool) {
	hi, lo := b>>4, b&0xf
	if hi > 9 || lo > 9 {
		return 0, false
	}
	return int(hi)*10 + int(lo), true
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

func (d *Device) trace(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug-1, msg, attrs...)
}

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger == nil {
		return
	}
	d.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
