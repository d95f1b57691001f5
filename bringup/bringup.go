// Package bringup runs the board diagnostic sequence: it probes a flash window,
// identifies the flash and RTC, then erases, programs and verifies a flash
// location with the current RTC time. Every wait is a bounded status poll.
package bringup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/soypat/spiflash"
	"github.com/soypat/spiflash/am1815"
	"github.com/soypat/spiflash/config"
	"github.com/soypat/spiflash/report"
	"github.com/soypat/spiflash/spibus"
)

// Board owns the devices constructed during boot.
type Board struct {
	Bus    *spibus.Bus
	Flash  *spiflash.Device
	RTC    *am1815.Device
	closer io.Closer
}

// Open initializes the platform, opens its transport and registers the flash
// and RTC on a shared bus. No device traffic is generated.
func Open(pl Platform, cfg config.Board, logger *slog.Logger) (*Board, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := pl.Init(); err != nil {
		return nil, err
	}
	tr, closer, err := pl.Open(cfg)
	if err != nil {
		return nil, err
	}
	b, err := NewBoard(tr, cfg, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	b.closer = closer
	return b, nil
}

// NewBoard registers the flash and RTC described by cfg on a bus over tr. It
// is used directly on targets where the transport is built by the firmware.
func NewBoard(tr spibus.Transport, cfg config.Board, logger *slog.Logger) (*Board, error) {
	bus := spibus.New(tr, logger)
	fdev, err := bus.Register(spibus.ChipSelect(cfg.Flash.CS), cfg.Flash.Hz)
	if err != nil {
		return nil, err
	}
	rdev, err := bus.Register(spibus.ChipSelect(cfg.RTC.CS), cfg.RTC.Hz)
	if err != nil {
		return nil, err
	}
	flash, err := spiflash.New(fdev, spiflash.Config{
		Geometry:       cfg.Flash.Geometry(),
		PollInterval:   time.Duration(cfg.Flash.PollInterval),
		ProgramTimeout: time.Duration(cfg.Flash.ProgramTimeout),
		EraseTimeout:   time.Duration(cfg.Flash.EraseTimeout),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return &Board{
		Bus:   bus,
		Flash: flash,
		RTC:   am1815.New(rdev, logger),
	}, nil
}

// Close releases the transport.
func (b *Board) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Options selects the probed flash locations.
type Options struct {
	ProbeAddr     uint32
	ProbeLen      int
	WriteAddr     uint32
	RTCIDRegister uint8
	// EraseTimeout bounds the wait after each sector erase and for a program
	// found in flight at start.
	EraseTimeout time.Duration
	Logger       *slog.Logger
}

// OptionsFromConfig returns the Options described by cfg.
func OptionsFromConfig(cfg config.Board, logger *slog.Logger) Options {
	return Options{
		ProbeAddr:     cfg.Probe.Addr,
		ProbeLen:      cfg.Probe.Len,
		WriteAddr:     cfg.Probe.WriteAddr,
		RTCIDRegister: cfg.Probe.RTCIDRegister,
		EraseTimeout:  time.Duration(cfg.Flash.EraseTimeout),
		Logger:        logger,
	}
}

// Step names recorded in the report.
const (
	StepProbeBefore = "probe-before"
	StepFlashID     = "flash-id"
	StepRTCID       = "rtc-id"
	StepRTCTime     = "rtc-time"
	StepErase       = "erase"
	StepProgram     = "program"
	StepProbeWrite  = "probe-write"
	StepVerifyWrite = "verify-write"
	StepEraseAgain  = "erase-again"
	StepProbeErase  = "probe-erase"
	StepVerifyErase = "verify-erase"
)

var (
	errMismatch  = errors.New("bringup: read back mismatch")
	errNotErased = errors.New("bringup: bytes not erased")
	errWindow    = errors.New("bringup: write address outside probe window")
)

// Run executes the diagnostic sequence on b. The first flash error skips the
// remaining flash steps; RTC errors are recorded and the flash steps continue
// with a zero timestamp. ctx is checked between steps. The returned report is
// never nil; the error is ctx.Err() or the joined step errors.
func Run(ctx context.Context, b *Board, opts Options) (*report.Report, error) {
	r := report.New(time.Now())
	r.ProbeAddr = opts.ProbeAddr
	r.WriteAddr = opts.WriteAddr
	off := int(opts.WriteAddr) - int(opts.ProbeAddr)
	if off < 0 || off+8 > opts.ProbeLen {
		r.Record("options", 0, errWindow)
		return r, errWindow
	}
	rn := runner{ctx: ctx, r: r, logger: opts.Logger}
	flash := b.Flash
	sector := flash.Geometry().SectorOf(opts.WriteAddr)
	var secs int64

	rn.flash(StepProbeBefore, func() (err error) {
		r.Before, err = flash.ReadData(opts.ProbeAddr, opts.ProbeLen)
		return err
	})
	rn.flash(StepFlashID, func() error {
		err := flash.Init()
		if err != nil {
			return err
		}
		r.FlashID = flash.ID()
		r.FlashStatus = byte(flash.LastStatus())
		if flash.State() == spiflash.StateBusy {
			return flash.WaitUntilReady(opts.EraseTimeout)
		}
		return nil
	})
	rn.rtc(StepRTCID, func() (err error) {
		r.RTCID, err = b.RTC.ReadRegister(opts.RTCIDRegister)
		return err
	})
	rn.rtc(StepRTCTime, func() error {
		ts, err := b.RTC.ReadTime()
		if err != nil {
			return err
		}
		secs = ts.Seconds
		r.RTCSeconds = secs
		return nil
	})
	rn.flash(StepErase, func() error {
		err := flash.EraseSector(sector)
		if err != nil {
			return err
		}
		return flash.WaitUntilReady(opts.EraseTimeout)
	})
	rn.flash(StepProgram, func() error {
		_, err := flash.WriteAt(report.EncodeSeconds(secs), int64(opts.WriteAddr))
		return err
	})
	rn.flash(StepProbeWrite, func() (err error) {
		r.AfterWrite, err = flash.ReadData(opts.ProbeAddr, opts.ProbeLen)
		return err
	})
	rn.flash(StepVerifyWrite, func() error {
		r.WrittenSeconds, _ = report.DecodeSeconds(r.AfterWrite, off)
		if r.WrittenSeconds != secs {
			return errors.Join(errMismatch, errors.New("wrote "+strconv.FormatInt(secs, 10)+
				" read "+strconv.FormatInt(r.WrittenSeconds, 10)))
		}
		return nil
	})
	rn.flash(StepEraseAgain, func() error {
		err := flash.EraseSector(sector)
		if err != nil {
			return err
		}
		return flash.WaitUntilReady(opts.EraseTimeout)
	})
	rn.flash(StepProbeErase, func() (err error) {
		r.AfterErase, err = flash.ReadData(opts.ProbeAddr, opts.ProbeLen)
		return err
	})
	rn.flash(StepVerifyErase, func() error {
		if !bytes.Equal(r.AfterErase[off:off+8], bytes.Repeat([]byte{0xff}, 8)) {
			return errNotErased
		}
		return nil
	})
	if rn.ctxErr != nil {
		return r, rn.ctxErr
	}
	return r, r.Err()
}

type runner struct {
	ctx      context.Context
	r        *report.Report
	logger   *slog.Logger
	flashErr error
	ctxErr   error
}

func (rn *runner) flash(name string, fn func() error) {
	if rn.flashErr != nil {
		return
	}
	rn.flashErr = rn.run(name, fn)
}

func (rn *runner) rtc(name string, fn func() error) {
	rn.run(name, fn)
}

func (rn *runner) run(name string, fn func() error) error {
	if rn.ctxErr != nil {
		return rn.ctxErr
	}
	if err := rn.ctx.Err(); err != nil {
		rn.ctxErr = err
		return err
	}
	start := time.Now()
	err := fn()
	took := time.Since(start)
	rn.r.Record(name, took, err)
	if rn.logger != nil {
		level := slog.LevelInfo
		attrs := []slog.Attr{slog.String("step", name), slog.Duration("took", took)}
		if err != nil {
			level = slog.LevelError
			attrs = append(attrs, slog.String("err", err.Error()), slog.String("kind", spiflash.KindOf(err).String()))
		}
		rn.logger.LogAttrs(rn.ctx, level, "bringup:step", attrs...)
	}
	return err
}
