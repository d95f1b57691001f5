package spiflash

import (
	"errors"

	"github.com/soypat/spiflash/nor"
	"github.com/soypat/spiflash/spibus"
)

var (
	// ErrDeviceBusy is returned when a program or erase is requested while a
	// previous one has not been observed complete by WaitUntilReady.
	ErrDeviceBusy = errors.New("spiflash: device busy")
	// ErrTimeout is returned by WaitUntilReady when BUSY does not clear in time.
	ErrTimeout = errors.New("spiflash: timeout waiting for ready")
	// ErrAddressRange is returned for misaligned or page-crossing requests.
	ErrAddressRange = nor.ErrAddressRange
	// ErrTransport wraps failures of the SPI transport.
	ErrTransport = spibus.ErrTransport

	errNoChip = errors.New("spiflash: no chip responding")
)

// ErrorKind classifies errors returned by this package.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindAddressRange
	KindDeviceBusy
	KindTimeout
	KindTransport
	KindOther
)

// KindOf returns the ErrorKind of err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAddressRange):
		return KindAddressRange
	case errors.Is(err, ErrDeviceBusy):
		return KindDeviceBusy
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrTransport):
		return KindTransport
	}
	return KindOther
}

func (k ErrorKind) String() (s string) {
	switch k {
	case KindNone:
		s = "none"
	case KindAddressRange:
		s = "address range invalid"
	case KindDeviceBusy:
		s = "device busy"
	case KindTimeout:
		s = "timeout"
	case KindTransport:
		s = "transport failure"
	default:
		s = "other"
	}
	return s
}
