// Package report holds the outcome of a board bring-up run and renders it for
// a console, as CBOR for storage, or as an MQTT publication.
package report

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Step is the outcome of a single bring-up step.
type Step struct {
	Name     string        `cbor:"1,keyasint"`
	Duration time.Duration `cbor:"2,keyasint"`
	// Err is empty on success.
	Err string `cbor:"3,keyasint,omitempty"`
}

// OK returns true if the step completed without error.
func (s Step) OK() bool { return s.Err == "" }

// Report is the result of one bring-up run. Byte fields hold raw unsigned
// values as read from the chips.
type Report struct {
	RunID   string    `cbor:"1,keyasint"`
	Started time.Time `cbor:"2,keyasint"`

	FlashID     []byte `cbor:"3,keyasint"`
	FlashStatus byte   `cbor:"4,keyasint"`
	RTCID       byte   `cbor:"5,keyasint"`
	// RTCSeconds is the RTC reading in seconds since the Unix epoch.
	RTCSeconds int64 `cbor:"6,keyasint"`

	ProbeAddr  uint32 `cbor:"7,keyasint"`
	WriteAddr  uint32 `cbor:"8,keyasint"`
	Before     []byte `cbor:"9,keyasint"`
	AfterWrite []byte `cbor:"10,keyasint"`
	AfterErase []byte `cbor:"11,keyasint"`
	// WrittenSeconds is the little-endian value decoded from AfterWrite at
	// WriteAddr.
	WrittenSeconds int64 `cbor:"12,keyasint"`

	Steps []Step `cbor:"13,keyasint"`
}

// New returns an empty Report with a fresh RunID.
func New(started time.Time) *Report {
	return &Report{
		RunID:   uuid.New().String(),
		Started: started,
	}
}

// Record appends a step outcome.
func (r *Report) Record(name string, took time.Duration, err error) {
	s := Step{Name: name, Duration: took}
	if err != nil {
		s.Err = err.Error()
	}
	r.Steps = append(r.Steps, s)
}

// OK returns true if every recorded step succeeded.
func (r *Report) OK() bool {
	for _, s := range r.Steps {
		if !s.OK() {
			return false
		}
	}
	return true
}

// Failed returns the steps that recorded an error.
func (r *Report) Failed() (failed []Step) {
	for _, s := range r.Steps {
		if !s.OK() {
			failed = append(failed, s)
		}
	}
	return failed
}

// Err returns the step errors joined, or nil if all steps succeeded.
func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Failed() {
		errs = append(errs, errors.New(s.Name+": "+s.Err))
	}
	return errors.Join(errs...)
}

// DecodeSeconds returns the 8 little-endian bytes at off in window as a
// signed seconds count. ok is false if the window is too short.
func DecodeSeconds(window []byte, off int) (secs int64, ok bool) {
	if off < 0 || off+8 > len(window) {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(window[off:])), true
}

// EncodeSeconds returns secs as 8 little-endian bytes.
func EncodeSeconds(secs int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(secs))
}

// WriteText renders r for a serial console. Bytes print as two uppercase hex
// digits each.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s started %s\r\n", r.RunID, r.Started.UTC().Format(time.RFC3339))
	writeBytes(&b, "before write", r.Before)
	fmt.Fprintf(&b, "flash ID: %s status: %02X\r\n", hexBytes(r.FlashID, ""), r.FlashStatus)
	fmt.Fprintf(&b, "RTC ID: %02X\r\n", r.RTCID)
	fmt.Fprintf(&b, "secs: %d\r\n", r.RTCSeconds)
	writeBytes(&b, "after write", r.AfterWrite)
	fmt.Fprintf(&b, "writtenSecs: %d\r\n", r.WrittenSeconds)
	writeBytes(&b, "after erase", r.AfterErase)
	for _, s := range r.Steps {
		status := "ok"
		if !s.OK() {
			status = "FAIL " + s.Err
		}
		fmt.Fprintf(&b, "%-14s %10s %s\r\n", s.Name, s.Duration.Round(time.Microsecond), status)
	}
	if r.OK() {
		b.WriteString("done\r\n")
	} else {
		b.WriteString("failed\r\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeBytes(b *strings.Builder, title string, data []byte) {
	b.WriteString(title)
	b.WriteString(":\r\n")
	b.WriteString(hexBytes(data, " "))
	b.WriteString("\r\n")
}

func hexBytes(data []byte, sep string) string {
	var b strings.Builder
	for i, c := range data {
		if i > 0 {
			b.WriteString(sep)
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}
