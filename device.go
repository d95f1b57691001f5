package spiflash

import (
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/spiflash/nor"
	"github.com/soypat/spiflash/spibus"
)

// ReadID reads the JEDEC identification of the chip.
func (d *Device) ReadID() (nor.ID, error) {
	d.acquire()
	defer d.release()
	return d.readID()
}

// ReadStatus reads the status register and refreshes LastStatus. A reading
// with BUSY set moves the device to Busy; only WaitUntilReady returns it to
// Idle.
func (d *Device) ReadStatus() (nor.Status, error) {
	d.acquire()
	defer d.release()
	return d.readStatus()
}

// ReadData reads length bytes starting at addr in a single transaction. It is
// permitted in any state and is not range checked against the chip capacity;
// the chip wraps at the end of its address space.
func (d *Device) ReadData(addr uint32, length int) ([]byte, error) {
	d.acquire()
	defer d.release()
	return d.readData(addr, length)
}

// ProgramPage programs data at addr. data must not cross a page boundary.
// On success the device is Busy until WaitUntilReady observes completion.
func (d *Device) ProgramPage(addr uint32, data []byte) error {
	d.acquire()
	defer d.release()
	return d.programPage(addr, data)
}

// EraseSector erases the sector at addr, which must be sector aligned; the
// address is never rounded. On success the device is Busy until
// WaitUntilReady observes completion.
func (d *Device) EraseSector(addr uint32) error {
	d.acquire()
	defer d.release()
	return d.eraseSector(addr)
}

// WaitUntilReady polls the status register until the BUSY bit clears, then
// moves the device to Idle. If timeout elapses first ErrTimeout is returned
// and the device stays Busy; calling WaitUntilReady again is always safe.
// A zero timeout performs a single status read.
func (d *Device) WaitUntilReady(timeout time.Duration) error {
	d.acquire()
	defer d.release()
	return d.waitUntilReady(timeout)
}

func (d *Device) readID() (nor.ID, error) {
	resp, err := d.query(nor.ReadID{})
	if err != nil {
		return nil, err
	}
	d.id = nor.DecodeID(resp)
	return d.id, nil
}

func (d *Device) readStatus() (nor.Status, error) {
	resp, err := d.query(nor.ReadStatus{})
	if err != nil {
		return 0, err
	}
	d.lastStatus = nor.DecodeStatus(resp)
	if d.lastStatus.Busy() {
		d.state = StateBusy
	}
	return d.lastStatus, nil
}

func (d *Device) readData(addr uint32, length int) ([]byte, error) {
	resp, err := d.query(nor.ReadData{Addr: addr, Len: length})
	if err != nil {
		return nil, err
	}
	d.trace("read", slog.Uint64("addr", uint64(addr)), slog.Int("len", length))
	return resp, nil
}

// query sends a command with a response in a single frame and returns the
// response bytes.
func (d *Device) query(cmd nor.Command) ([]byte, error) {
	f, err := nor.Encode(cmd, d.geom)
	if err != nil {
		return nil, err
	}
	rx := make([]byte, len(f.Tx))
	if err := d.spi.Frame(f.Tx, rx); err != nil {
		return nil, err
	}
	return f.Response(rx), nil
}

func (d *Device) programPage(addr uint32, data []byte) error {
	if d.state == StateBusy {
		return ErrDeviceBusy
	}
	return d.write(nor.PageProgram{Addr: addr, Data: data})
}

func (d *Device) eraseSector(addr uint32) error {
	if d.state == StateBusy {
		return ErrDeviceBusy
	}
	return d.write(nor.SectorErase{Addr: addr})
}

// write issues WriteEnable and cmd as one bus transaction. Encoding happens
// before any bus activity so structural errors leave the chip untouched and the
// device Idle. Once frames are handed to the bus the device is Busy, even if
// the transport fails.
func (d *Device) write(cmd nor.Command) error {
	f, err := nor.Encode(cmd, d.geom)
	if err != nil {
		return err
	}
	wren, _ := nor.Encode(nor.WriteEnable{}, d.geom)
	d.state = StateBusy
	err = d.spi.Transact(func(tx *spibus.Tx) error {
		err := tx.Frame(wren.Tx, nil)
		if err != nil {
			return err
		}
		return tx.Frame(f.Tx, nil)
	})
	if err != nil {
		d.logerr("write failed", slog.String("cmd", cmd.String()), slog.String("err", err.Error()))
		return err
	}
	d.debug("write issued", slog.String("cmd", cmd.String()))
	return nil
}

func (d *Device) waitUntilReady(timeout time.Duration) error {
	start := time.Now()
	deadline := start.Add(timeout)
	polls := 0
	for {
		st, err := d.readStatus()
		if err != nil {
			return err
		}
		polls++
		if !st.Busy() {
			if d.state == StateBusy {
				d.debug("ready", slog.Int("polls", polls), slog.Duration("took", time.Since(start)))
			}
			d.state = StateIdle
			return nil
		}
		if time.Since(deadline) >= 0 {
			d.warn("ready timeout", slog.Int("polls", polls), slog.Duration("timeout", timeout))
			return ErrTimeout
		}
		time.Sleep(min(d.poll, time.Until(deadline)))
	}
}

// ReadAt implements io.ReaderAt.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > 1<<32-1 {
		return 0, errors.Join(ErrAddressRange, errors.New("offset out of address space"))
	}
	if len(p) == 0 {
		return 0, nil
	}
	data, err := d.ReadData(uint32(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

// WriteAt programs p at off, split at page boundaries, waiting up to the
// configured program timeout after each page. The target range must have been
// erased: NOR programming can only clear bits.
func (d *Device) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > 1<<32 {
		return 0, errors.Join(ErrAddressRange, errors.New("range out of address space"))
	}
	d.acquire()
	defer d.release()
	addr := uint32(off)
	for n < len(p) {
		chunk := min(int(d.geom.PageRemaining(addr)), len(p)-n)
		err = d.programPage(addr, p[n:n+chunk])
		if err != nil {
			return n, err
		}
		err = d.waitUntilReady(d.progTO)
		if err != nil {
			return n, err
		}
		n += chunk
		addr += uint32(chunk)
	}
	return n, nil
}

// Erase erases every sector overlapping [addr, addr+size). addr must be
// sector aligned.
func (d *Device) Erase(addr, size uint32) error {
	if uint64(addr)+uint64(size) > 1<<32 {
		return errors.Join(ErrAddressRange, errors.New("range out of address space"))
	}
	d.acquire()
	defer d.release()
	end := uint64(addr) + uint64(size)
	for a := uint64(addr); a < end; a += uint64(d.geom.SectorSize) {
		err := d.eraseSector(uint32(a))
		if err != nil {
			return err
		}
		err = d.waitUntilReady(d.eraseTO)
		if err != nil {
			return err
		}
	}
	return nil
}
