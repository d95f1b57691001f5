package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/soypat/spiflash"
	"github.com/soypat/spiflash/am1815"
	"github.com/soypat/spiflash/bringup"
	"github.com/soypat/spiflash/config"
)

// maxRead bounds console reads and digests so a typo cannot stall the bus.
const maxRead = 1 << 20

var errUsage = errors.New("bad arguments, see help")

type console struct {
	board *bringup.Board
	cfg   config.Board
	out   io.Writer
}

// newConsole identifies the flash and adopts a program or erase left running
// by a previous session. Init failures are printed, not fatal, so a missing
// chip can still be investigated.
func newConsole(board *bringup.Board, cfg config.Board, out io.Writer) *console {
	c := &console{board: board, cfg: cfg, out: out}
	fl := board.Flash
	err := fl.Init()
	if err != nil {
		fmt.Fprintf(out, "flash init error [%s]: %v\n", spiflash.KindOf(err), err)
		return c
	}
	fmt.Fprintf(out, "flash ID: %s state=%s\n", fl.ID(), fl.State())
	return c
}

func (c *console) printHelp() {
	fmt.Fprint(c.out, `Commands:
  id                      read flash JEDEC ID
  status                  read flash status register
  read ADDR N             read N bytes at ADDR
  program ADDR HEX...     program bytes within one page
  erase ADDR              erase the sector at ADDR (must be aligned)
  wait [TIMEOUT]          poll until the flash is ready (default erase timeout)
  sum ADDR N              BLAKE2b-256 of N bytes at ADDR
  rtc regs                dump RTC registers 0x00-0x2F
  rtc time                read RTC time
  state                   show driver state
  help                    show this help
  quit                    exit
`)
}

// exec runs one command line and reports whether the console should exit.
func (c *console) exec(ctx context.Context, args []string) (quit bool) {
	if err := ctx.Err(); err != nil {
		fmt.Fprintln(c.out, "console stopped:", err)
		return true
	}
	if len(args) == 0 {
		return false
	}
	cmd, args := strings.ToLower(args[0]), args[1:]
	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "id":
		err = c.cmdID()
	case "status":
		err = c.cmdStatus()
	case "read", "r":
		err = c.cmdRead(args)
	case "program", "p":
		err = c.cmdProgram(args)
	case "erase":
		err = c.cmdErase(args)
	case "wait":
		err = c.cmdWait(args)
	case "sum":
		err = c.cmdSum(args)
	case "rtc":
		err = c.cmdRTC(args)
	case "state":
		fl := c.board.Flash
		fmt.Fprintf(c.out, "state=%s last-status=%s id=%s\n", fl.State(), fl.LastStatus(), fl.ID())
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out, "unknown command: %s (type 'help' for commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "error [%s]: %v\n", spiflash.KindOf(err), err)
	}
	return false
}

func (c *console) cmdID() error {
	id, err := c.board.Flash.ReadID()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "flash ID: %s manufacturer=%02X capacity=%d\n", id, id.Manufacturer(), id.Capacity())
	return nil
}

func (c *console) cmdStatus() error {
	st, err := c.board.Flash.ReadStatus()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "status: %s\n", st)
	return nil
}

func (c *console) cmdRead(args []string) error {
	addr, n, err := addrLen(args)
	if err != nil {
		return err
	}
	data, err := c.board.Flash.ReadData(addr, n)
	if err != nil {
		return err
	}
	dumpHex(c.out, addr, data)
	return nil
}

func (c *console) cmdProgram(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.Join(args[1:], ""))
	if err != nil {
		return err
	}
	err = c.board.Flash.ProgramPage(addr, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "programmed %d bytes at %#x, device busy until 'wait'\n", len(data), addr)
	return nil
}

func (c *console) cmdErase(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	err = c.board.Flash.EraseSector(addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "erasing sector %#x, device busy until 'wait'\n", addr)
	return nil
}

func (c *console) cmdWait(args []string) error {
	timeout := time.Duration(c.cfg.Flash.EraseTimeout)
	if len(args) == 1 {
		var err error
		timeout, err = time.ParseDuration(args[0])
		if err != nil {
			return err
		}
	} else if len(args) > 1 {
		return errUsage
	}
	start := time.Now()
	err := c.board.Flash.WaitUntilReady(timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "ready after %s\n", time.Since(start).Round(time.Microsecond))
	return nil
}

func (c *console) cmdSum(args []string) error {
	addr, n, err := addrLen(args)
	if err != nil {
		return err
	}
	data, err := c.board.Flash.ReadData(addr, n)
	if err != nil {
		return err
	}
	sum := blake2b.Sum256(data)
	fmt.Fprintf(c.out, "blake2b-256 %#x+%d: %x\n", addr, n, sum)
	return nil
}

func (c *console) cmdRTC(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	rtc := c.board.RTC
	switch args[0] {
	case "regs":
		regs := make([]byte, 0x30)
		err := rtc.ReadRegisters(am1815.RegHundredths, regs)
		if err != nil {
			return err
		}
		dumpHex(c.out, 0, regs)
	case "time":
		ts, err := rtc.ReadTime()
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "secs: %d (%s)\n", ts.Seconds, ts.Time().Format(time.RFC3339Nano))
	default:
		return errUsage
	}
	return nil
}

func addrLen(args []string) (uint32, int, error) {
	if len(args) != 2 {
		return 0, 0, errUsage
	}
	addr, err := parseUint32(args[0])
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return 0, 0, err
	}
	if n == 0 || n > maxRead {
		return 0, 0, errors.New("length must be in 1.." + strconv.Itoa(maxRead))
	}
	return addr, int(n), nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

// dumpHex writes data 16 bytes per line prefixed by address.
func dumpHex(w io.Writer, addr uint32, data []byte) {
	for len(data) > 0 {
		n := min(16, len(data))
		fmt.Fprintf(w, "%08X:", addr)
		for _, b := range data[:n] {
			fmt.Fprintf(w, " %02X", b)
		}
		fmt.Fprintln(w)
		data = data[n:]
		addr += uint32(n)
	}
}
