package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/soypat/spiflash/bringup"
	"github.com/soypat/spiflash/config"
)

func newTestConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()
	c, _, buf := newSimConsole(t, nil)
	return c, buf
}

// newSimConsole starts a console on simulated chips. prepare runs on the
// chips before the console initializes the flash.
func newSimConsole(t *testing.T, prepare func(*bringup.SimPlatform)) (*console, *bringup.SimPlatform, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	pl := bringup.NewSimPlatform(cfg, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	if prepare != nil {
		prepare(pl)
	}
	board, err := bringup.Open(pl, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	return newConsole(board, cfg, &buf), pl, &buf
}

func TestConsoleSession(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()
	lines := [][]string{
		{"id"},
		{"erase", "0x1000"},
		{"wait", "1s"},
		{"program", "0x1000", "DEADBEEF", "01"},
		{"wait"},
		{"read", "0x1000", "6"},
		{"state"},
	}
	for _, l := range lines {
		if c.exec(ctx, l) {
			t.Fatal("unexpected quit on", l)
		}
	}
	got := out.String()
	for _, want := range []string{
		"flash ID: EF4015",
		"00001000: DE AD BE EF 01 FF",
		"state=idle",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in output:\n%s", want, got)
		}
	}
	if strings.Contains(got, "error") {
		t.Errorf("unexpected error in output:\n%s", got)
	}
	if !c.exec(ctx, []string{"quit"}) {
		t.Error("quit did not exit")
	}
}

func TestConsoleErrors(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()
	c.exec(ctx, []string{"erase", "0x05"})
	if !strings.Contains(out.String(), "error [address range invalid]") {
		t.Errorf("misaligned erase: %s", out.String())
	}
	out.Reset()
	c.exec(ctx, []string{"program", "0", "00"})
	c.exec(ctx, []string{"program", "0x10", "00"})
	if !strings.Contains(out.String(), "error [device busy]") {
		t.Errorf("program while busy: %s", out.String())
	}
	out.Reset()
	c.exec(ctx, []string{"read", "0"})
	c.exec(ctx, []string{"bogus"})
	if !strings.Contains(out.String(), "bad arguments") || !strings.Contains(out.String(), "unknown command: bogus") {
		t.Errorf("usage errors: %s", out.String())
	}
}

func TestConsoleRTCAndSum(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()
	c.exec(ctx, []string{"rtc", "time"})
	c.exec(ctx, []string{"rtc", "regs"})
	c.exec(ctx, []string{"sum", "0", "16"})
	got := out.String()
	if !strings.Contains(got, "2024-01-02T03:04:05Z") {
		t.Errorf("rtc time missing:\n%s", got)
	}
	if !strings.Contains(got, "00000020: 00 00 00 00 00 00 00 00 18 05 10") {
		t.Errorf("rtc regs missing ID:\n%s", got)
	}
	if !strings.Contains(got, "blake2b-256 0x0+16: ") {
		t.Errorf("sum missing:\n%s", got)
	}
}

func TestConsoleAdoptsBusyAtStart(t *testing.T) {
	c, pl, out := newSimConsole(t, func(pl *bringup.SimPlatform) { pl.Flash.Hold(true) })
	ctx := context.Background()
	if !strings.Contains(out.String(), "flash ID: EF4015 state=busy") {
		t.Fatalf("startup did not report busy flash:\n%s", out.String())
	}
	c.exec(ctx, []string{"program", "0", "0102"})
	if !strings.Contains(out.String(), "error [device busy]") {
		t.Errorf("program on busy chip must fail:\n%s", out.String())
	}
	if pl.Flash.Ignored != 0 {
		t.Error("program reached the busy chip")
	}
	pl.Flash.Hold(false)
	out.Reset()
	c.exec(ctx, []string{"wait", "1s"})
	c.exec(ctx, []string{"program", "0", "0102"})
	c.exec(ctx, []string{"wait"})
	c.exec(ctx, []string{"read", "0", "2"})
	if !strings.Contains(out.String(), "00000000: 01 02") {
		t.Errorf("program after wait failed:\n%s", out.String())
	}
}

func TestConsoleStopsOnCanceledContext(t *testing.T) {
	c, pl, out := newSimConsole(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	frames := len(pl.Bus.Log)
	if !c.exec(ctx, []string{"id"}) {
		t.Error("canceled context must stop the console")
	}
	if len(pl.Bus.Log) != frames {
		t.Error("no bus traffic expected after cancel")
	}
	if !strings.Contains(out.String(), "console stopped") {
		t.Errorf("missing stop message:\n%s", out.String())
	}
}
