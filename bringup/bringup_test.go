package bringup

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypat/spiflash"
	"github.com/soypat/spiflash/config"
	"github.com/soypat/spiflash/internal/simflash"
	"github.com/soypat/spiflash/report"
)

var testNow = time.Date(2024, time.March, 9, 14, 30, 15, 0, time.UTC)

func openSim(t *testing.T, cfg config.Board) (*SimPlatform, *Board) {
	t.Helper()
	pl := NewSimPlatform(cfg, testNow)
	b, err := Open(pl, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return pl, b
}

func TestRunSim(t *testing.T) {
	cfg := config.Default()
	pl, b := openSim(t, cfg)
	pl.Flash.Poke(0, bytes.Repeat([]byte{0x00}, 32))

	r, err := Run(context.Background(), b, OptionsFromConfig(cfg, nil))
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.NotEmpty(t, r.RunID)

	assert.Equal(t, SimFlashID, r.FlashID)
	assert.Equal(t, byte(0x18), r.RTCID)
	assert.Equal(t, testNow.Unix(), r.RTCSeconds)
	assert.Equal(t, testNow.Unix(), r.WrittenSeconds)

	require.Len(t, r.Before, 15)
	assert.Equal(t, bytes.Repeat([]byte{0x00}, 15), r.Before)
	// Sector 0 was erased before programming so only the 8 written bytes differ.
	want := append([]byte{0xff}, report.EncodeSeconds(testNow.Unix())...)
	want = append(want, bytes.Repeat([]byte{0xff}, 6)...)
	assert.Equal(t, want, r.AfterWrite)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 15), r.AfterErase)

	var names []string
	for _, s := range r.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		StepProbeBefore, StepFlashID, StepRTCID, StepRTCTime, StepErase, StepProgram,
		StepProbeWrite, StepVerifyWrite, StepEraseAgain, StepProbeErase, StepVerifyErase,
	}, names)
	assert.Equal(t, 2, pl.Flash.Erases)
	assert.Equal(t, 1, pl.Flash.Programs)
	assert.Equal(t, spiflash.StateIdle, b.Flash.State())
}

func TestRunNoFlash(t *testing.T) {
	cfg := config.Default()
	pl := NewSimPlatform(cfg, testNow)
	pl.Flash = simflash.New(cfg.Flash.Geometry(), []byte{0xff, 0xff, 0xff})
	b, err := Open(pl, cfg, nil)
	require.NoError(t, err)

	r, err := Run(context.Background(), b, OptionsFromConfig(cfg, nil))
	require.Error(t, err)
	failed := r.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, StepFlashID, failed[0].Name)
	// RTC steps still run; later flash steps are skipped.
	require.Len(t, r.Steps, 4)
	assert.Equal(t, StepRTCTime, r.Steps[3].Name)
	assert.Equal(t, testNow.Unix(), r.RTCSeconds)
	assert.Zero(t, pl.Flash.Erases)
}

func TestRunRTCFailure(t *testing.T) {
	cfg := config.Default()
	pl, b := openSim(t, cfg)
	pl.RTC.Regs[0x01] = 0x7A // Invalid BCD seconds.

	r, err := Run(context.Background(), b, OptionsFromConfig(cfg, nil))
	require.Error(t, err)
	failed := r.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, StepRTCTime, failed[0].Name)
	assert.Len(t, r.Steps, 11)
	assert.Zero(t, r.WrittenSeconds)
	assert.Equal(t, 2, pl.Flash.Erases)
}

func TestRunCanceled(t *testing.T) {
	cfg := config.Default()
	_, b := openSim(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := Run(ctx, b, OptionsFromConfig(cfg, nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.Steps)
}

func TestRunBadWindow(t *testing.T) {
	cfg := config.Default()
	_, b := openSim(t, cfg)
	opts := OptionsFromConfig(cfg, nil)
	opts.WriteAddr = opts.ProbeAddr + uint32(opts.ProbeLen) - 4
	r, err := Run(context.Background(), b, opts)
	assert.ErrorIs(t, err, errWindow)
	assert.False(t, r.OK())
}

func TestOpenSharedChipSelect(t *testing.T) {
	cfg := config.Default()
	cfg.RTC.CS = cfg.Flash.CS
	_, err := Open(NewSimPlatform(cfg, testNow), cfg, nil)
	assert.Error(t, err)
}

func TestOpenZeroCapacity(t *testing.T) {
	cfg := config.Default()
	cfg.Flash.Capacity = 0
	_, err := Open(NewSimPlatform(cfg, testNow), cfg, nil)
	assert.Error(t, err)
}
