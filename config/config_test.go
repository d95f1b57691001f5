package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	b := Default()
	require.NoError(t, b.Validate())
	assert.Equal(t, uint32(2_000_000), b.Flash.Hz)
	assert.Equal(t, uint32(0x04), b.Probe.Addr)
	assert.Equal(t, 15, b.Probe.Len)
	assert.Equal(t, uint32(0x05), b.Probe.WriteAddr)
	assert.Equal(t, uint8(0x28), b.Probe.RTCIDRegister)
	assert.NoError(t, b.Flash.Geometry().Validate())
}

const boardYAML = `
bus:
  port: /dev/spidev0.0
flash:
  cs: 1
  pin: GPIO25
  hz: 4000000
  capacity: 8388608
  erase_timeout: 2s
rtc:
  cs: 2
probe:
  addr: 0x1000
  len: 32
  write_addr: 0x1008
mqtt:
  broker: localhost:1883
`

func TestParse(t *testing.T) {
	b, err := Parse([]byte(boardYAML))
	require.NoError(t, err)
	assert.Equal(t, "/dev/spidev0.0", b.Bus.Port)
	assert.Equal(t, uint8(1), b.Flash.CS)
	assert.Equal(t, "GPIO25", b.Flash.Pin)
	assert.Equal(t, uint32(4_000_000), b.Flash.Hz)
	assert.Equal(t, uint32(8<<20), b.Flash.Geometry().Capacity)
	assert.Equal(t, Duration(2*time.Second), b.Flash.EraseTimeout)
	// Unset fields keep defaults.
	assert.Equal(t, Duration(10*time.Millisecond), b.Flash.ProgramTimeout)
	assert.Equal(t, uint32(256), b.Flash.PageSize)
	assert.Equal(t, "GPIO7", b.RTC.Pin)
	assert.Equal(t, uint8(2), b.RTC.CS)
	assert.Equal(t, uint32(0x1000), b.Probe.Addr)
	assert.Equal(t, "flashdiag/report", b.MQTT.Topic)
}

func TestParseInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"shared cs":     "rtc: {cs: 0}",
		"bad duration":  "flash: {erase_timeout: soon}",
		"bad page":      "flash: {page_size: 100}",
		"short probe":   "probe: {len: 4}",
		"write before":  "probe: {addr: 0x10, write_addr: 0x08}",
		"too fast":      "bus: {max_hz: 1000000}",
		"no topic":      "mqtt: {broker: localhost:1883, topic: ''}",
		"zero capacity": "flash: {capacity: 0}",
		"tiny capacity": "flash: {capacity: 2048}",
	} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	want := Default()
	want.Flash.EraseTimeout = Duration(750 * time.Millisecond)
	data, err := want.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "board.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
