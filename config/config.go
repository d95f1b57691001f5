// Package config loads the YAML board description used by the bring-up and
// console programs.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soypat/spiflash/nor"
)

// Duration is a time.Duration encoded in YAML as a string such as "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Bus selects the host SPI port.
type Bus struct {
	// Port is the periph spireg name, for example "/dev/spidev0.0" or "SPI0.0".
	// Empty selects the first registered port.
	Port string `yaml:"port"`
	// MaxHz caps the rate of every device on the bus.
	MaxHz uint32 `yaml:"max_hz"`
}

// Chip is a device on the bus.
type Chip struct {
	// CS is the logical chip select number used for arbitration and logging.
	CS uint8 `yaml:"cs"`
	// Pin is the GPIO driving chip select, by periph gpioreg name.
	Pin string `yaml:"pin"`
	Hz  uint32 `yaml:"hz"`
}

// Flash describes the NOR part.
type Flash struct {
	Chip           `yaml:",inline"`
	PageSize       uint32   `yaml:"page_size"`
	SectorSize     uint32   `yaml:"sector_size"`
	Capacity       uint32   `yaml:"capacity"`
	AddrWidth      uint8    `yaml:"addr_width"`
	PollInterval   Duration `yaml:"poll_interval"`
	ProgramTimeout Duration `yaml:"program_timeout"`
	EraseTimeout   Duration `yaml:"erase_timeout"`
}

// Geometry returns the nor.Geometry described by f.
func (f Flash) Geometry() nor.Geometry {
	g := nor.DefaultGeometry()
	g.PageSize = f.PageSize
	g.SectorSize = f.SectorSize
	g.Capacity = f.Capacity
	g.AddrWidth = f.AddrWidth
	return g
}

// Probe holds the bring-up addresses.
type Probe struct {
	// Addr and Len define the window printed before and after each step.
	Addr uint32 `yaml:"addr"`
	Len  int    `yaml:"len"`
	// WriteAddr is where the RTC seconds are programmed. The sector holding it
	// is erased first.
	WriteAddr uint32 `yaml:"write_addr"`
	// RTCIDRegister is read and reported as the RTC ID.
	RTCIDRegister uint8 `yaml:"rtc_id_register"`
}

// MQTT is an optional report destination. An empty Broker disables it.
type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

// Board is the complete board description.
type Board struct {
	Bus   Bus   `yaml:"bus"`
	Flash Flash `yaml:"flash"`
	RTC   Chip  `yaml:"rtc"`
	Probe Probe `yaml:"probe"`
	MQTT  MQTT  `yaml:"mqtt"`
}

// Default returns the reference board: flash on CS0 and AM1815 on CS3 at
// 2MHz, probing 15 bytes at 0x04 and writing at 0x05.
func Default() Board {
	g := nor.DefaultGeometry()
	return Board{
		Bus: Bus{MaxHz: 8_000_000},
		Flash: Flash{
			Chip:           Chip{CS: 0, Pin: "GPIO8", Hz: 2_000_000},
			PageSize:       g.PageSize,
			SectorSize:     g.SectorSize,
			Capacity:       g.Capacity,
			AddrWidth:      g.AddrWidth,
			PollInterval:   Duration(time.Millisecond),
			ProgramTimeout: Duration(10 * time.Millisecond),
			EraseTimeout:   Duration(500 * time.Millisecond),
		},
		RTC: Chip{CS: 3, Pin: "GPIO7", Hz: 2_000_000},
		Probe: Probe{
			Addr:          0x04,
			Len:           15,
			WriteAddr:     0x05,
			RTCIDRegister: 0x28,
		},
		MQTT: MQTT{ClientID: "flashdiag", Topic: "flashdiag/report"},
	}
}

// Parse decodes a YAML board description over Default. Fields absent from
// data keep their default value.
func Parse(data []byte) (Board, error) {
	b := Default()
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Board{}, err
	}
	return b, b.Validate()
}

// Load reads and parses the file at path.
func Load(path string) (Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Board{}, err
	}
	return Parse(data)
}

// Validate checks the description is usable.
func (b Board) Validate() error {
	var errs []error
	if err := b.Flash.Geometry().Validate(); err != nil {
		errs = append(errs, err)
	}
	if b.Flash.Capacity < b.Flash.SectorSize {
		errs = append(errs, errors.New("config: flash capacity smaller than one sector"))
	}
	if b.Flash.CS == b.RTC.CS {
		errs = append(errs, errors.New("config: flash and rtc share chip select"))
	}
	if b.Flash.Hz == 0 || b.RTC.Hz == 0 {
		errs = append(errs, errors.New("config: zero clock rate"))
	}
	if b.Bus.MaxHz != 0 && (b.Flash.Hz > b.Bus.MaxHz || b.RTC.Hz > b.Bus.MaxHz) {
		errs = append(errs, errors.New("config: device clock above bus max_hz"))
	}
	if b.Probe.Len <= 0 {
		errs = append(errs, errors.New("config: probe len must be positive"))
	}
	if b.Probe.WriteAddr < b.Probe.Addr || int(b.Probe.WriteAddr-b.Probe.Addr)+8 > b.Probe.Len {
		errs = append(errs, errors.New("config: probe window must contain the 8 byte write at write_addr"))
	}
	if b.Probe.RTCIDRegister > 0x7f {
		errs = append(errs, errors.New("config: rtc_id_register out of range"))
	}
	if b.MQTT.Broker != "" && b.MQTT.Topic == "" {
		errs = append(errs, errors.New("config: mqtt broker without topic"))
	}
	return errors.Join(errs...)
}

// Marshal encodes b as YAML.
func (b Board) Marshal() ([]byte, error) { return yaml.Marshal(b) }
