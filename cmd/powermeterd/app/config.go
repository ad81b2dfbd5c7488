package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dbarasti/PowerMeter/internal/meter"
	"github.com/dbarasti/PowerMeter/internal/modbus"
)

const (
	defaultBaudRate     = 9600
	defaultDataBits     = 8
	defaultStopBits     = 1
	defaultParity       = "N"
	defaultTimeout      = 2 * time.Second
	defaultInterDelay   = 200 * time.Millisecond
	defaultInterval     = 5 * time.Second
	defaultReadAttempts = 3
)

// Config represents the main application configuration
type Config struct {
	Settings    Settings          `yaml:"settings"`
	Bus         BusConfig         `yaml:"bus"`
	Devices     []DeviceConfig    `yaml:"devices"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Storage     StorageConfig     `yaml:"storage"`
}

// Duration wraps time.Duration so values like "500ms" and "2s" parse from
// YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration '%s'", value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// SlogLevel parses the configured log level, defaulting to INFO.
func (s Settings) SlogLevel() (slog.Level, error) {
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("settings: unknown log level '%s'", s.LogLevel)
	}
	return level, nil
}

// BusConfig represents the serial line shared by all meters
type BusConfig struct {
	Port              string   `yaml:"port"`
	BaudRate          uint     `yaml:"baudRate"`
	DataBits          uint     `yaml:"dataBits"`
	StopBits          uint     `yaml:"stopBits"`
	Parity            string   `yaml:"parity"`
	Timeout           Duration `yaml:"timeout"`
	InterRequestDelay Duration `yaml:"interRequestDelay"`
}

// DeviceConfig represents a single metered device on the bus
type DeviceConfig struct {
	Role    string        `yaml:"role"`
	Address byte          `yaml:"address"`
	Layout  *LayoutConfig `yaml:"layout"`
}

// LayoutConfig overrides the default register layout of a device
type LayoutConfig struct {
	Start           uint16  `yaml:"start"`
	Count           uint16  `yaml:"count"`
	PowerOffset     int     `yaml:"powerOffset"`
	VoltageOffset   int     `yaml:"voltageOffset"`
	FrequencyOffset int     `yaml:"frequencyOffset"`
	WordSwap        bool    `yaml:"wordSwap"`
	PowerScale      float64 `yaml:"powerScale"`
}

// AcquisitionConfig represents polling defaults for new sessions
type AcquisitionConfig struct {
	SampleInterval Duration `yaml:"sampleInterval"`
	ReadAttempts   int      `yaml:"readAttempts"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	config := Config{
		Bus: BusConfig{
			BaudRate:          defaultBaudRate,
			DataBits:          defaultDataBits,
			StopBits:          defaultStopBits,
			Parity:            defaultParity,
			Timeout:           Duration(defaultTimeout),
			InterRequestDelay: Duration(defaultInterDelay),
		},
		Acquisition: AcquisitionConfig{
			SampleInterval: Duration(defaultInterval),
			ReadAttempts:   defaultReadAttempts,
		},
	}
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err = config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if _, err := c.Settings.SlogLevel(); err != nil {
		return err
	}
	if c.Bus.Port == "" {
		return fmt.Errorf("bus: port is required")
	}
	if _, err := c.Bus.modbusConfig(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	if len(c.Devices) != 2 {
		return fmt.Errorf("devices: exactly two devices are required, got %d", len(c.Devices))
	}
	seenRoles := make(map[string]struct{}, len(c.Devices))
	seenAddrs := make(map[byte]struct{}, len(c.Devices))
	for _, device := range c.Devices {
		if _, err := device.meterDevice(); err != nil {
			return fmt.Errorf("device '%s': %w", device.Role, err)
		}
		if _, ok := seenRoles[device.Role]; ok {
			return fmt.Errorf("device '%s': duplicate role", device.Role)
		}
		if _, ok := seenAddrs[device.Address]; ok {
			return fmt.Errorf("device '%s': duplicate bus address %d", device.Role, device.Address)
		}
		seenRoles[device.Role] = struct{}{}
		seenAddrs[device.Address] = struct{}{}
	}

	if c.Acquisition.SampleInterval.Std() < time.Second {
		return fmt.Errorf("acquisition: sampleInterval must be at least 1s")
	}
	if c.Acquisition.ReadAttempts < 1 {
		return fmt.Errorf("acquisition: readAttempts must be positive")
	}
	return nil
}

func (c *BusConfig) modbusConfig() (modbus.Config, error) {
	cfg := modbus.Config{
		Port:     c.Port,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Timeout:  c.Timeout.Std(),
	}
	switch c.Parity {
	case "", "N":
		cfg.Parity = "none"
	case "E":
		cfg.Parity = "even"
	case "O":
		cfg.Parity = "odd"
	default:
		return cfg, fmt.Errorf("unknown parity '%s'", c.Parity)
	}
	return cfg, nil
}

func (c *DeviceConfig) meterDevice() (meter.Device, error) {
	layout := meter.DefaultLayout()
	if c.Layout != nil {
		layout = meter.Layout{
			Start:           c.Layout.Start,
			Count:           c.Layout.Count,
			PowerOffset:     c.Layout.PowerOffset,
			VoltageOffset:   c.Layout.VoltageOffset,
			FrequencyOffset: c.Layout.FrequencyOffset,
			WordSwap:        c.Layout.WordSwap,
			PowerScale:      c.Layout.PowerScale,
		}
	}

	device := meter.Device{
		Role:    meter.Role(c.Role),
		Address: c.Address,
		Layout:  layout,
	}
	if err := device.Validate(); err != nil {
		return meter.Device{}, err
	}
	return device, nil
}

// MeterDevices materializes the configured devices in bus read order.
func (c *Config) MeterDevices() ([]meter.Device, error) {
	devices := make([]meter.Device, 0, len(c.Devices))
	for _, deviceConfig := range c.Devices {
		device, err := deviceConfig.meterDevice()
		if err != nil {
			return nil, fmt.Errorf("device '%s': %w", deviceConfig.Role, err)
		}
		devices = append(devices, device)
	}
	return devices, nil
}
