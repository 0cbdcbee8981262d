// Package config loads the agent's YAML configuration file and maps it
// onto the engine, radio and adapter configuration structs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agsys/lorawan-enddevice/internal/device"
	"github.com/agsys/lorawan-enddevice/internal/engine"
	"github.com/agsys/lorawan-enddevice/internal/region"
)

// Config represents the configuration file structure
type Config struct {
	Device struct {
		DevEUI string `yaml:"dev_eui"`
		AppEUI string `yaml:"app_eui"`
		AppKey string `yaml:"app_key"`
		Region string `yaml:"region"`
	} `yaml:"device"`

	Radio struct {
		// Driver selects "sx126x" (hardware) or "concentratord" (bench).
		Driver   string `yaml:"driver"`
		SPIBus   string `yaml:"spi_bus"`
		SPICS    string `yaml:"spi_cs"`
		ResetPin string `yaml:"reset_pin"`
		BusyPin  string `yaml:"busy_pin"`
		IRQPin   string `yaml:"irq_pin"`    // empty disables
		TxEnPin  string `yaml:"tx_en_pin"`  // empty if not present
		RxEnPin  string `yaml:"rx_en_pin"`  // empty if not present
		TxPower  int8   `yaml:"tx_power"`

		EventURL   string `yaml:"event_url"`   // concentratord only
		CommandURL string `yaml:"command_url"` // concentratord only
	} `yaml:"radio"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Adapter struct {
		EventURL    string `yaml:"event_url"`    // ZeroMQ PUB for callbacks
		RequestURL  string `yaml:"request_url"`  // ZeroMQ REP for transmit intake
		StatusAddr  string `yaml:"status_addr"`  // websocket status feed listen address
	} `yaml:"adapter"`

	Timing struct {
		RejoinIntervalHours int `yaml:"rejoin_interval_hours"`
	} `yaml:"timing"`

	Logging struct {
		Level int `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// ParseRegion maps the config file's region string onto a region value.
func ParseRegion(s string) (region.Region, error) {
	switch s {
	case "", "EU868", "eu868":
		return region.EU868, nil
	case "US915", "us915":
		return region.US915, nil
	default:
		return 0, fmt.Errorf("config: unknown region %q", s)
	}
}

// EngineConfig validates the device section and assembles an engine
// configuration from it, leaving unset fields at their defaults.
func (c *Config) EngineConfig() (engine.Config, error) {
	ecfg := engine.DefaultConfig()

	if c.Device.DevEUI == "" {
		return ecfg, fmt.Errorf("config: device.dev_eui is required")
	}
	devEUI, err := device.ParseDevEUI(c.Device.DevEUI)
	if err != nil {
		return ecfg, err
	}
	appEUI, err := device.ParseDevEUI(c.Device.AppEUI)
	if err != nil {
		return ecfg, fmt.Errorf("config: device.app_eui: %w", err)
	}
	appKey, err := device.ParseAppKey(c.Device.AppKey)
	if err != nil {
		return ecfg, err
	}
	reg, err := ParseRegion(c.Device.Region)
	if err != nil {
		return ecfg, err
	}

	ecfg.DevEUI = devEUI
	ecfg.AppEUI = appEUI
	ecfg.AppKey = appKey
	ecfg.Region = reg

	if c.Database.Path != "" {
		ecfg.DatabasePath = c.Database.Path
	}
	if c.Radio.TxPower != 0 {
		ecfg.TxPower = c.Radio.TxPower
	}
	if c.Timing.RejoinIntervalHours > 0 {
		ecfg.PeriodicRejoinInterval = time.Duration(c.Timing.RejoinIntervalHours) * time.Hour
	}

	return ecfg, nil
}
