// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ffutop/modbus-serial/modbus"
	"github.com/ffutop/modbus-serial/modbus/ascii"
	"github.com/ffutop/modbus-serial/modbus/rtu"
)

const (
	ModeRTU   = "rtu"
	ModeASCII = "ascii"

	TransportSerial = "serial"
	TransportTCP    = "tcp"

	// MaxSlaveID is the highest station address a slave may use.
	MaxSlaveID = 247

	DefaultRegisterCount = 65536
)

// Config defines the global configuration structure
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Links   []LinkConfig  `mapstructure:"links"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// MetricsConfig defines the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address string `mapstructure:"address"` // e.g. "0.0.0.0:9100"
	Path    string `mapstructure:"path"`
}

// LinkConfig defines one serial line served by a slave station.
type LinkConfig struct {
	Name      string `mapstructure:"name"`
	Mode      string `mapstructure:"mode"`      // "rtu", "ascii"
	SlaveID   int    `mapstructure:"slave_id"`  // 0 answers every address
	Transport string `mapstructure:"transport"` // "serial", "tcp"

	BufferSize   int           `mapstructure:"buffer_size"`   // 0 uses the framer default
	Tick         time.Duration `mapstructure:"tick"`          // clock resolution
	ASCIITimeout time.Duration `mapstructure:"ascii_timeout"` // inter-character timeout, ASCII only

	Serial    SerialConfig   `mapstructure:"serial"`
	Tcp       TcpConfig      `mapstructure:"tcp"`
	Registers RegisterConfig `mapstructure:"registers"`
}

// RegisterConfig sizes the in-memory data model of a link.
type RegisterConfig struct {
	Coils            int `mapstructure:"coils"`
	DiscreteInputs   int `mapstructure:"discrete_inputs"`
	HoldingRegisters int `mapstructure:"holding_registers"`
	InputRegisters   int `mapstructure:"input_registers"`
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string `mapstructure:"address"` // e.g. "0.0.0.0:5020"
}

// SerialConfig defines serial line settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"` // read poll interval of the driver

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// Flags returns the command line flags LoadConfig understands.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("modbus-serial", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log-file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	fs.StringP("metrics-address", "m", "", "Address to serve Prometheus metrics on.")
	return fs
}

// LoadConfig loads configuration from the file named by the "config" flag,
// or from the default search path. Flags that were set override the file.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	var configFile string
	if flags != nil {
		configFile, _ = flags.GetString("config")
		for key, name := range map[string]string{
			"log.level":       "log-level",
			"log.file":        "log-file",
			"metrics.address": "metrics-address",
		} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-serial/")
		v.AddConfigPath("$HOME/.modbus-serial")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.path", "/metrics")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: no config file found: %w", modbus.ErrConfig, err)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range config.Links {
		fixupLink(i, &config.Links[i])
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func fixupLink(i int, l *LinkConfig) {
	if l.Name == "" {
		l.Name = fmt.Sprintf("link%d", i)
	}
	l.Mode = strings.ToLower(l.Mode)
	if l.Mode == "" {
		l.Mode = ModeRTU
	}
	l.Transport = strings.ToLower(l.Transport)
	if l.Transport == "" {
		l.Transport = TransportSerial
	}
	if l.Tick == 0 {
		l.Tick = 100 * time.Microsecond
	}
	if l.ASCIITimeout == 0 {
		l.ASCIITimeout = time.Second
	}
	fixupRegisters(&l.Registers)
	fixupSerial(&l.Serial)
}

func fixupRegisters(r *RegisterConfig) {
	for _, n := range []*int{&r.Coils, &r.DiscreteInputs, &r.HoldingRegisters, &r.InputRegisters} {
		if *n == 0 {
			*n = DefaultRegisterCount
		}
	}
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "E"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 100 * time.Millisecond
	}
}

// Validate reports the first setting no station can run with.
func (c *Config) Validate() error {
	if len(c.Links) == 0 {
		return fmt.Errorf("%w: no links configured", modbus.ErrConfig)
	}
	names := make(map[string]bool, len(c.Links))
	for i := range c.Links {
		l := &c.Links[i]
		if names[l.Name] {
			return fmt.Errorf("%w: duplicate link name %q", modbus.ErrConfig, l.Name)
		}
		names[l.Name] = true
		if err := l.Validate(); err != nil {
			return fmt.Errorf("link %q: %w", l.Name, err)
		}
	}
	return nil
}

// Validate checks a link after fixups were applied.
func (l *LinkConfig) Validate() error {
	switch l.Mode {
	case ModeRTU, ModeASCII:
	default:
		return fmt.Errorf("%w: unknown mode %q", modbus.ErrConfig, l.Mode)
	}
	if l.SlaveID < 0 || l.SlaveID > MaxSlaveID {
		return fmt.Errorf("%w: slave_id %d out of range 0-%d", modbus.ErrConfig, l.SlaveID, MaxSlaveID)
	}
	maxBuffer := rtu.DefaultBufferSize
	if l.Mode == ModeASCII {
		maxBuffer = ascii.DefaultBufferSize
	}
	if l.BufferSize < 0 || l.BufferSize > maxBuffer {
		return fmt.Errorf("%w: buffer_size %d out of range 0-%d", modbus.ErrConfig, l.BufferSize, maxBuffer)
	}
	if l.Tick < time.Microsecond {
		return fmt.Errorf("%w: tick %v below 1µs", modbus.ErrConfig, l.Tick)
	}
	switch l.Transport {
	case TransportSerial:
		if l.Serial.Device == "" {
			return fmt.Errorf("%w: serial.device is required", modbus.ErrConfig)
		}
		switch l.Serial.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("%w: unknown parity %q", modbus.ErrConfig, l.Serial.Parity)
		}
	case TransportTCP:
		if l.Tcp.Address == "" {
			return fmt.Errorf("%w: tcp.address is required", modbus.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", modbus.ErrConfig, l.Transport)
	}
	r := l.Registers
	for _, n := range []int{r.Coils, r.DiscreteInputs, r.HoldingRegisters, r.InputRegisters} {
		if n < 0 || n > DefaultRegisterCount {
			return fmt.Errorf("%w: register count %d out of range", modbus.ErrConfig, n)
		}
	}
	return nil
}
