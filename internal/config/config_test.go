// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ffutop/modbus-serial/modbus"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func load(t *testing.T, content string, args ...string) (*Config, error) {
	t.Helper()
	fs := Flags()
	if err := fs.Parse(append([]string{"-c", writeConfig(t, content)}, args...)); err != nil {
		t.Fatal(err)
	}
	return LoadConfig(fs)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := load(t, `
links:
  - serial:
      device: /dev/ttyUSB0
`)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("log level %q, metrics path %q", cfg.Log.Level, cfg.Metrics.Path)
	}

	l := cfg.Links[0]
	if l.Name != "link0" || l.Mode != ModeRTU || l.Transport != TransportSerial {
		t.Errorf("name %q, mode %q, transport %q", l.Name, l.Mode, l.Transport)
	}
	if l.Tick != 100*time.Microsecond || l.ASCIITimeout != time.Second {
		t.Errorf("tick %v, ascii timeout %v", l.Tick, l.ASCIITimeout)
	}
	s := l.Serial
	if s.BaudRate != 19200 || s.DataBits != 8 || s.Parity != "E" || s.StopBits != 1 || s.Timeout != 100*time.Millisecond {
		t.Errorf("serial defaults = %+v", s)
	}
	if l.Registers.Coils != DefaultRegisterCount || l.Registers.InputRegisters != DefaultRegisterCount {
		t.Errorf("registers = %+v", l.Registers)
	}
}

func TestLoadConfigLinks(t *testing.T) {
	cfg, err := load(t, `
log:
  level: warn
metrics:
  address: 127.0.0.1:9100
links:
  - name: meter
    mode: ASCII
    slave_id: 17
    ascii_timeout: 250ms
    serial:
      device: /dev/ttyS1
      baud_rate: 9600
      parity: n
      rs485: true
      delay_rts_before_send: 2ms
    registers:
      holding_registers: 100
  - name: bridge
    transport: tcp
    tcp:
      address: 0.0.0.0:5020
`)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Log.Level != "warn" || cfg.Metrics.Address != "127.0.0.1:9100" {
		t.Errorf("log %+v, metrics %+v", cfg.Log, cfg.Metrics)
	}
	if len(cfg.Links) != 2 {
		t.Fatalf("links = %d, want 2", len(cfg.Links))
	}
	m := cfg.Links[0]
	if m.Mode != ModeASCII || m.SlaveID != 17 || m.ASCIITimeout != 250*time.Millisecond {
		t.Errorf("meter = %+v", m)
	}
	if m.Serial.Parity != "N" || m.Serial.BaudRate != 9600 || !m.Serial.RS485 || m.Serial.DelayRtsBeforeSend != 2*time.Millisecond {
		t.Errorf("meter serial = %+v", m.Serial)
	}
	if m.Registers.HoldingRegisters != 100 || m.Registers.Coils != DefaultRegisterCount {
		t.Errorf("meter registers = %+v", m.Registers)
	}
	if b := cfg.Links[1]; b.Transport != TransportTCP || b.Tcp.Address != "0.0.0.0:5020" {
		t.Errorf("bridge = %+v", b)
	}
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	cfg, err := load(t, `
log:
  level: warn
links:
  - serial:
      device: /dev/ttyUSB0
`, "-v", "debug", "--metrics-address", ":9200")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Metrics.Address != ":9200" {
		t.Errorf("log level %q, metrics address %q", cfg.Log.Level, cfg.Metrics.Address)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"NoLinks", "log:\n  level: info\n", "no links"},
		{"Mode", "links:\n  - mode: tcp\n    serial:\n      device: /dev/ttyS0\n", "unknown mode"},
		{"SlaveID", "links:\n  - slave_id: 248\n    serial:\n      device: /dev/ttyS0\n", "slave_id"},
		{"NoDevice", "links:\n  - mode: rtu\n", "serial.device"},
		{"NoAddress", "links:\n  - transport: tcp\n", "tcp.address"},
		{"Transport", "links:\n  - transport: udp\n", "unknown transport"},
		{"Parity", "links:\n  - serial:\n      device: /dev/ttyS0\n      parity: x\n", "parity"},
		{"Duplicate", "links:\n  - name: a\n    serial:\n      device: /dev/ttyS0\n  - name: a\n    serial:\n      device: /dev/ttyS1\n", "duplicate"},
		{"BufferRTU", "links:\n  - buffer_size: 600\n    serial:\n      device: /dev/ttyS0\n", "buffer_size"},
		{"BufferASCII", "links:\n  - mode: ascii\n    buffer_size: 255\n    serial:\n      device: /dev/ttyS0\n", "buffer_size"},
		{"BufferNegative", "links:\n  - buffer_size: -1\n    serial:\n      device: /dev/ttyS0\n", "buffer_size"},
		{"Registers", "links:\n  - serial:\n      device: /dev/ttyS0\n    registers:\n      coils: 70000\n", "register count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.content)
			if !errors.Is(err, modbus.ErrConfig) {
				t.Fatalf("LoadConfig() error = %v, want ErrConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	fs := Flags()
	if err := fs.Parse([]string{"-c", filepath.Join(t.TempDir(), "missing.yaml")}); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(fs); err == nil {
		t.Error("LoadConfig() succeeded without a config file")
	}
}
