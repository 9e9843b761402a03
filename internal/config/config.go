// Copyright (c) 2025 Li Jinling. All rights reserved.
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

	"github.com/ffutop/gomodbus/databank"
	"github.com/ffutop/gomodbus/databank/persistence"
)

// Config defines the global configuration structure
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// ServerConfig defines the local Modbus server and the transports it listens on.
type ServerConfig struct {
	Listen      string             `mapstructure:"listen"` // default TCP upstream when none is configured
	MaxConns    int                `mapstructure:"max_conns"`
	IdleTimeout time.Duration      `mapstructure:"idle_timeout"`
	UnitID      byte               `mapstructure:"unit_id"` // 0 answers every unit
	Tables      databank.Layout    `mapstructure:"tables"`
	Persistence persistence.Config `mapstructure:"persistence"`
	Upstreams   []UpstreamConfig   `mapstructure:"upstreams"`
}

// UpstreamConfig defines a master connecting to the server
type UpstreamConfig struct {
	Type   string       `mapstructure:"type"`   // "tcp", "rtu-over-tcp", "rtu", "udp", "rtu-over-udp"
	Tcp    TcpConfig    `mapstructure:"tcp"`    // Used by the network types
	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "rtu"
}

// ClientConfig defines the device the poll command talks to.
type ClientConfig struct {
	Type           string        `mapstructure:"type"` // "tcp", "rtu", "rtu-over-tcp", "rtu-over-udp", "tcp-over-udp"
	UnitID         byte          `mapstructure:"unit_id"`
	Tcp            TcpConfig     `mapstructure:"tcp"`
	Serial         SerialConfig  `mapstructure:"serial"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Pause          time.Duration `mapstructure:"pause"`
	KeepConnection bool          `mapstructure:"keep_connection"`
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address      string        `mapstructure:"address"`       // e.g. "0.0.0.0:502" or "192.168.1.100:502"
	LocalAddress string        `mapstructure:"local_address"` // optional client bind address
	ConnectPause time.Duration `mapstructure:"connect_pause"` // wait before (re)connecting
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Driver    string        `mapstructure:"driver"` // "gridx" (default) or "bugst"
	Device    string        `mapstructure:"device"`
	BaudRate  int           `mapstructure:"baud_rate"`
	DataBits  int           `mapstructure:"data_bits"`
	Parity    string        `mapstructure:"parity"`
	StopBits  int           `mapstructure:"stop_bits"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RqstPause time.Duration `mapstructure:"rqst_pause"` // Pause between requests

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-file":   "log.file",
	"listen":     "server.listen",
	"max-conns":  "server.max_conns",
	"type":       "client.type",
	"unit":       "client.unit_id",
	"address":    "client.tcp.address",
	"device":     "client.serial.device",
	"baud-rate":  "client.serial.baud_rate",
	"driver":     "client.serial.driver",
	"timeout":    "client.timeout",
	"pause":      "client.pause",
	"keep-alive": "client.keep_connection",
}

// Flags registers the command line overrides on fs.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log-file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	fs.StringP("listen", "A", "0.0.0.0:502", "TCP address to serve on when no upstream is configured.")
	fs.IntP("max-conns", "C", 10, "Maximum number of simultaneous TCP connections.")
	fs.StringP("type", "t", "tcp", "Client transport (tcp, rtu, rtu-over-tcp, rtu-over-udp, tcp-over-udp).")
	fs.Uint8P("unit", "u", 1, "Unit id addressed by the client.")
	fs.StringP("address", "a", "127.0.0.1:502", "Remote address for network transports.")
	fs.StringP("device", "p", "/dev/ttyUSB0", "Serial port device name.")
	fs.IntP("baud-rate", "s", 19200, "Serial port speed.")
	fs.String("driver", "gridx", "Serial driver (gridx, bugst).")
	fs.DurationP("timeout", "W", time.Second, "Response wait time.")
	fs.DurationP("pause", "R", 0, "Pause before each request.")
	fs.Bool("keep-alive", true, "Keep the connection open between requests.")
}

// LoadConfig loads configuration from the file named by the "config" flag
// (or the default search path) with flags from fs taking precedence.
// fs may be nil.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("server.listen", "0.0.0.0:502")
	v.SetDefault("server.max_conns", 10)
	v.SetDefault("client.type", "tcp")
	v.SetDefault("client.unit_id", 1)
	v.SetDefault("client.tcp.address", "127.0.0.1:502")
	v.SetDefault("client.timeout", time.Second)
	v.SetDefault("client.keep_connection", true)
	for _, kind := range []string{"coils", "discrete_inputs", "holding_registers", "input_registers"} {
		v.SetDefault("server.tables."+kind+".start", 0)
		v.SetDefault("server.tables."+kind+".count", 100)
	}

	configFile := ""
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
		configFile, _ = fs.GetString("config")
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusd/")
		v.AddConfigPath("$HOME/.modbusd")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// Flags alone are a valid configuration.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	if len(config.Server.Upstreams) == 0 {
		config.Server.Upstreams = []UpstreamConfig{{Type: "tcp", Tcp: TcpConfig{Address: config.Server.Listen}}}
	}
	for i := range config.Server.Upstreams {
		fixupSerial(&config.Server.Upstreams[i].Serial)
	}
	fixupSerial(&config.Client.Serial)
	if config.Server.MaxConns <= 0 {
		return nil, fmt.Errorf("invalid server.max_conns %d", config.Server.MaxConns)
	}

	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.Driver == "" {
		s.Driver = "gridx"
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
		s.Timeout = 500 * time.Millisecond
	}
	if s.RqstPause == 0 {
		s.RqstPause = 100 * time.Millisecond
	}
}
