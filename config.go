// SPDX-License-Identifier: GPL-3.0-or-later

package uknet

import (
	"fmt"
	"math/bits"
	"net/netip"
	"strings"
	"time"

	"gvisor.dev/gvisor/pkg/log"
)

// Default values used by [NewConfig].
const (
	DefaultAddress          = "10.0.5.3"
	DefaultGateway          = "10.0.5.1"
	DefaultNetmask          = "255.255.255.0"
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultParkThreshold    = time.Millisecond
	DefaultConnectTimeout   = 5000 * time.Millisecond
	DefaultSocketBufferSize = 65535
	DefaultListenBacklog    = 16
	DefaultRxBudget         = 64
	DefaultTxQueueLength    = 256
)

// Environment variables read by [LoadConfig].
const (
	EnvAddress  = "UKNET_IP"
	EnvGateway  = "UKNET_GATEWAY"
	EnvNetmask  = "UKNET_MASK"
	EnvLogLevel = "UKNET_LOG_LEVEL"
)

// Config contains the network configuration.
//
// Construct using [NewConfig] or [LoadConfig].
type Config struct {
	// Address is the IPv4 address of the interface.
	Address netip.Addr

	// Gateway is the IPv4 address of the default gateway.
	Gateway netip.Addr

	// Netmask is the IPv4 netmask of the local subnet.
	Netmask netip.Addr

	// PollInterval is the delay until the next poll when the engine is idle.
	PollInterval time.Duration

	// ParkThreshold is the smallest delay for which a blocked caller parks its thread.
	ParkThreshold time.Duration

	// ConnectTimeout bounds connects invoked without an explicit timeout.
	ConnectTimeout time.Duration

	// SocketBufferSize is the send and receive buffer size of each socket.
	SocketBufferSize int

	// ListenBacklog is the backlog of listening sockets.
	ListenBacklog int

	// RxBudget is the maximum number of frames received per poll.
	RxBudget int

	// TxQueueLength is the number of outbound frames buffered between polls.
	TxQueueLength int

	// LogLevel is the log level applied by [*Config.ApplyLogLevel].
	LogLevel log.Level

	// Trace, if not nil, receives a copy of every frame.
	Trace *PcapTrace
}

// ConfigOption is an option for [NewConfig] and [LoadConfig].
type ConfigOption func(cfg *Config)

// ConfigOptionAddress sets the interface address, gateway, and netmask.
func ConfigOptionAddress(addr, gateway, netmask netip.Addr) ConfigOption {
	return func(cfg *Config) {
		cfg.Address = addr
		cfg.Gateway = gateway
		cfg.Netmask = netmask
	}
}

// ConfigOptionPollInterval sets the idle poll interval.
func ConfigOptionPollInterval(d time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.PollInterval = d
	}
}

// ConfigOptionParkThreshold sets the smallest delay worth parking a thread.
func ConfigOptionParkThreshold(d time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.ParkThreshold = d
	}
}

// ConfigOptionConnectTimeout sets the default connect timeout.
func ConfigOptionConnectTimeout(d time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.ConnectTimeout = d
	}
}

// ConfigOptionSocketBufferSize sets the send and receive buffer size of each socket.
func ConfigOptionSocketBufferSize(size int) ConfigOption {
	return func(cfg *Config) {
		cfg.SocketBufferSize = size
	}
}

// ConfigOptionTrace sets the [*PcapTrace] receiving every frame.
func ConfigOptionTrace(tr *PcapTrace) ConfigOption {
	return func(cfg *Config) {
		cfg.Trace = tr
	}
}

// NewConfig returns a [*Config] with default values modified by options.
func NewConfig(options ...ConfigOption) *Config {
	cfg := &Config{
		Address:          netip.MustParseAddr(DefaultAddress),
		Gateway:          netip.MustParseAddr(DefaultGateway),
		Netmask:          netip.MustParseAddr(DefaultNetmask),
		PollInterval:     DefaultPollInterval,
		ParkThreshold:    DefaultParkThreshold,
		ConnectTimeout:   DefaultConnectTimeout,
		SocketBufferSize: DefaultSocketBufferSize,
		ListenBacklog:    DefaultListenBacklog,
		RxBudget:         DefaultRxBudget,
		TxQueueLength:    DefaultTxQueueLength,
		LogLevel:         log.Info,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// LoadConfig builds a [*Config] from environment variables looked up
// using getenv, falling back to the defaults for unset variables.
//
// The options are applied after reading the environment.
func LoadConfig(getenv func(string) string, options ...ConfigOption) (*Config, error) {
	cfg := NewConfig()
	for _, entry := range []struct {
		name string
		addr *netip.Addr
	}{
		{EnvAddress, &cfg.Address},
		{EnvGateway, &cfg.Gateway},
		{EnvNetmask, &cfg.Netmask},
	} {
		value := strings.TrimSpace(getenv(entry.name))
		if value == "" {
			continue
		}
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrIllegal, entry.name, err.Error())
		}
		*entry.addr = addr
	}
	if value := getenv(EnvLogLevel); value != "" {
		level, err := ParseLogLevel(value)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}
	for _, opt := range options {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseLogLevel parses warning, info, or debug (case insensitive).
func ParseLogLevel(value string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "warning", "warn", "error", "off":
		return log.Warning, nil
	case "info":
		return log.Info, nil
	case "debug", "trace":
		return log.Debug, nil
	default:
		return log.Info, fmt.Errorf("%w: unknown log level %q", ErrIllegal, value)
	}
}

// ApplyLogLevel sets the process-wide log level.
func (cfg *Config) ApplyLogLevel() {
	log.SetLevel(cfg.LogLevel)
}

// PrefixLen returns the prefix length corresponding to the netmask.
func (cfg *Config) PrefixLen() (int, error) {
	if !cfg.Netmask.Is4() {
		return 0, fmt.Errorf("%w: netmask %s is not IPv4", ErrIllegal, cfg.Netmask)
	}
	raw := cfg.Netmask.As4()
	mask := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	ones := bits.LeadingZeros32(^mask)
	if bits.TrailingZeros32(mask) != 32-ones {
		return 0, fmt.Errorf("%w: netmask %s is not contiguous", ErrIllegal, cfg.Netmask)
	}
	return ones, nil
}

// Prefix returns the local subnet.
func (cfg *Config) Prefix() (netip.Prefix, error) {
	ones, err := cfg.PrefixLen()
	if err != nil {
		return netip.Prefix{}, err
	}
	return cfg.Address.Prefix(ones)
}

// Validate checks the addressing configuration.
func (cfg *Config) Validate() error {
	if !cfg.Address.Is4() || cfg.Address.IsUnspecified() || cfg.Address.IsMulticast() {
		return fmt.Errorf("%w: address %s", ErrIllegal, cfg.Address)
	}
	if !cfg.Gateway.Is4() {
		return fmt.Errorf("%w: gateway %s", ErrIllegal, cfg.Gateway)
	}
	_, err := cfg.PrefixLen()
	return err
}
