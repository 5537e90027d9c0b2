package ferrylib

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the file-backed surface for everything tunable on a client or
// server. Zero fields fall back to the package defaults.
type Config struct {
	Addr      string `yaml:"addr"`
	Transport string `yaml:"transport"` // tcp, tcp4, tcp6 or quic

	Checksum    string `yaml:"checksum"` // none, crc32c or blake2b
	CompressMin int    `yaml:"compress_min"`

	DefaultCallTimeout   time.Duration `yaml:"default_call_timeout"`
	TimeoutCheckInterval time.Duration `yaml:"timeout_check_interval"`
	TimeoutFuzz          time.Duration `yaml:"timeout_fuzz"`

	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxFrameSize    uint32        `yaml:"max_frame_size"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) SetDefaults() {
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.DefaultCallTimeout <= 0 {
		c.DefaultCallTimeout = DefaultCallTimeout
	}
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	if c.TimeoutFuzz <= 0 {
		c.TimeoutFuzz = DefaultTimeoutFuzz
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = DefaultWriteBufferSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

func (c *Config) Validate() error {
	var allErrors []error

	switch c.Transport {
	case "tcp", "tcp4", "tcp6", "quic":
	default:
		allErrors = append(allErrors, fmt.Errorf("transport must be one of tcp, tcp4, tcp6 or quic, got %q", c.Transport))
	}
	if _, err := ParseChecksumKind(c.Checksum); err != nil {
		allErrors = append(allErrors, err)
	}
	if c.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Addr); err != nil {
			allErrors = append(allErrors, fmt.Errorf("invalid addr %q: %w", c.Addr, err))
		}
	}
	if c.TimeoutFuzz >= 2*c.TimeoutCheckInterval {
		allErrors = append(allErrors, fmt.Errorf(
			"timeout_fuzz %v must stay below twice timeout_check_interval %v", c.TimeoutFuzz, c.TimeoutCheckInterval))
	}
	if c.CompressMin < 0 {
		allErrors = append(allErrors, fmt.Errorf("compress_min must not be negative, got %d", c.CompressMin))
	}

	return errors.Join(allErrors...)
}

func (c *Config) ChecksumKind() ChecksumKind {
	kind, err := ParseChecksumKind(c.Checksum)
	if err != nil {
		return ChecksumNone
	}
	return kind
}

// Client builds a client for c.Addr. QUIC transports dial with a
// development TLS config; production callers wire their own Dial.
func (c *Config) Client() *Client {
	client := &Client{
		Addr: c.Addr,

		Checksum:    c.ChecksumKind(),
		CompressMin: c.CompressMin,

		CallTimeout:          c.DefaultCallTimeout,
		TimeoutCheckInterval: c.TimeoutCheckInterval,
		TimeoutFuzz:          c.TimeoutFuzz,

		ReadBufferSize:  c.ReadBufferSize,
		WriteBufferSize: c.WriteBufferSize,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		MaxFrameSize:    c.MaxFrameSize,

		DialTimeout: c.DialTimeout,
	}
	if c.Transport == "quic" {
		client.Dial = DialQUIC(c.Addr, InsecureTLSConfig(), DefaultQUICConfig())
	}
	return client
}

func (c *Config) Server() *Server {
	return &Server{
		Checksum:    c.ChecksumKind(),
		CompressMin: c.CompressMin,

		CallTimeout:          c.DefaultCallTimeout,
		TimeoutCheckInterval: c.TimeoutCheckInterval,
		TimeoutFuzz:          c.TimeoutFuzz,

		ReadBufferSize:  c.ReadBufferSize,
		WriteBufferSize: c.WriteBufferSize,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		MaxFrameSize:    c.MaxFrameSize,
	}
}

// Bind returns the bind for c.Addr on the configured transport, in the
// shape Server.BindAddrs wants. QUIC listens with a development TLS config;
// production callers bind their own ListenQUIC.
func (c *Config) Bind() BindFunc {
	switch c.Transport {
	case "quic":
		return func() (net.Listener, error) {
			tlsConf, err := SelfSignedTLSConfig()
			if err != nil {
				return nil, err
			}
			return ListenQUIC(c.Addr, tlsConf, DefaultQUICConfig())
		}
	case "tcp4":
		return BindTCPv4(c.Addr)
	case "tcp6":
		return BindTCPv6(c.Addr)
	default:
		return BindTCP(c.Addr)
	}
}

// Listen binds c.Addr on the configured transport.
func (c *Config) Listen() (net.Listener, error) {
	return c.Bind()()
}
