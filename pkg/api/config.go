package api

import (
	"time"

	"github.com/qabelwerk/blockd/internal/bytesize"
)

// DefaultMaxBodySize caps uploads at 100 MiB unless configured otherwise.
const DefaultMaxBodySize = 100 * bytesize.MiB

// APIConfig contains the HTTP server configuration.
type APIConfig struct {
	// Port is the TCP port to listen on.
	Port int `mapstructure:"port" yaml:"port"`

	// MaxBodySize is the upload byte cap. Accepts plain numbers and sizes
	// like "100MiB".
	MaxBodySize bytesize.ByteSize `mapstructure:"max_body_size" yaml:"max_body_size"`

	// ReadTimeout bounds reading the request headers and body.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds writing the response. The default stays zero
	// because downloads and websockets are long-lived.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout bounds keep-alive connections.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Populated from the top-level
	// shutdown_timeout setting.
	ShutdownTimeout time.Duration `mapstructure:"-" yaml:"-"`
}

func (c *APIConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8888
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}
