package api

import "time"

// Config configures the gateway HTTP server.
type Config struct {
	// Port is the HTTP port for the gateway endpoints.
	// Default: 8080
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body. Chunk uploads stream multi-megabyte bodies over
	// slow links, so the default is generous.
	// Default: 10m
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds response writes. Zero means no timeout, which
	// the stream endpoint needs: a full-file download over a slow link
	// can legitimately take longer than any fixed budget.
	// Default: 0
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle limit.
	// Default: 60s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// ExposeBlobID globally unhides blobId in responses. Normally off:
	// clients opt in per request with ?includeBlobId=1.
	ExposeBlobID bool `mapstructure:"expose_blob_id" yaml:"expose_blob_id"`
}

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}
