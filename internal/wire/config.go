package wire

import (
	"fmt"
	"time"
)

// Config is the client/server protocol configuration, passed through
// opaquely to the core: transport parameters, keep-alive/idle timeout,
// initial MTU and flow-control windows.
type Config struct {
	// PSK authenticates the opaque handshake; callers derive it with
	// DerivePSK (pbkdf2) rather than passing a raw passphrase.
	PSK []byte

	InitialStreamWindow uint64
	MaxStreamWindow     uint64

	MTU int

	IdleTimeout time.Duration
	RTO         time.Duration
	MaxRTO      time.Duration

	MaxConcurrentStreams uint64
}

func (c *Config) setDefaults() {
	if c.InitialStreamWindow == 0 {
		c.InitialStreamWindow = 512 * 1024
	}
	if c.MaxStreamWindow == 0 {
		c.MaxStreamWindow = 4 * 1024 * 1024
	}
	if c.MTU == 0 {
		c.MTU = 1200
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.RTO == 0 {
		c.RTO = 200 * time.Millisecond
	}
	if c.MaxRTO == 0 {
		c.MaxRTO = 5 * time.Second
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 1024
	}
}

func (c *Config) validate() []error {
	var errs []error
	if c.InitialStreamWindow == 0 {
		errs = append(errs, fmt.Errorf("wire: initial stream window must be > 0"))
	}
	if c.MaxStreamWindow < c.InitialStreamWindow {
		errs = append(errs, fmt.Errorf("wire: max stream window must be >= initial stream window"))
	}
	if c.MTU < 64 {
		errs = append(errs, fmt.Errorf("wire: MTU must be >= 64, got %d", c.MTU))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("wire: idle timeout must be > 0"))
	}
	if c.RTO <= 0 {
		errs = append(errs, fmt.Errorf("wire: RTO must be > 0"))
	}
	return errs
}

// withDefaults returns a copy with defaults applied, together with any
// validation errors, so the Endpoint can hold its own config independent of
// caller mutation.
func (c Config) withDefaults() (*Config, []error) {
	cp := c
	cp.setDefaults()
	return &cp, cp.validate()
}
