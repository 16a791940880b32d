package httpapi

import (
	"fmt"
	"time"
)

// Config carries the HTTP listener settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Validate fills defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return nil
}
