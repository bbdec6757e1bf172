package webhook

import (
	"fmt"

	"github.com/mattjoyce/flux/internal/config"
)

// Config holds receiver settings.
type Config struct {
	// MaxBodySize caps the request body in bytes; larger deliveries get 413.
	MaxBodySize int64
}

// FromGlobalConfig derives receiver settings from the service config.
func FromGlobalConfig(c *config.Config) (Config, error) {
	if c == nil {
		return Config{}, fmt.Errorf("config is nil")
	}
	size, err := config.ParseSize(c.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("invalid max_body_size %q: %w", c.MaxBodySize, err)
	}
	return Config{MaxBodySize: size}, nil
}
