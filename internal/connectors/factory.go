package connectors

import (
	"context"
	"fmt"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/models"
)

// Builder constructs a connector for one connection using an already
// refreshed credential. Each platform family registers one builder.
type Builder func(ctx context.Context, cfg config.PlatformsConfig, cred *models.Credential) (Connector, error)

// Factory selects connector implementations by platform type.
type Factory struct {
	cfg      config.PlatformsConfig
	builders map[models.Platform]Builder
}

func NewFactory(cfg config.PlatformsConfig) *Factory {
	return &Factory{
		cfg:      cfg,
		builders: make(map[models.Platform]Builder),
	}
}

// Register installs the builder for a platform. Later registrations replace
// earlier ones, which tests use to substitute fakes.
func (f *Factory) Register(platform models.Platform, b Builder) {
	f.builders[platform] = b
}

// New builds a connector for the connection's platform.
func (f *Factory) New(ctx context.Context, conn *models.Connection, cred *models.Credential) (Connector, error) {
	b, ok := f.builders[conn.Platform]
	if !ok {
		return nil, fmt.Errorf("no connector registered for platform %s", conn.Platform)
	}
	return b(ctx, f.cfg, cred)
}

// Supported reports whether a builder exists for the platform.
func (f *Factory) Supported(platform models.Platform) bool {
	_, ok := f.builders[platform]
	return ok
}
