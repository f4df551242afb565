package credential

import "context"

// Resolver resolves a job's credential reference into provider settings.
// *Store implements it.
type Resolver interface {
	Resolve(ctx context.Context, ownerID, credentialID, channel string) (*Config, error)
}

// StaticResolver serves a fixed config for every reference on a channel.
// Used when a deployment configures a single provider key, e.g. places.api_key.
type StaticResolver struct {
	Fallback Resolver
	Channel  string
	Config   *Config
}

// Resolve returns the static config for an empty reference on its channel and
// defers to Fallback otherwise
func (r *StaticResolver) Resolve(ctx context.Context, ownerID, credentialID, channel string) (*Config, error) {
	if credentialID == "" && channel == r.Channel && r.Config != nil {
		cfg := *r.Config
		return &cfg, nil
	}
	if r.Fallback == nil || credentialID == "" {
		return nil, ErrNotFound
	}
	return r.Fallback.Resolve(ctx, ownerID, credentialID, channel)
}
