package reactive

import "go.uber.org/zap"

type config struct {
	log      *zap.Logger
	registry *Registry
}

// Option configures PublishJoinedQuery.
type Option func(*config)

// WithLogger sets the activation's logger.
func WithLogger(l *zap.Logger) Option { return func(c *config) { c.log = l } }

// WithRegistry records the activation in r while it runs.
func WithRegistry(r *Registry) Option { return func(c *config) { c.registry = r } }
