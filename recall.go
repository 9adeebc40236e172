package recall

import (
	"go.uber.org/zap"

	"github.com/EricMeteorite/recall/pkg/config"
	"github.com/EricMeteorite/recall/pkg/engine"
)

// Option customises Open beyond the environment-driven defaults.
type Option func(*options)

type options struct {
	cfg    *config.Config
	logger *zap.Logger
}

// WithConfig supplies a prebuilt configuration, skipping the env load.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger for every subsystem. Defaults to a no-op.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Open starts an engine rooted at dataRoot. Configuration comes from the
// process environment plus the optional config/api_keys.env file under the
// root, unless WithConfig overrides it.
func Open(dataRoot string, opts ...Option) (*engine.Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.cfg == nil {
		cfg, err := config.Load(dataRoot, o.logger)
		if err != nil {
			return nil, WrapOp("config.load", err)
		}
		o.cfg = cfg
	}
	eng, err := engine.Open(o.cfg, o.logger)
	if err != nil {
		return nil, WrapOp("engine.open", err)
	}
	return eng, nil
}
