package subscription

import (
	"log/slog"
	"strings"
	"time"

	"github.com/rickgao/tb-telemetry/internal/command"
)

// Kind selects the subscription command group.
type Kind string

const (
	Timeseries Kind = "tsSubCmds"
	Attributes Kind = "attrSubCmds"
)

// Defaults
const (
	DefaultEntityType      = "DEVICE"
	DefaultTimeseriesScope = "LATEST_TELEMETRY"
	DefaultBacklog         = 10000
)

type options struct {
	kind       Kind
	entityType string
	scope      string
	keys       []string
	timeout    time.Duration
	backlog    int
	logger     *slog.Logger
}

func defaultOptions() options {
	return options{
		kind:       Timeseries,
		entityType: DefaultEntityType,
		timeout:    command.DefaultSubscribeTimeout,
		backlog:    DefaultBacklog,
		logger:     slog.Default(),
	}
}

// Option configures Subscribe.
type Option func(*options)

// WithKind selects timeseries or attribute subscriptions.
func WithKind(k Kind) Option {
	return func(o *options) {
		o.kind = k
	}
}

// WithEntityType overrides the entity type (default DEVICE).
func WithEntityType(t string) Option {
	return func(o *options) {
		o.entityType = t
	}
}

// WithScope sets the scope, e.g. LATEST_TELEMETRY or SERVER_SCOPE.
func WithScope(scope string) Option {
	return func(o *options) {
		o.scope = scope
	}
}

// WithKeys limits the subscription to the given keys.
func WithKeys(keys ...string) Option {
	return func(o *options) {
		o.keys = keys
	}
}

// WithTimeout sets the subscribe and unsubscribe timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBacklog caps the pushes queued for delivery. Pushes beyond it are
// dropped and counted, see Handle.Dropped.
func WithBacklog(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.backlog = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// fields builds the command fields for one entity.
func (o *options) fields(entityID string, unsubscribe bool) map[string]any {
	f := map[string]any{
		"entityType": o.entityType,
		"entityId":   entityID,
	}

	scope := o.scope
	if scope == "" && o.kind == Timeseries {
		scope = DefaultTimeseriesScope
	}
	if scope != "" {
		f["scope"] = scope
	}
	if len(o.keys) > 0 {
		f["keys"] = strings.Join(o.keys, ",")
	}
	if unsubscribe {
		f["unsubscribe"] = true
	}
	return f
}
