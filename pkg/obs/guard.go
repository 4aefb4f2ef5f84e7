// Guard isolates callers from failures inside telemetry backends.
// Panics are recovered, errors are logged, and a circuit breaker sheds a failing sink.
package obs

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Guard runs telemetry work so that it can never fail the instrumented call.
type Guard struct {
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker
}

// GuardOption configures a Guard.
type GuardOption func(*guardConfig)

type guardConfig struct {
	name      string
	threshold uint32
	cooldown  time.Duration
}

// WithBreakerName names the circuit breaker in state-change logs.
func WithBreakerName(name string) GuardOption {
	return func(c *guardConfig) { c.name = name }
}

// WithFailureThreshold sets the number of consecutive failures that opens the breaker.
func WithFailureThreshold(n uint32) GuardOption {
	return func(c *guardConfig) { c.threshold = n }
}

// WithCooldown sets how long the breaker stays open before probing again.
func WithCooldown(d time.Duration) GuardOption {
	return func(c *guardConfig) { c.cooldown = d }
}

// NewGuard creates a Guard that logs through logger. A nil logger discards.
func NewGuard(logger *zap.Logger, opts ...GuardOption) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := guardConfig{name: "telemetry", threshold: 5, cooldown: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	settings := gobreaker.Settings{
		Name:    cfg.name,
		Timeout: cfg.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("telemetry breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Guard{logger: logger, breaker: gobreaker.NewCircuitBreaker(settings)}
}

var defaultGuard = NewGuard(nil)

func (g *Guard) orDefault() *Guard {
	if g == nil {
		return defaultGuard
	}
	return g
}

// Do runs fn and recovers any panic.
func (g *Guard) Do(op string, fn func()) {
	g = g.orDefault()
	if err := protect(func() error { fn(); return nil }); err != nil {
		g.logger.Warn("telemetry operation failed", zap.String("op", op), zap.Error(err))
	}
}

// Call runs fn through the circuit breaker. Errors and panics count as
// failures and are logged; nothing is returned to the caller.
func (g *Guard) Call(op string, fn func() error) {
	g = g.orDefault()
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, protect(fn)
	})
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.logger.Debug("telemetry operation shed", zap.String("op", op), zap.Error(err))
	default:
		g.logger.Warn("telemetry operation failed", zap.String("op", op), zap.Error(err))
	}
}

// State reports the breaker state.
func (g *Guard) State() gobreaker.State {
	return g.orDefault().breaker.State()
}

func (g *Guard) recovered(op string, r any) {
	g.orDefault().logger.Warn("telemetry operation panicked", zap.String("op", op), zap.Any("panic", r))
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// InstallErrorHandler routes OpenTelemetry SDK errors to logger.
func InstallErrorHandler(logger *zap.Logger) {
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("opentelemetry error", zap.Error(err))
	}))
}
