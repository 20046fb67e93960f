package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"eventgate/internal/config"
	"eventgate/pkg/metrics"
)

// Config defines circuit breaker configuration
type Config struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(counts gobreaker.Counts) bool
	OnStateChange func(name string, from, to gobreaker.State)
	// IsSuccessful decides which errors count against the breaker. Nil
	// counts every error.
	IsSuccessful func(err error) bool
	Metrics      *metrics.CircuitBreakerMetrics
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: tripAt(3, 0.5),
	}
}

// FromSettings builds a Config from the circuit_breaker section.
func FromSettings(name string, s config.CircuitBreakerConfig, m *metrics.CircuitBreakerMetrics) Config {
	cfg := DefaultConfig(name)
	if s.MaxRequests > 0 {
		cfg.MaxRequests = s.MaxRequests
	}
	if s.Interval > 0 {
		cfg.Interval = s.Interval
	}
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	if s.MinRequests > 0 && s.FailureRatio > 0 {
		cfg.ReadyToTrip = tripAt(s.MinRequests, s.FailureRatio)
	}
	cfg.Metrics = m
	return cfg
}

func tripAt(minRequests uint32, ratio float64) func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if counts.Requests < minRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
	}
}

// Wrapper wraps a function with circuit breaker logic
type Wrapper struct {
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.CircuitBreakerMetrics
}

func NewWrapper(cfg Config) *Wrapper {
	w := &Wrapper{metrics: cfg.Metrics}

	settings := gobreaker.Settings{
		Name:         cfg.Name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		IsSuccessful: cfg.IsSuccessful,
	}
	if cfg.ReadyToTrip != nil {
		settings.ReadyToTrip = cfg.ReadyToTrip
	}

	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		w.setState(name, to)
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(name, from, to)
		}
	}

	w.cb = gobreaker.NewCircuitBreaker(settings)
	w.setState(cfg.Name, w.cb.State())

	return w
}

func (w *Wrapper) Execute(fn func() (interface{}, error)) (interface{}, error) {
	state := w.cb.State()
	result, err := w.cb.Execute(fn)
	w.record(state, err)
	return result, err
}

func (w *Wrapper) ExecuteWithContext(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return w.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
}

func (w *Wrapper) State() gobreaker.State {
	return w.cb.State()
}

func (w *Wrapper) Counts() gobreaker.Counts {
	return w.cb.Counts()
}

func (w *Wrapper) Name() string {
	return w.cb.Name()
}

func (w *Wrapper) IsOpen() bool {
	return w.cb.State() == gobreaker.StateOpen
}

// IsRejection reports whether err came from the breaker itself rather than
// the wrapped call.
func IsRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (w *Wrapper) setState(name string, state gobreaker.State) {
	if w.metrics == nil {
		return
	}
	var value float64
	switch state {
	case gobreaker.StateClosed:
		value = 0
	case gobreaker.StateHalfOpen:
		value = 1
	case gobreaker.StateOpen:
		value = 2
	}
	w.metrics.State.WithLabelValues(name).Set(value)
}

func (w *Wrapper) record(state gobreaker.State, err error) {
	if w.metrics == nil {
		return
	}
	w.metrics.Requests.WithLabelValues(w.cb.Name(), state.String()).Inc()
	if err != nil && !IsRejection(err) {
		w.metrics.Failures.WithLabelValues(w.cb.Name()).Inc()
	}
}
