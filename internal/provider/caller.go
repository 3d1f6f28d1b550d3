package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
)

// CallConfig задаёт таймаут, повторы и параметры circuit breaker для исходящих вызовов.
type CallConfig struct {
	Timeout         time.Duration
	MaxRetries      uint64
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	JitterPercent   uint64
	BreakerFailures int
	BreakerReset    time.Duration
}

// DefaultCallConfig возвращает конфигурацию по умолчанию.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		JitterPercent:   10,
		BreakerFailures: 5,
		BreakerReset:    30 * time.Second,
	}
}

// CallObserver получает итог каждого исходящего вызова (метрики).
type CallObserver interface {
	ObserveProviderCall(provider, operation, outcome string, duration time.Duration)
}

// Caller выполняет исходящие вызовы одного провайдера.
type Caller struct {
	provider domain.Provider
	cfg      CallConfig
	breaker  *CircuitBreaker
	observer CallObserver
	logger   *log.Entry
}

// CallerOption настраивает Caller.
type CallerOption func(*Caller)

// WithObserver подключает наблюдателя вызовов.
func WithObserver(observer CallObserver) CallerOption {
	return func(c *Caller) {
		c.observer = observer
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) CallerOption {
	return func(c *Caller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCaller создаёт Caller с собственным circuit breaker.
func NewCaller(provider domain.Provider, cfg CallConfig, opts ...CallerOption) *Caller {
	def := DefaultCallConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = def.BreakerReset
	}

	c := &Caller{
		provider: provider,
		cfg:      cfg,
		logger:   log.WithFields(log.Fields{"component": "provider-caller", "provider": provider}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset, c.logger)
	return c
}

// Breaker возвращает circuit breaker провайдера.
func (c *Caller) Breaker() *CircuitBreaker {
	return c.breaker
}

// Do выполняет fn с таймаутом на попытку и экспоненциальными повторами.
// Повторяются только ошибки класса ErrProviderUnavailable.
func (c *Caller) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(c.cfg.BaseDelay)
	backoff = retry.WithCappedDuration(c.cfg.MaxDelay, backoff)
	if c.cfg.JitterPercent > 0 {
		backoff = retry.WithJitterPercent(c.cfg.JitterPercent, backoff)
	}
	backoff = retry.WithMaxRetries(c.cfg.MaxRetries, backoff)

	started := time.Now()
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if IsRetryable(err) && !errors.Is(err, ErrCircuitOpen) {
			c.logger.WithFields(log.Fields{
				"operation": operation,
				"attempt":   attempt,
				"error":     err,
			}).Warn("Provider call failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})

	c.observe(operation, err, time.Since(started))
	if err != nil && !IsRetryable(err) && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return err
}

func (c *Caller) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	c.breaker.Record(err)
	return err
}

func (c *Caller) observe(operation string, err error, d time.Duration) {
	if c.observer == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case IsRetryable(err):
		outcome = "unavailable"
	default:
		outcome = "rejected"
	}
	c.observer.ObserveProviderCall(string(c.provider), operation, outcome, d)
}
