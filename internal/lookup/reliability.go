package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/botfleet/internal/infra"
)

// ThrottleError - источник попросил подождать (429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

// permanentError - ответ, который бессмысленно повторять (4xx).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// reliability оборачивает вызовы одного источника: лимитер, предохранитель, повторы.
type reliability struct {
	source   string
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
	timeout  time.Duration
}

func newReliability(source string, cfg infra.LookupConfig, m *infra.Metrics, logger *zap.Logger) *reliability {
	cbTimeout := cfg.CBTimeout
	if cbTimeout <= 0 {
		cbTimeout = 30 * time.Second
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lookup-" + source,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     cbTimeout, // Через сколько CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Больше 5 ошибок подряд - открываемся
			return counts.ConsecutiveFailures > 5
		},
		// 4xx - ошибка запроса, а не отказ источника
		IsSuccessful: func(err error) bool {
			var pErr *permanentError
			return err == nil || errors.As(err, &pErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("lookup circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if m != nil {
				v := 0.0
				if to == gobreaker.StateOpen {
					v = 1
				}
				m.CircuitBreakerState.WithLabelValues(source).Set(v)
			}
		},
	})

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &reliability{
		source:   source,
		cb:       cb,
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		attempts: attempts,
		timeout:  timeout,
	}
}

func (r *reliability) call(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	// 1. Rate Limiter
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	var finalData []byte

	// 2. Circuit Breaker
	_, err := r.cb.Execute(func() (interface{}, error) {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.attempts),
			retry.RetryIf(func(err error) bool {
				var pErr *permanentError
				return !errors.As(err, &pErr)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Источник сам назвал паузу
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := rt.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			var callErr error
			finalData, callErr = fn(tCtx)
			return callErr
		})

		return finalData, retryErr
	})
	if err != nil {
		return nil, err
	}
	return finalData, nil
}
