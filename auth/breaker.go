package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/c360/sensorlink/errors"
)

// Default breaker settings
const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// BreakerConfig configures BreakerProvider
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `json:"max_failures"`
	// Timeout is how long the circuit stays open before half-open.
	Timeout time.Duration `json:"timeout"`
	// Interval clears failure counts while closed. 0 uses the default.
	Interval time.Duration `json:"interval"`
}

// BreakerProvider wraps a TokenProvider with a circuit breaker so a failing
// identity service is not hammered by every uplink retry
type BreakerProvider struct {
	inner   TokenProvider
	breaker *gobreaker.CircuitBreaker[Token]
	logger  *slog.Logger
}

var _ TokenProvider = (*BreakerProvider)(nil)

// NewBreakerProvider wraps inner. Zero config fields take defaults.
func NewBreakerProvider(inner TokenProvider, cfg BreakerConfig, logger *slog.Logger) *BreakerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[Token](gobreaker.Settings{
		Name:        "token-provider",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
		// Caller cancellation says nothing about the provider's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerProvider{inner: inner, breaker: cb, logger: logger}
}

// FetchAccessToken routes the call through the breaker. An open circuit
// fails fast with errors.ErrCircuitOpen, which is transient.
func (p *BreakerProvider) FetchAccessToken(ctx context.Context) (Token, error) {
	tok, err := p.breaker.Execute(func() (Token, error) {
		return p.inner.FetchAccessToken(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Token{}, errors.WrapTransient(errors.Join(errors.ErrCircuitOpen, errors.ErrCredential, err),
				"BreakerProvider", "FetchAccessToken", "circuit open")
		}
		return Token{}, errors.WrapTransient(errors.Join(errors.ErrCredential, err),
			"BreakerProvider", "FetchAccessToken", "fetch token")
	}
	return tok, nil
}

// State returns the current breaker state for monitoring
func (p *BreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Counts returns the current breaker counts
func (p *BreakerProvider) Counts() gobreaker.Counts {
	return p.breaker.Counts()
}
