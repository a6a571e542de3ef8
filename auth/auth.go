// Package auth supplies broker access tokens to the uplink.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360/sensorlink/errors"
)

// Token is a broker access token and the identity it belongs to
type Token struct {
	Value     string
	Username  string
	ExpiresAt time.Time // zero means no expiry
}

// Expired reports whether the token is past its expiry at now
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TokenProvider fetches a fresh access token. Failures are retryable.
type TokenProvider interface {
	FetchAccessToken(ctx context.Context) (Token, error)
}

// ProviderFunc adapts a function to TokenProvider
type ProviderFunc func(ctx context.Context) (Token, error)

// FetchAccessToken calls f
func (f ProviderFunc) FetchAccessToken(ctx context.Context) (Token, error) {
	return f(ctx)
}

// StaticProvider returns a fixed token, typically from configuration
type StaticProvider struct {
	token Token
}

var _ TokenProvider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider for a fixed username and token
func NewStaticProvider(username, token string) (*StaticProvider, error) {
	if strings.TrimSpace(username) == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("empty username"), "StaticProvider", "NewStaticProvider",
			"username check")
	}
	return &StaticProvider{token: Token{Value: token, Username: username}}, nil
}

// FetchAccessToken returns the configured token
func (p *StaticProvider) FetchAccessToken(ctx context.Context) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, errors.WrapTransient(errors.Join(errors.ErrCredential, err),
			"StaticProvider", "FetchAccessToken", "context check")
	}
	return p.token, nil
}
