package ledger

import (
	"context"
	"os"
	"strings"
)

// TokenSource supplies the bearer credential. Returning ok=false is a valid
// anonymous state; endpoints that need a credential then fail with AuthError.
type TokenSource interface {
	Token(ctx context.Context) (token string, ok bool)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, bool)

func (f TokenFunc) Token(ctx context.Context) (string, bool) { return f(ctx) }

// StaticToken always returns the same credential. An empty string is anonymous.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, bool) {
	t := strings.TrimSpace(string(s))
	return t, t != ""
}

// EnvToken reads the credential from an environment variable on every call,
// so a rotated token is picked up without a restart.
type EnvToken string

func (e EnvToken) Token(context.Context) (string, bool) {
	t := strings.TrimSpace(os.Getenv(string(e)))
	return t, t != ""
}

type anonymous struct{}

func (anonymous) Token(context.Context) (string, bool) { return "", false }
