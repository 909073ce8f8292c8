package kms

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrRequiresPrimary     = errors.New("KMS_REQUIRE_PRIMARY is enabled, cannot use fallback provider")
)

const opTimeout = 10 * time.Second

// Provider wraps data keys under a master key it never reveals. aad binds a
// wrapped key to its owner and must match on unwrap.
type Provider interface {
	Wrap(ctx context.Context, key, aad []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error)
	Secret(ctx context.Context, name string) (string, error)
}

type Opts struct {
	VaultAddr      string
	AWSRegion      string
	LocalKey       string
	RequirePrimary bool
	FailClosed     bool
}

func OptsFromEnv() Opts {
	return Opts{
		VaultAddr:      os.Getenv("VAULT_ADDR"),
		AWSRegion:      os.Getenv("AWS_REGION"),
		LocalKey:       os.Getenv("KMS_LOCAL_KEY"),
		RequirePrimary: strings.ToLower(os.Getenv("KMS_REQUIRE_PRIMARY")) == "true",
		FailClosed:     os.Getenv("KMS_FAIL_CLOSED") != "false",
	}
}

// Adapter tries Vault transit, then AWS KMS, and falls back to a local key
// only when no primary could be reached and the fallback is permitted.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context, o Opts) (*Adapter, error) {
	var primary, fallback Provider
	if o.VaultAddr != "" {
		if vp, err := newVaultProvider(ctx, o.VaultAddr); err == nil {
			primary = vp
		}
	}
	if primary == nil && o.AWSRegion != "" {
		if ap, err := newAWSProvider(ctx, o.AWSRegion); err == nil {
			primary = ap
		}
	}
	if !o.RequirePrimary && primary == nil && o.LocalKey != "" {
		lp, err := NewLocalProvider(o.LocalKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize local provider")
		}
		fallback = lp
	}
	if primary == nil && fallback == nil {
		if o.RequirePrimary {
			return nil, errors.Wrap(ErrRequiresPrimary, "no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, errors.Wrap(ErrProviderUnavailable, "checked Vault, AWS KMS, local key")
	}
	return NewAdapterWith(primary, fallback, o.FailClosed, o.RequirePrimary), nil
}

func NewAdapterWith(primary, fallback Provider, failClosed, requirePrimary bool) *Adapter {
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     failClosed,
		requirePrimary: requirePrimary,
	}
}

func (a *Adapter) Wrap(ctx context.Context, key, aad []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return route(a, "wrap", func(p Provider) ([]byte, error) { return p.Wrap(ctx, key, aad) })
}

func (a *Adapter) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return route(a, "unwrap", func(p Provider) ([]byte, error) { return p.Unwrap(ctx, wrapped, aad) })
}

func (a *Adapter) Secret(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	v, err := route(a, "secret", func(p Provider) ([]byte, error) {
		s, err := p.Secret(ctx, name)
		if err == nil && s == "" {
			err = errors.Errorf("secret %s is empty", name)
		}
		return []byte(s), err
	})
	return string(v), err
}

func route(a *Adapter, op string, call func(Provider) ([]byte, error)) ([]byte, error) {
	if a.primary != nil {
		out, err := call(a.primary)
		if err == nil {
			return out, nil
		}
		if a.requirePrimary {
			return nil, errors.Wrapf(err, "primary kms %s failed (KMS_REQUIRE_PRIMARY=true)", op)
		}
		if a.failClosed {
			return nil, errors.Wrapf(err, "kms %s failed (fail-closed)", op)
		}
	}
	if a.fallback != nil {
		return call(a.fallback)
	}
	return nil, ErrProviderUnavailable
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
