package kms

import (
	"context"
	"crypto/cipher"
	"encoding/base64"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// LocalProvider keeps the master key in process memory. Development only.
type LocalProvider struct {
	aead cipher.AEAD
}

func NewLocalProvider(key string) (*LocalProvider, error) {
	if key == "" {
		return nil, errors.New("KMS_LOCAL_KEY is required")
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "KMS_LOCAL_KEY must be base64-encoded")
	}
	if len(decoded) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("KMS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	aead, err := chacha20poly1305.NewX(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	return &LocalProvider{aead: aead}, nil
}

func (l *LocalProvider) Wrap(ctx context.Context, key, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sealWith(l.aead, key, aad)
}

func (l *LocalProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return openWith(l.aead, wrapped, aad)
}

func (l *LocalProvider) Secret(_ context.Context, name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", errors.Errorf("secret not found: %s", name)
	}
	return val, nil
}
