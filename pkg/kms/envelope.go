package kms

import (
	"context"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrOpenFailed = errors.New("envelope open failed")

type Wrapper interface {
	Wrap(ctx context.Context, key, aad []byte) ([]byte, error)
}

type Unwrapper interface {
	Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error)
}

// Envelope is content sealed under a fresh data key plus that key wrapped
// by the master key.
type Envelope struct {
	Ciphertext []byte
	WrappedKey []byte
}

func Seal(ctx context.Context, w Wrapper, plaintext, aad []byte) (*Envelope, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, errors.Wrap(err, "generate data key")
	}
	defer wipe(dek)
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	ct, err := sealWith(aead, plaintext, aad)
	if err != nil {
		return nil, err
	}
	wrapped, err := w.Wrap(ctx, dek, aad)
	if err != nil {
		return nil, errors.Wrap(err, "wrap data key")
	}
	return &Envelope{Ciphertext: ct, WrappedKey: wrapped}, nil
}

func Open(ctx context.Context, u Unwrapper, env Envelope, aad []byte) ([]byte, error) {
	dek, err := u.Unwrap(ctx, env.WrappedKey, aad)
	if err != nil {
		return nil, errors.Wrap(err, "unwrap data key")
	}
	defer wipe(dek)
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, ErrOpenFailed
	}
	pt, err := openWith(aead, env.Ciphertext, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

func sealWith(aead cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func openWith(aead cipher.AEAD, ciphertext, aad []byte) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	return aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], aad)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
