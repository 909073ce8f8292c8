package util

import (
	"context"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const DefaultIDLength = 10

type IDGen struct {
	length int
}

func NewIDGen(length int) *IDGen {
	if length <= 0 {
		length = DefaultIDLength
	}
	return &IDGen{length: length}
}

// NewID returns a random base62 id. Uniqueness is enforced by the store on
// insert, callers retry on conflict.
func (g *IDGen) NewID(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	id, err := gonanoid.Generate(base62Chars, g.length)
	if err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return id, nil
}

// ValidID reports whether id could have come from an IDGen.
func ValidID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
