package svc

import (
	"context"
	"time"

	"rawtext/metrics"
	"rawtext/pkg/domain"
	"rawtext/pkg/kms"

	"github.com/pkg/errors"
)

// SealedStore encrypts content before it reaches the backend. The paste id
// is the associated data, so a sealed blob can not be replayed under
// another id.
type SealedStore struct {
	Store
	wrap   kms.Wrapper
	unwrap kms.Unwrapper
	now    func() time.Time
}

func NewSealedStore(inner Store, w kms.Wrapper, u kms.Unwrapper) *SealedStore {
	return &SealedStore{Store: inner, wrap: w, unwrap: u, now: time.Now}
}

func (s *SealedStore) Insert(ctx context.Context, p *domain.Paste) error {
	env, err := kms.Seal(ctx, s.wrap, []byte(p.Content), []byte(p.ID))
	if err != nil {
		metrics.SealOps.WithLabelValues("seal_error").Inc()
		return domain.ErrInternal.Wrap(errors.Wrap(err, "seal content"))
	}
	metrics.SealOps.WithLabelValues("seal").Inc()
	sealed := *p
	sealed.Content = ""
	sealed.Sealed = env.Ciphertext
	sealed.SealedKey = env.WrappedKey
	return s.Store.Insert(ctx, &sealed)
}

func (s *SealedStore) Get(ctx context.Context, id string) (*domain.Paste, error) {
	p, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Expired rows are only reaped and reported Gone; they stay sealed.
	if len(p.Sealed) == 0 || p.ExpiredAt(s.now()) {
		return p, nil
	}
	pt, err := kms.Open(ctx, s.unwrap, kms.Envelope{Ciphertext: p.Sealed, WrappedKey: p.SealedKey}, []byte(p.ID))
	if err != nil {
		metrics.SealOps.WithLabelValues("open_error").Inc()
		return nil, domain.ErrInternal.Wrap(errors.Wrap(err, "open content"))
	}
	metrics.SealOps.WithLabelValues("open").Inc()
	p.Content = string(pt)
	p.Sealed, p.SealedKey = nil, nil
	return p, nil
}
