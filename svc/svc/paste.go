package svc

import (
	"context"
	"math"
	"time"

	"rawtext/metrics"
	"rawtext/pkg/domain"
	"rawtext/svc/auth"
	"rawtext/svc/cache"
	"rawtext/svc/util"

	"github.com/pkg/errors"
)

const maxIDAttempts = 3

type Store interface {
	Insert(ctx context.Context, p *domain.Paste) error
	// Get returns expired records too; the caller decides what expired means.
	Get(ctx context.Context, id string) (*domain.Paste, error)
	IncrViews(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// Claim deletes id and reports whether this caller removed it.
	Claim(ctx context.Context, id string) (bool, error)
}

type Protector interface {
	Protect(secret string) (salt, digest string, err error)
	Verify(secret, salt, digest string) (bool, error)
}

type IPHasher interface {
	HashIP(ip string) (string, error)
}

type IDSource interface {
	NewID(ctx context.Context) (string, error)
}

type Opts struct {
	MaxPasteSize int64
	MaxExpiresIn time.Duration
	StrictBurn   bool
}

// Paste is the lifecycle engine: it owns creation, the read state machine
// and what happens to a record after it has been disclosed.
type Paste struct {
	store Store
	lru   *cache.LRU
	guard Protector
	ips   IPHasher
	ids   IDSource
	fin   *Finalizer
	opts  Opts
	now   func() time.Time
}

func NewPaste(store Store, lru *cache.LRU, guard Protector, ips IPHasher, ids IDSource, fin *Finalizer, opts Opts) *Paste {
	if store == nil || guard == nil || ids == nil || fin == nil {
		panic("paste service: nil dependency (store, guard, ids, or finalizer)")
	}
	return &Paste{
		store: store,
		lru:   lru,
		guard: guard,
		ips:   ips,
		ids:   ids,
		fin:   fin,
		opts:  opts,
		now:   time.Now,
	}
}

func (p *Paste) validate(params *domain.CreateParams) (time.Duration, error) {
	if params.Content == "" {
		return 0, domain.ErrContentRequired
	}
	if p.opts.MaxPasteSize > 0 && int64(len(params.Content)) > p.opts.MaxPasteSize {
		return 0, domain.ErrContentTooLarge
	}
	var ttl time.Duration
	if params.ExpiresIn != nil {
		secs := *params.ExpiresIn
		if secs <= 0 || secs > math.MaxInt64/int64(time.Second) {
			return 0, domain.ErrInvalidExpiry
		}
		ttl = time.Duration(secs) * time.Second
		if p.opts.MaxExpiresIn > 0 && ttl > p.opts.MaxExpiresIn {
			return 0, domain.ErrInvalidExpiry
		}
	}
	if params.Password != nil {
		if *params.Password == "" {
			return 0, domain.ErrInvalidPassword
		}
		if len(*params.Password) > auth.MaxSecretLength {
			return 0, domain.ErrPasswordTooLong
		}
	}
	if params.Visibility == "" {
		params.Visibility = domain.VisibilityUnlisted
	}
	if !params.Visibility.Valid() {
		return 0, domain.ErrInvalidVisibility
	}
	return ttl, nil
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	ttl, err := p.validate(&params)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()
	paste := &domain.Paste{
		Content:       params.Content,
		Language:      params.Language,
		Visibility:    params.Visibility,
		BurnAfterRead: params.BurnAfterRead,
		CreatedAt:     now,
	}
	if params.ExpiresIn != nil {
		exp := now.Add(ttl)
		paste.ExpiresAt = &exp
	}
	if params.Password != nil {
		salt, digest, err := p.guard.Protect(*params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "protect password")
		}
		paste.PasswordSalt, paste.PasswordDigest = salt, digest
	}
	if p.ips != nil && params.RequesterIP != "" {
		h, err := p.ips.HashIP(params.RequesterIP)
		if err != nil {
			util.Warn().Err(err).Msg("requester hash unavailable, storing none")
		} else {
			paste.RequesterHash = h
		}
	}
	for attempt := 1; ; attempt++ {
		id, err := p.ids.NewID(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "gen id")
		}
		paste.ID = id
		err = p.store.Insert(ctx, paste)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= maxIDAttempts {
			return nil, err
		}
		util.Debug().Int("attempt", attempt).Msg("paste id collision, regenerating")
	}
	if p.lru != nil {
		p.lru.Put(paste)
	}
	metrics.PasteCreated.Inc()
	return paste, nil
}

func (p *Paste) fetch(ctx context.Context, id string) (*domain.Paste, string, error) {
	if p.lru != nil {
		if cached, ok := p.lru.Get(ctx, id); ok {
			return cached, "cache", nil
		}
	}
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return rec, "store", nil
}

// Get runs the read state machine. Checks happen in a fixed order and a
// failed check never mutates the record.
func (p *Paste) Get(ctx context.Context, id, password string) (*domain.Disclosure, error) {
	rec, source, err := p.fetch(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.PasteDenied.WithLabelValues("not_found").Inc()
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	if rec.ExpiredAt(p.now()) {
		if err := p.store.Delete(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("lazy reap failed")
		}
		if p.lru != nil {
			p.lru.Delete(id)
		}
		metrics.PasteDenied.WithLabelValues("gone").Inc()
		return nil, domain.ErrGone
	}
	if len(rec.Sealed) != 0 {
		return nil, domain.ErrInternal.Wrap(errors.New("sealed record reached disclosure"))
	}
	if rec.HasPassword() {
		if password == "" {
			metrics.PasteDenied.WithLabelValues("unauthorized").Inc()
			return nil, domain.ErrUnauthorized
		}
		ok, err := p.guard.Verify(password, rec.PasswordSalt, rec.PasswordDigest)
		if err != nil {
			return nil, errors.Wrap(err, "verify password")
		}
		if !ok {
			metrics.PasteDenied.WithLabelValues("unauthorized").Inc()
			return nil, domain.ErrUnauthorized
		}
	}
	claimed := false
	if rec.BurnAfterRead && p.opts.StrictBurn {
		won, err := p.store.Claim(ctx, id)
		if err != nil {
			return nil, errors.Wrap(err, "claim paste")
		}
		if !won {
			metrics.PasteDenied.WithLabelValues("not_found").Inc()
			return nil, domain.ErrNotFound
		}
		claimed = true
		metrics.PasteBurned.Inc()
	}
	p.fin.Submit(p.finalize(id, rec.BurnAfterRead, claimed))
	metrics.PasteDisclosed.WithLabelValues(source).Inc()
	return domain.Disclose(rec), nil
}

func (p *Paste) finalize(id string, burn, claimed bool) Task {
	return func(ctx context.Context) error {
		if claimed {
			return nil
		}
		if err := p.store.IncrViews(ctx, id); err != nil {
			metrics.FinalizeFailures.WithLabelValues("views").Inc()
			util.Warn().Err(err).Str("id", id).Msg("failed to incr views")
		}
		if !burn {
			return nil
		}
		if p.lru != nil {
			p.lru.Delete(id)
		}
		if err := p.store.Delete(ctx, id); err != nil {
			metrics.FinalizeFailures.WithLabelValues("burn").Inc()
			return errors.Wrap(err, "burn paste")
		}
		metrics.PasteBurned.Inc()
		return nil
	}
}

// Raw is Get followed by the plain-text projection.
func (p *Paste) Raw(ctx context.Context, id, password string) (domain.Raw, error) {
	d, err := p.Get(ctx, id, password)
	if err != nil {
		return domain.Raw{}, err
	}
	return domain.Project(d), nil
}
