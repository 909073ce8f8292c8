package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"rawtext/pkg/domain"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	pasteBucket  = []byte("pastes")
	expireBucket = []byte("expires")
)

// boltRecord is the on-disk form. domain.Paste hides secret fields from
// JSON, so they are copied out explicitly.
type boltRecord struct {
	ID             string            `json:"id"`
	Content        string            `json:"content,omitempty"`
	Sealed         []byte            `json:"sealed,omitempty"`
	SealedKey      []byte            `json:"sealed_key,omitempty"`
	Language       *string           `json:"language,omitempty"`
	Visibility     domain.Visibility `json:"visibility"`
	PasswordSalt   string            `json:"password_salt,omitempty"`
	PasswordDigest string            `json:"password_digest,omitempty"`
	BurnAfterRead  bool              `json:"burn_after_read"`
	CreatedAt      int64             `json:"created_at"`
	ExpiresAt      *int64            `json:"expires_at,omitempty"`
	Views          int64             `json:"views"`
	RequesterHash  string            `json:"requester_hash,omitempty"`
}

func toRecord(p *domain.Paste) *boltRecord {
	r := &boltRecord{
		ID:             p.ID,
		Content:        p.Content,
		Sealed:         p.Sealed,
		SealedKey:      p.SealedKey,
		Language:       p.Language,
		Visibility:     p.Visibility,
		PasswordSalt:   p.PasswordSalt,
		PasswordDigest: p.PasswordDigest,
		BurnAfterRead:  p.BurnAfterRead,
		CreatedAt:      p.CreatedAt.UnixNano(),
		Views:          p.Views,
		RequesterHash:  p.RequesterHash,
	}
	if p.ExpiresAt != nil {
		n := p.ExpiresAt.UnixNano()
		r.ExpiresAt = &n
	}
	return r
}

func (r *boltRecord) paste() *domain.Paste {
	p := &domain.Paste{
		ID:             r.ID,
		Content:        r.Content,
		Sealed:         r.Sealed,
		SealedKey:      r.SealedKey,
		Language:       r.Language,
		Visibility:     r.Visibility,
		PasswordSalt:   r.PasswordSalt,
		PasswordDigest: r.PasswordDigest,
		BurnAfterRead:  r.BurnAfterRead,
		CreatedAt:      time.Unix(0, r.CreatedAt).UTC(),
		Views:          r.Views,
		RequesterHash:  r.RequesterHash,
	}
	if r.ExpiresAt != nil {
		t := time.Unix(0, *r.ExpiresAt).UTC()
		p.ExpiresAt = &t
	}
	return p
}

// Bolt is a single-file embedded store with a secondary bucket ordering
// ids by expiry.
type Bolt struct {
	db *bolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pasteBucket); err != nil {
			return errors.Wrap(err, "create paste bucket")
		}
		if _, err := tx.CreateBucketIfNotExists(expireBucket); err != nil {
			return errors.Wrap(err, "create expire bucket")
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Insert(ctx context.Context, p *domain.Paste) error {
	if err := ctx.Err(); err != nil {
		return storeErr(err, "insert paste")
	}
	rec := toRecord(p)
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(pasteBucket)
		if pb.Get([]byte(p.ID)) != nil {
			return domain.ErrConflict
		}
		if err := pb.Put([]byte(p.ID), data); err != nil {
			return err
		}
		if rec.ExpiresAt != nil {
			return tx.Bucket(expireBucket).Put(expireKey(*rec.ExpiresAt, p.ID), []byte(p.ID))
		}
		return nil
	})
	return storeErr(err, "bolt insert")
}

func (b *Bolt) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr(err, "get paste")
	}
	var out *domain.Paste
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(pasteBucket).Get([]byte(id))
		if raw == nil {
			return domain.ErrNotFound
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return errors.Wrap(err, "unmarshal paste")
		}
		out = rec.paste()
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "bolt get")
	}
	return out, nil
}

func (b *Bolt) IncrViews(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return storeErr(err, "incr views")
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(pasteBucket)
		raw := pb.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return errors.Wrap(err, "unmarshal paste")
		}
		rec.Views++
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return pb.Put([]byte(id), data)
	})
	return storeErr(err, "bolt incr views")
}

func (b *Bolt) Delete(ctx context.Context, id string) error {
	_, err := b.Claim(ctx, id)
	return err
}

func (b *Bolt) Claim(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeErr(err, "claim paste")
	}
	removed := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(pasteBucket)
		raw := pb.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err == nil && rec.ExpiresAt != nil {
			if err := tx.Bucket(expireBucket).Delete(expireKey(*rec.ExpiresAt, id)); err != nil {
				return errors.Wrap(err, "delete expiry index")
			}
		}
		if err := pb.Delete([]byte(id)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, storeErr(err, "bolt delete")
	}
	return removed, nil
}

// CleanupExpired walks the expiry index in order and stops at the first
// entry still in the future.
func (b *Bolt) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr(err, "cleanup expired")
	}
	cutoff := uint64(now.UnixNano())
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(pasteBucket)
		eb := tx.Bucket(expireBucket)
		var keys, ids [][]byte
		cursor := eb.Cursor()
		for key, val := cursor.First(); key != nil; key, val = cursor.Next() {
			if binary.BigEndian.Uint64(key[:8]) > cutoff {
				break
			}
			keys = append(keys, append([]byte(nil), key...))
			ids = append(ids, append([]byte(nil), val...))
		}
		// deleting through the cursor skips entries, so delete after the scan
		for i := range keys {
			if err := pb.Delete(ids[i]); err != nil {
				return errors.Wrapf(err, "delete expired paste %s", ids[i])
			}
			if err := eb.Delete(keys[i]); err != nil {
				return errors.Wrap(err, "delete expiry index")
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, storeErr(err, "bolt cleanup")
	}
	return removed, nil
}

func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storeErr(err, "ping")
	}
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(pasteBucket) == nil {
			return errors.New("pastes bucket missing")
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func expireKey(nanos int64, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(nanos))
	copy(key[8:], id)
	return key
}
