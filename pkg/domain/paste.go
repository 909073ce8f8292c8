package domain

import (
	"time"
)

type Visibility string

const (
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPublic   Visibility = "public"
)

func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(s) {
	case "", VisibilityUnlisted:
		return VisibilityUnlisted, nil
	case VisibilityPublic:
		return VisibilityPublic, nil
	}
	return "", ErrInvalidVisibility
}

func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityUnlisted
}

type Paste struct {
	ID             string     `json:"id"`
	Content        string     `json:"content"`
	Sealed         []byte     `json:"-"`
	SealedKey      []byte     `json:"-"`
	Language       *string    `json:"language"`
	Visibility     Visibility `json:"visibility"`
	PasswordSalt   string     `json:"-"`
	PasswordDigest string     `json:"-"`
	BurnAfterRead  bool       `json:"burnAfterRead"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	Views          int64      `json:"views"`
	RequesterHash  string     `json:"-"`
}

func (p *Paste) HasPassword() bool {
	return p.PasswordDigest != ""
}

// ExpiredAt reports whether the paste is logically gone at now. The boundary
// instant itself counts as expired.
func (p *Paste) ExpiredAt(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

func (p *Paste) Cacheable() bool {
	return p.ExpiresAt == nil && !p.HasPassword() && !p.BurnAfterRead
}

type CreateParams struct {
	Content       string
	Language      *string
	Visibility    Visibility
	ExpiresIn     *int64
	Password      *string
	BurnAfterRead bool
	RequesterIP   string
}

// Disclosure is what a successful read hands back. It never carries
// password material.
type Disclosure struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Language   *string    `json:"language"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	Cacheable  bool       `json:"-"`
}

func Disclose(p *Paste) *Disclosure {
	return &Disclosure{
		ID:         p.ID,
		Content:    p.Content,
		Language:   p.Language,
		Visibility: p.Visibility,
		CreatedAt:  p.CreatedAt,
		ExpiresAt:  p.ExpiresAt,
		Cacheable:  p.Cacheable(),
	}
}

type Raw struct {
	Body      string
	Cacheable bool
}

func Project(d *Disclosure) Raw {
	return Raw{Body: d.Content, Cacheable: d.Cacheable}
}
