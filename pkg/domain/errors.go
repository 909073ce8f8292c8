package domain

import (
	"github.com/pkg/errors"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindRateLimited
	KindNotFound
	KindGone
	KindUnauthorized
	KindConflict
	KindUnavailable
)

var (
	ErrValidation              = NewErr(KindValidation, "INVALID_REQUEST", "invalid request")
	ErrContentRequired         = NewErr(KindValidation, "CONTENT_REQUIRED", "content required")
	ErrContentTooLarge         = NewErr(KindValidation, "CONTENT_TOO_LARGE", "content too large")
	ErrInvalidExpiry           = NewErr(KindValidation, "INVALID_EXPIRY", "expiresIn must be a positive number of seconds")
	ErrInvalidPassword         = NewErr(KindValidation, "INVALID_PASSWORD", "password must not be empty")
	ErrPasswordTooLong         = NewErr(KindValidation, "PASSWORD_TOO_LONG", "password too long")
	ErrInvalidVisibility       = NewErr(KindValidation, "INVALID_VISIBILITY", "visibility must be public or unlisted")
	ErrRateLimited             = NewErr(KindRateLimited, "RATE_LIMITED", "rate limit exceeded")
	ErrNotFound                = NewErr(KindNotFound, "NOT_FOUND", "paste not found")
	ErrGone                    = NewErr(KindGone, "GONE", "paste expired")
	ErrUnauthorized            = NewErr(KindUnauthorized, "UNAUTHORIZED", "password required")
	ErrConflict                = NewErr(KindConflict, "CONFLICT", "paste id already exists")
	ErrStorageUnavailable      = NewErr(KindUnavailable, "STORAGE_UNAVAILABLE", "storage unavailable")
	ErrCounterStoreUnavailable = NewErr(KindUnavailable, "COUNTER_STORE_UNAVAILABLE", "counter store unavailable")
	ErrInternal                = NewErr(KindInternal, "INTERNAL_ERROR", "internal error")
)

type Err struct {
	Kind  Kind
	Code  string
	Msg   string
	cause error
}

func NewErr(kind Kind, code, msg string) *Err {
	return &Err{Kind: kind, Code: code, Msg: msg}
}

func (e *Err) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

func (e *Err) Unwrap() error { return e.cause }

// Is matches on Code so wrapped copies still compare equal to their sentinel.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	return ok && t.Code == e.Code
}

func (e *Err) Wrap(cause error) error {
	if cause == nil {
		return e
	}
	return &Err{Kind: e.Kind, Code: e.Code, Msg: e.Msg, cause: cause}
}

func AsErr(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if e, ok := AsErr(err); ok {
		return e.Kind
	}
	return KindInternal
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code      string `json:"code"`
	Msg       string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ToResp never exposes causes; internal and unavailable kinds keep their
// public message only.
func ToResp(err error) ErrResp {
	if e, ok := AsErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternal.Code, Msg: ErrInternal.Msg}}
}
