package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"rawtext/cfg"
	"rawtext/pkg/domain"
	"rawtext/svc/lim"
	"rawtext/svc/svc"
	"rawtext/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/skip2/go-qrcode"
	"golang.org/x/text/unicode/norm"
)

const (
	maxLanguageLen = 32
	// JSON escaping can grow a body well past its decoded size.
	bodyOverhead = 16 * 1024
	qrSize       = 256
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content       string  `json:"content"`
	Language      *string `json:"language,omitempty"`
	Visibility    string  `json:"visibility,omitempty"`
	ExpiresIn     *int64  `json:"expiresIn,omitempty"`
	Password      *string `json:"password,omitempty"`
	BurnAfterRead bool    `json:"burnAfterRead,omitempty"`
}

type CreateResp struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Raw       string     `json:"raw"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", contentType).Msg("invalid Content-Type header")
		writeErr(w, errUnsupportedMedia, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrValidation, requestID)
		return
	}
	limit := h.cfg.MaxPasteSize*2 + bodyOverhead
	if r.ContentLength > limit {
		writeErr(w, domain.ErrContentTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, domain.ErrContentTooLarge, requestID)
			return
		}
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrValidation, requestID)
		return
	}
	if dec.More() {
		writeErr(w, domain.ErrValidation, requestID)
		return
	}
	vis, err := domain.ParseVisibility(req.Visibility)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	realIP := lim.GetRealIP(r, h.cfg.TrustedProxies)
	params := domain.CreateParams{
		Content:       req.Content,
		Language:      cleanLanguage(req.Language),
		Visibility:    vis,
		ExpiresIn:     req.ExpiresIn,
		Password:      req.Password,
		BurnAfterRead: req.BurnAfterRead,
		RequesterIP:   realIP,
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		if domain.KindOf(err) == domain.KindValidation {
			log.Warn().Err(err).Msg("rejected paste")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Bool("password_protected", paste.HasPassword()).
		Bool("burn_after_read", paste.BurnAfterRead).
		Bool("expires", paste.ExpiresAt != nil).
		Msg("paste created")
	base := h.baseURL(r)
	writeJSON(w, http.StatusCreated, CreateResp{
		ID:        paste.ID,
		URL:       base + "/" + paste.ID,
		Raw:       base + "/raw/" + paste.ID,
		ExpiresAt: paste.ExpiresAt,
	})
}

// readPassword prefers the header. The query parameter is accepted for links
// and is redacted from access logs.
func readPassword(r *http.Request) string {
	if pw := r.Header.Get("X-Paste-Password"); pw != "" {
		return pw
	}
	return r.URL.Query().Get("password")
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if !util.ValidID(id) {
		writeErr(w, domain.ErrNotFound, requestID)
		return
	}
	d, err := h.paste.Get(r.Context(), id, readPassword(r))
	if err != nil {
		h.logReadFailure(r, id, err)
		writeErr(w, err, requestID)
		return
	}
	h.setCaching(w, d.Cacheable)
	writeJSON(w, http.StatusOK, d)
}

func (h *Hdl) GetRaw(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if !util.ValidID(id) {
		writeErr(w, domain.ErrNotFound, requestID)
		return
	}
	raw, err := h.paste.Raw(r.Context(), id, readPassword(r))
	if err != nil {
		h.logReadFailure(r, id, err)
		writeErr(w, err, requestID)
		return
	}
	h.setCaching(w, raw.Cacheable)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw.Body)))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, raw.Body)
}

// GetQR renders the share link. It never touches storage, so it reveals
// nothing about whether the paste exists.
func (h *Hdl) GetQR(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if !util.ValidID(id) {
		writeErr(w, domain.ErrNotFound, requestID)
		return
	}
	png, err := qrcode.Encode(h.baseURL(r)+"/"+id, qrcode.Medium, qrSize)
	if err != nil {
		writeErr(w, domain.ErrInternal.Wrap(err), requestID)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (h *Hdl) setCaching(w http.ResponseWriter, cacheable bool) {
	if cacheable {
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cfg.RawMaxAge/time.Second)))
		return
	}
	w.Header().Set("Cache-Control", "no-store")
}

func (h *Hdl) logReadFailure(r *http.Request, id string, err error) {
	log := hlog.FromRequest(r)
	var ev *zerolog.Event
	if errors.Is(err, domain.ErrUnauthorized) {
		ev = log.Warn().Str("client_ip", util.RedactIP(lim.GetRealIP(r, h.cfg.TrustedProxies)))
	} else {
		ev = log.Debug()
	}
	ev.Str("paste_id", id).Str("code", domain.ToResp(err).Error.Code).Msg("read refused")
}

func (h *Hdl) baseURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return h.cfg.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// cleanLanguage keeps the display hint short and printable. Content itself
// is stored verbatim.
func cleanLanguage(lang *string) *string {
	if lang == nil {
		return nil
	}
	s := norm.NFC.String(*lang)
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) > maxLanguageLen {
		s = string([]rune(s)[:maxLanguageLen])
	}
	return &s
}
