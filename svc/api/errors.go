package api

import (
	"encoding/json"
	"net/http"

	"rawtext/pkg/domain"
	"rawtext/svc/util"
)

var errUnsupportedMedia = domain.NewErr(domain.KindValidation, "UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json")

func statusFor(err error) int {
	if e, ok := domain.AsErr(err); ok && e.Code == errUnsupportedMedia.Code {
		return http.StatusUnsupportedMediaType
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindGone:
		return http.StatusGone
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	status := statusFor(err)
	if status >= 500 {
		util.Error().Err(err).Str("request_id", requestID).Int("status", status).Msg("request failed")
	}
	resp := domain.ToResp(err)
	resp.Error.RequestID = requestID
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
