package http

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/berea-app/berea/internal/apperr"
)

// envelope is the uniform response shape: {"success": true, "data": ...} or
// {"success": false, "error": {...}}.
type envelope struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *apperr.Error `json:"error,omitempty"`
}

func respondOK(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperr.From(err)
	if appErr.Status >= 500 {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	} else {
		hlog.FromRequest(r).Debug().Err(err).Msg("request rejected")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: appErr})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("malformed JSON body").WithCause(err)
	}
	return nil
}
