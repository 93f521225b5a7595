package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"trailkeep/internal/ledger"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondData(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, map[string]any{
		"success": true,
		"data":    data,
	})
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]any{
		"success": false,
		"message": message,
	}
	if err != nil {
		body["error"] = err.Error()
	}
	respondJSON(w, status, body)
}

// respondLedgerError maps the ledger error taxonomy onto HTTP statuses.
// ErrDeferred is not a failure: the event was accepted and parked, so the
// caller gets 202.
func respondLedgerError(w http.ResponseWriter, message string, err error) {
	var (
		validation *ledger.ValidationError
		notFound   *ledger.NotFoundError
		conflict   *ledger.ConflictError
	)
	switch {
	case errors.Is(err, ledger.ErrDeferred):
		respondJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"data":    map[string]any{"deferred": true},
		})
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.As(err, &conflict):
		respondError(w, http.StatusConflict, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New(name + " must be an RFC 3339 timestamp or YYYY-MM-DD date")
}

// clientIP returns the caller's address without the port. The RealIP
// middleware already rewrites RemoteAddr to a bare address when a proxy
// header is present; direct connections still carry ip:port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
