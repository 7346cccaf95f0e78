package trcstream

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"
)

// accepts reports whether the request's Accept header names mediaType
// explicitly. Wildcards don't count.
func accepts(r *http.Request, mediaType string) bool {
	for _, part := range strings.Split(r.Header.Get("accept"), ",") {
		if mt, _, err := mime.ParseMediaType(part); err == nil && mt == mediaType {
			return true
		}
	}
	return false
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func respondError(w http.ResponseWriter, err error, code int) {
	respondJSON(w, code, errorResponse{Error: err.Error(), Status: code})
}

func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

// clamp parses s, returning def if it's invalid, and clamping it to [lo, hi]
// otherwise.
func clamp[T int | time.Duration](s string, parse func(string) (T, error), lo, def, hi T) T {
	v, err := parse(s)
	if err != nil {
		return def
	}
	return min(max(v, lo), hi)
}
