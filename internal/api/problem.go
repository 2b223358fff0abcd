// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/openscribe/scribed/internal/log"
)

// writeProblem writes an RFC 7807 style error response.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	res := map[string]any{
		"status": status,
		"code":   code,
	}
	if detail != "" {
		res["detail"] = detail
	}
	if r != nil {
		if reqID := log.RequestIDFromContext(r.Context()); reqID != "" {
			res["request_id"] = reqID
		}
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		l := log.L()
		l.Error().Err(err).Str("code", code).Msg("failed to encode problem response")
	}
}

// writeJSON writes a 200 JSON body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		l := log.L()
		l.Error().Err(err).Msg("failed to encode response")
	}
}
