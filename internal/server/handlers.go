package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(log zerolog.Logger, w http.ResponseWriter, status int, err error) {
	writeJSON(log, w, status, map[string]string{"error": err.Error()})
}
