package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

// parseUnixMilliQuery extracts a unix-millisecond timestamp. ok is false when the key is absent.
func parseUnixMilliQuery(r *http.Request, key string) (ts time.Time, ok bool, err error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", slog.Any("err", err))
	}
}

// getEnvInt returns an integer environment variable value or default if not set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return defaultVal
}
