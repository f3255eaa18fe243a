package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/quarry/broker"
	"github.com/maxpert/quarry/db"
	"github.com/rs/zerolog/log"
)

// AdminHandlers serves read and maintenance endpoints over one manager and the
// broker running on top of it
type AdminHandlers struct {
	mgr    *db.Manager
	broker *broker.Broker
}

// NewAdminHandlers creates a new AdminHandlers instance. b may be nil when
// the manager is opened without a broker.
func NewAdminHandlers(mgr *db.Manager, b *broker.Broker) *AdminHandlers {
	return &AdminHandlers{
		mgr:    mgr,
		broker: b,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses the exclusive sequence cursor for pagination
func parseFrom(r *http.Request) (uint64, error) {
	from := r.URL.Query().Get("from")
	if from == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(from, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid from parameter: %w", err)
	}
	return seq, nil
}
