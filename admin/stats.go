package admin

import (
	"net/http"

	"github.com/maxpert/quarry/broker"
)

// handleDestinations handles GET /destinations
func (h *AdminHandlers) handleDestinations(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeJSONResponse(w, []broker.DestinationInfo{}, false, "")
		return
	}
	writeJSONResponse(w, h.broker.Destinations(), false, "")
}

// handleStats returns allocation log statistics
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	root := h.mgr.Root()
	response := map[string]interface{}{
		"store":     h.mgr.Name(),
		"mode":      string(h.mgr.Mode()),
		"log":       h.mgr.LogStats(),
		"counter":   root.Counter,
		"free_head": root.FreeHead,
		"indices":   h.mgr.IndexStats(),
	}

	writeJSONResponse(w, response, false, "")
}

// handleHealth reports whether the store still accepts work
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.mgr.Closed() {
		writeErrorResponse(w, http.StatusServiceUnavailable, "store is closed")
		return
	}

	response := map[string]interface{}{
		"healthy": true,
		"loaded":  len(h.mgr.IndexStats()),
	}
	writeJSONResponse(w, response, false, "")
}
