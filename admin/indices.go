package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/quarry/db"
	"github.com/rs/zerolog/log"
)

type recordView struct {
	Key    string `json:"key"`
	Seq    uint64 `json:"seq"`
	Offset uint64 `json:"offset"`
	Length uint32 `json:"length"`
	Type   string `json:"type"`
}

// handleListIndices handles GET /indices?match=<glob>
func (h *AdminHandlers) handleListIndices(w http.ResponseWriter, r *http.Request) {
	names, err := h.mgr.ListIndices(r.URL.Query().Get("match"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result := make([]db.IndexInfo, 0, len(names))
	for _, name := range names {
		info, err := h.mgr.Describe(name)
		if err != nil {
			log.Debug().Err(err).Str("index", name).Msg("Skipping index in listing")
			continue
		}
		result = append(result, info)
	}

	writeJSONResponse(w, result, false, "")
}

// handleDescribeIndex handles GET /indices/{name}
func (h *AdminHandlers) handleDescribeIndex(w http.ResponseWriter, r *http.Request) {
	info, err := h.mgr.Describe(chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSONResponse(w, info, false, "")
}

// handleIndexRecords handles GET /indices/{name}/records?from=<seq>&limit=<n>.
// Records come back in delivery order; last_key is the cursor for the next page.
func (h *AdminHandlers) handleIndexRecords(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	// Only existing indices; OpenOrCreate would register a new one
	if _, err := h.mgr.Describe(name); err != nil {
		writeStoreError(w, err)
		return
	}

	idx, err := h.mgr.OpenOrCreate(name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer func() {
		if err := h.mgr.Release(name); err != nil {
			log.Warn().Err(err).Str("index", name).Msg("Failed to release index after listing")
		}
	}()

	// One extra record tells whether another page exists
	recs, err := idx.Scan(from, limit+1)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}

	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, recordView{
			Key:    rec.Key,
			Seq:    rec.Seq,
			Offset: rec.Entry.Offset,
			Length: rec.Entry.Length,
			Type:   rec.Entry.Type.String(),
		})
	}

	lastKey := ""
	if hasMore {
		lastKey = strconv.FormatUint(recs[len(recs)-1].Seq, 10)
	}
	writeJSONResponse(w, views, hasMore, lastKey)
}

// handleDropIndex handles DELETE /indices/{name}
func (h *AdminHandlers) handleDropIndex(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, err := h.mgr.Describe(name); err != nil {
		writeStoreError(w, err)
		return
	}

	if err := h.mgr.DropIndex(name); err != nil {
		writeStoreError(w, err)
		return
	}

	log.Info().Str("index", name).Str("remote", r.RemoteAddr).Msg("Index dropped via admin")
	writeJSONResponse(w, map[string]interface{}{"dropped": name}, false, "")
}

func writeStoreError(w http.ResponseWriter, err error) {
	var corrupt *db.CorruptIndexError
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, db.ErrInvalidName):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrReadOnly):
		writeErrorResponse(w, http.StatusForbidden, err.Error())
	case errors.Is(err, db.ErrInUse):
		writeErrorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrClosed):
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &corrupt):
		writeErrorResponse(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}
