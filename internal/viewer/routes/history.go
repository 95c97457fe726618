package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/storage"
)

// RegisterHistory exposes finished calls.
//
//	GET /api/call/history?thread=X&limit=N  newest first, all threads when thread is empty
func RegisterHistory(mux *http.ServeMux, db *storage.DB) {
	if db == nil {
		return
	}
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.ListCalls(r.URL.Query().Get("thread"), queryInt(r, "limit", 50))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		type callView struct {
			storage.CallRow
			DurationMs int64 `json:"duration_ms"`
		}
		out := make([]callView, 0, len(rows))
		for _, c := range rows {
			out = append(out, callView{CallRow: c, DurationMs: c.Duration().Milliseconds()})
		}
		writeJSON(w, out)
	})
}
