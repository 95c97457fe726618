package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/notify"
)

// RegisterNotifications exposes the local inbox.
//
//	GET  /api/notifications?unread=1&limit=N  newest first
//	POST /api/notifications/read              mark one read
func RegisterNotifications(mux *http.ServeMux, svc *notify.Service) {
	if svc == nil {
		return
	}
	handleGet(mux, "/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		unread := r.URL.Query().Get("unread") == "1"
		rows, err := svc.List(unread, queryInt(r, "limit", 50))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rows)
	})

	handlePost(mux, "/api/notifications/read", func(w http.ResponseWriter, r *http.Request, req struct {
		ID string `json:"id"`
	}) {
		if req.ID == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if err := svc.MarkRead(req.ID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}
