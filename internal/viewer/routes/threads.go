package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/thread"
)

// RegisterThreads exposes the signal log of threads.
//
//	POST /api/threads/direct             find or create the direct thread with a peer
//	GET  /api/threads/{id}/messages?after=SEQ&limit=N
func RegisterThreads(mux *http.ServeMux, threads *thread.Service, selfID string) {
	if threads == nil {
		return
	}
	handlePost(mux, "/api/threads/direct", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		id, err := threads.FindOrCreateDirect(r.Context(), selfID, req.PeerID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"thread_id": id})
	})

	handleGet(mux, "/api/threads/", func(w http.ResponseWriter, r *http.Request) {
		parts := splitTail(r.URL.Path, "/api/threads/")
		if len(parts) != 2 || parts[1] != "messages" {
			http.Error(w, "invalid path, expected /api/threads/{id}/messages", http.StatusBadRequest)
			return
		}
		msgs, err := threads.Messages(parts[0], int64(queryInt(r, "after", 0)), queryInt(r, "limit", 100))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, msgs)
	})
}
