// internal/viewer/routes/register.go
package routes

import (
	"net/http"
	"sort"

	"github.com/petervdpas/goopcall/internal/state"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	SelfID   string
	SelfName func() string
	Peers    *state.PeerTable
	Logs     Logs
}

// Register adds the routes every peer serves.
//
//	GET /api/self   local identity
//	GET /api/peers  presence table
//	GET /api/logs   log ring buffer, /api/logs/stream for SSE
func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)

	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		name := ""
		if d.SelfName != nil {
			name = d.SelfName()
		}
		writeJSON(w, map[string]string{"id": d.SelfID, "name": name})
	})

	if d.Peers == nil {
		return
	}
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		type peerView struct {
			ID string `json:"id"`
			state.SeenPeer
			Online bool `json:"online"`
		}
		snap := d.Peers.Snapshot()
		out := make([]peerView, 0, len(snap))
		for id, sp := range snap {
			out = append(out, peerView{ID: id, SeenPeer: sp, Online: sp.Online()})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		writeJSON(w, out)
	})
}
