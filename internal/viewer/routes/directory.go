package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/directory"
)

// RegisterDirectory exposes user search.
//
//	GET /api/users/search?q=X&limit=N
func RegisterDirectory(mux *http.ServeMux, dir *directory.Service) {
	if dir == nil {
		return
	}
	handleGet(mux, "/api/users/search", func(w http.ResponseWriter, r *http.Request) {
		users, err := dir.Search(r.Context(), r.URL.Query().Get("q"), queryInt(r, "limit", 20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		type userView struct {
			ID        string `json:"id"`
			Username  string `json:"username"`
			FullName  string `json:"full_name"`
			AvatarURL string `json:"avatar_url"`
			Online    bool   `json:"online"`
		}
		out := make([]userView, 0, len(users))
		for _, u := range users {
			out = append(out, userView{u.ID, u.Username, u.FullName, u.AvatarURL, dir.Online(u.ID)})
		}
		writeJSON(w, out)
	})
}
