// internal/viewer/routes/api_logs.go

package routes

import "net/http"

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.Handle("/api/logs", localOnly(http.HandlerFunc(d.Logs.ServeLogsJSON)))
	mux.Handle("/api/logs/stream", localOnly(http.HandlerFunc(d.Logs.ServeLogsSSE)))
}
