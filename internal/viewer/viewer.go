// Package viewer serves the local HTTP API the call UI talks to.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/directory"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/notify"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/thread"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

type Viewer struct {
	SelfID    string
	SelfLabel func() string
	Peers     *state.PeerTable
	Logs      *LogBuffer

	Calls     *call.Manager
	Media     *media.Provider
	MQ        *mq.Manager
	Threads   *thread.Service
	Notify    *notify.Service
	Directory *directory.Service
	DB        *storage.DB // call history
}

// Handler builds the mux. Optional services that are nil leave their
// routes unregistered.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	d := routes.Deps{
		SelfID:   v.SelfID,
		SelfName: v.SelfLabel,
		Peers:    v.Peers,
	}
	if v.Logs != nil {
		d.Logs = v.Logs
	}
	routes.Register(mux, d)
	routes.RegisterCall(mux, v.Calls, v.Media)
	routes.RegisterHistory(mux, v.DB)
	routes.RegisterMQ(mux, v.MQ)
	routes.RegisterThreads(mux, v.Threads, v.SelfID)
	routes.RegisterNotifications(mux, v.Notify)
	routes.RegisterDirectory(mux, v.Directory)

	return mux
}

// Start serves the viewer on addr until ctx ends.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
