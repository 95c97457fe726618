package routes

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
)

var log = logging.Logger("viewer")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The viewer only listens on loopback; browsers on any local origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// RegisterCall registers the call API.
//
//	POST /api/call/start                           place a call
//	GET  /api/call/sessions                        snapshots of live sessions
//	GET  /api/call/events                          SSE: incoming calls
//	GET  /api/call/session/{thread}                snapshot
//	POST /api/call/session/{thread}/{action}       accept, reject, hangup, mute,
//	                                                camera, speaker, share, unshare,
//	                                                hand, invite
//	GET  /api/call/session/{thread}/candidates?q=  invite picker
//	GET  /api/call/session/{thread}/events         SSE: snapshots
//	GET  /api/call/session/{thread}/ws             WebSocket: snapshots
//	GET  /api/call/media/{room}/{participant}      WebSocket: remote WebM preview
//	GET  /api/call/media/{room}/{participant}/share WebSocket: remote screen share
//
// callMgr may be nil; then only GET /api/call/mode is registered.
func RegisterCall(mux *http.ServeMux, callMgr *call.Manager, previews *media.Provider) {
	handleGet(mux, "/api/call/mode", func(w http.ResponseWriter, r *http.Request) {
		mode := "disabled"
		if callMgr != nil {
			mode = "native"
		}
		writeJSON(w, map[string]string{"mode": mode})
	})

	if callMgr == nil {
		return
	}

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req call.CallRequest) {
		if req.ThreadID == "" && req.PeerID == "" {
			http.Error(w, "missing thread_id or peer_id", http.StatusBadRequest)
			return
		}
		sess, err := callMgr.StartCall(r.Context(), req)
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, sess.Snapshot())
	})

	handleGet(mux, "/api/call/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := callMgr.Sessions()
		out := make([]call.Snapshot, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, s.Snapshot())
		}
		writeJSON(w, map[string]any{
			"session_count": len(out),
			"sessions":      out,
		})
	})

	// Each connection registers its own incoming handler and drops it on
	// disconnect so the manager never accumulates stale handlers.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		inCh := make(chan call.Snapshot, 8)
		off := callMgr.OnIncoming(func(s *call.Session) {
			select {
			case inCh <- s.Snapshot():
			default:
				log.Warnf("CALL [%s]: incoming event dropped for slow client", s.ThreadID())
			}
		})
		defer off()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case snap := <-inCh:
				if writeSSE(w, "incoming", snap) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	mux.HandleFunc("/api/call/session/", func(w http.ResponseWriter, r *http.Request) {
		parts := splitTail(r.URL.Path, "/api/call/session/")
		if len(parts) == 0 || len(parts) > 2 {
			http.Error(w, "invalid path, expected /api/call/session/{thread}/{action}", http.StatusBadRequest)
			return
		}
		sess, ok := callMgr.Session(parts[0])
		if !ok {
			callError(w, call.ErrNoSession)
			return
		}
		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			writeJSON(w, sess.Snapshot())
			return
		}

		switch action := parts[1]; action {
		case "events":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			streamSnapshots(w, r, sess)
		case "ws":
			serveSnapshotSocket(w, r, sess)
		case "candidates":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			cands, err := sess.InviteCandidates(ctx, r.URL.Query().Get("q"))
			if err != nil {
				callError(w, err)
				return
			}
			writeJSON(w, cands)
		default:
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			sessionAction(w, r, sess, action)
		}
	})

	mux.HandleFunc("/api/call/media/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		parts := splitTail(r.URL.Path, "/api/call/media/")
		switch {
		case len(parts) == 2:
		case len(parts) == 3 && parts[2] == "share":
			parts = []string{parts[0], parts[1] + "/share"}
		default:
			http.Error(w, "invalid path, expected /api/call/media/{room}/{participant}[/share]", http.StatusBadRequest)
			return
		}
		if previews == nil {
			http.Error(w, "media previews unavailable", http.StatusServiceUnavailable)
			return
		}
		pv, ok := previews.Preview(parts[0], parts[1])
		if !ok {
			http.Error(w, "participant not found", http.StatusNotFound)
			return
		}
		servePreview(w, r, parts[0], pv)
	})
}

func sessionAction(w http.ResponseWriter, r *http.Request, sess *call.Session, action string) {
	var body struct {
		Raised bool   `json:"raised"`
		UserID string `json:"user_id"`
	}
	if decodeJSON(w, r, &body) != nil {
		return
	}

	var (
		res any
		err error
	)
	switch action {
	case "accept":
		err = sess.Accept()
	case "reject":
		err = sess.Reject()
	case "hangup":
		err = sess.Hangup()
	case "mute":
		var muted bool
		muted, err = sess.ToggleMute()
		res = map[string]bool{"muted": muted}
	case "camera":
		var on bool
		on, err = sess.ToggleCamera()
		res = map[string]bool{"camera_on": on}
	case "speaker":
		var lvl call.SpeakerLevel
		lvl, err = sess.CycleSpeaker()
		res = map[string]call.SpeakerLevel{"speaker": lvl}
	case "share":
		err = sess.StartScreenShare()
	case "unshare":
		err = sess.StopScreenShare()
	case "hand":
		err = sess.RaiseHand(body.Raised)
	case "invite":
		if body.UserID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		err = sess.Invite(ctx, body.UserID)
	default:
		http.Error(w, "unknown call action", http.StatusNotFound)
		return
	}
	if err != nil {
		callError(w, err)
		return
	}
	if res == nil {
		res = sess.Snapshot()
	}
	writeJSON(w, res)
}

func streamSnapshots(w http.ResponseWriter, r *http.Request, sess *call.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)

	ch, stop := sess.Watch()
	defer stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if writeSSE(w, "state", snap) != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func serveSnapshotSocket(w http.ResponseWriter, r *http.Request, sess *call.Session) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("CALL [%s]: WebSocket upgrade error: %v", sess.ThreadID(), err)
		return
	}
	defer conn.Close()

	closed := drainReads(conn)
	ch, stop := sess.Watch()
	defer stop()
	for {
		select {
		case <-closed:
			return
		case snap, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call closed"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}

// servePreview streams binary WebM to the browser's MSE. The first message
// is the init segment; later ones are clusters.
func servePreview(w http.ResponseWriter, r *http.Request, room string, pv *media.Preview) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("CALL [%s]: media WebSocket upgrade error: %v", room, err)
		return
	}
	defer conn.Close()
	log.Debugf("CALL [%s]: media WebSocket connected", room)

	closed := drainReads(conn)
	dataCh, cancel := pv.Subscribe()
	defer cancel()
	for {
		select {
		case <-closed:
			log.Debugf("CALL [%s]: media WebSocket disconnected", room)
			return
		case data, ok := <-dataCh:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}

// drainReads consumes control frames and reports when the peer goes away.
func drainReads(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}
