package routes

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/mq"
)

// RegisterMQ adds the message-queue HTTP endpoints.
//
//	POST /api/mq/send    send a message to a peer
//	GET  /api/mq/events  SSE stream of incoming messages and local events
func RegisterMQ(mux *http.ServeMux, mqMgr *mq.Manager) {
	if mqMgr == nil {
		return
	}

	handlePost(mux, "/api/mq/send", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID  string `json:"peer_id"`
		Topic   string `json:"topic"`
		Payload any    `json:"payload"`
	}) {
		if req.PeerID == "" || req.Topic == "" {
			http.Error(w, "missing peer_id or topic", http.StatusBadRequest)
			return
		}
		// Threads and notifications have their own services that persist them.
		if strings.HasPrefix(req.Topic, mq.TopicThreadPrefix) || req.Topic == mq.TopicNotify {
			http.Error(w, "reserved topic", http.StatusForbidden)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		msgID, err := mqMgr.Send(ctx, req.PeerID, req.Topic, req.Payload)
		if err != nil {
			log.Warnf("MQ: send to %s failed: %v", req.PeerID, err)
			http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusGatewayTimeout)
			return
		}

		writeJSON(w, map[string]string{
			"msg_id": msgID,
			"status": "delivered",
		})
	})

	handleGet(mux, "/api/mq/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		evtCh, cancel := mqMgr.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-evtCh:
				if !ok {
					return
				}
				if err := writeSSE(w, "message", evt); err != nil {
					log.Warnf("MQ: SSE write error: %v", err)
					return
				}
				flusher.Flush()
			}
		}
	})
}
