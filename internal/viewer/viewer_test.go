package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/storage"
)

// stubMedia joins every room instantly and never reports participants, so
// outgoing sessions stay connecting until hung up.
type stubMedia struct{}

func (stubMedia) NewSession() call.MediaSession { return stubSession{} }

type stubSession struct{}

func (stubSession) CreateOrJoinRoom(_ context.Context, roomID string) (call.Credential, error) {
	if roomID == "" {
		roomID = "room-1"
	}
	return call.Credential{RoomID: roomID, Token: "tok"}, nil
}
func (stubSession) Join(context.Context, call.Credential, call.JoinOptions) error { return nil }
func (stubSession) Leave() error                                                  { return nil }
func (stubSession) EnableMic(call.Track) error                                    { return nil }
func (stubSession) MuteMic() error                                                { return nil }
func (stubSession) EnableWebcam(call.Track) error                                 { return nil }
func (stubSession) DisableWebcam() error                                          { return nil }
func (stubSession) EnableScreenShare(call.Track) error                            { return nil }
func (stubSession) DisableScreenShare() error                                     { return nil }
func (stubSession) ParticipantTracks(string) []call.Track                         { return nil }
func (stubSession) Subscribe(func(call.MediaEvent)) func()                        { return func() {} }

func newCalls(t *testing.T) *call.Manager {
	t.Helper()
	m, err := call.New(call.User{ID: "alice", Username: "alice"}, call.Deps{Media: stubMedia{}})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	h := Handler(Viewer{SelfID: "alice", Calls: newCalls(t)})

	rec := do(t, h, http.MethodPost, "/api/call/start", `{"thread_id":"t1","peer_id":"bob","kind":"video"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[call.Snapshot](t, rec)
	assert.Equal(t, "t1", snap.ThreadID)
	assert.Equal(t, call.Outgoing, snap.Direction)
	assert.Equal(t, call.Video, snap.Kind)

	rec = do(t, h, http.MethodPost, "/api/call/start", `{"thread_id":"t1","peer_id":"bob"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/call/session/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snap.CallID, decode[call.Snapshot](t, rec).CallID)

	rec = do(t, h, http.MethodGet, "/api/call/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, rec)["session_count"])

	rec = do(t, h, http.MethodPost, "/api/call/session/t1/mute", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"muted": true}, decode[map[string]bool](t, rec))

	rec = do(t, h, http.MethodPost, "/api/call/session/t1/hangup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, call.StatusEnded, decode[call.Snapshot](t, rec).Status)

	rec = do(t, h, http.MethodPost, "/api/call/session/t1/accept", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCallRouteErrors(t *testing.T) {
	h := Handler(Viewer{SelfID: "alice", Calls: newCalls(t)})

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/call/start", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/call/start", `{"peer_id":`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/call/session/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/call/start", "").Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/call/start", `{"thread_id":"t2","peer_id":"bob"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/call/session/t2/dance", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/call/session/t2/invite", `{}`).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/api/call/session/t2/candidates?q=x", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/api/call/media/room-1/bob", "").Code)
}

func TestCallModeWithoutManager(t *testing.T) {
	h := Handler(Viewer{SelfID: "alice"})
	rec := do(t, h, http.MethodGet, "/api/call/mode", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", decode[map[string]string](t, rec)["mode"])
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/call/start", `{}`).Code)
}

func TestHistoryRoute(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	start := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, db.InsertCall(storage.CallRow{
		CallID: "c1", ThreadID: "t1", PeerID: "bob", Direction: "outgoing", Kind: "audio",
		EndReason: "hangup", StartedAt: start, ConnectedAt: start.Add(time.Second), EndedAt: start.Add(61 * time.Second),
	}))

	h := Handler(Viewer{SelfID: "alice", DB: db})
	rec := do(t, h, http.MethodGet, "/api/call/history?thread=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]map[string]any](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "c1", rows[0]["call_id"])
	assert.Equal(t, float64(60_000), rows[0]["duration_ms"])
}

func TestLogsAreLocalOnly(t *testing.T) {
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte("hello\n"))
	h := Handler(Viewer{SelfID: "alice", Logs: logs})

	rec := do(t, h, http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]LogEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Msg)

	req := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	remote := httptest.NewRecorder()
	h.ServeHTTP(remote, req)
	assert.Equal(t, http.StatusForbidden, remote.Code)
}
