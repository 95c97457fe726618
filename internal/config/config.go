package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Profile  Profile  `json:"profile"`
	Call     Call     `json:"call"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int `json:"listen_port"`

	// Optional static circuit relay for peers behind NAT.
	RelayPeerID string   `json:"relay_peer_id"`
	RelayAddrs  []string `json:"relay_addrs"`
}

type Presence struct {
	TTLSec       int `json:"ttl_seconds"`
	HeartbeatSec int `json:"heartbeat_seconds"`
	// How long an offline peer stays in the presence table.
	OfflineGraceSec int `json:"offline_grace_seconds"`
}

type Profile struct {
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
}

type Call struct {
	RingTimeoutSec int `json:"ring_timeout_seconds"`
	JoinTimeoutSec int `json:"join_timeout_seconds"`
	AcceptGraceMs  int `json:"accept_grace_ms"`
	CloseDelayMs   int `json:"close_delay_ms"`

	// Room API that issues media room credentials.
	RoomAPI    string   `json:"room_api"`
	RoomAPIKey string   `json:"room_api_key"`
	ICEServers []string `json:"ice_servers"`

	// Capture enables local microphone, camera and screen capture. When
	// false the peer joins calls receive-only.
	Capture bool `json:"capture"`

	RingVolume float64      `json:"ring_volume"`
	Speaker    call.Volumes `json:"speaker"`
	Display    call.Display `json:"display"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`
}

func Default() Config {
	p := call.DefaultPolicy()
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
		},
		Presence: Presence{
			TTLSec:          20,
			HeartbeatSec:    5,
			OfflineGraceSec: 300,
		},
		Profile: Profile{
			Username: "peer",
		},
		Call: Call{
			RingTimeoutSec: int(p.RingTimeout / time.Second),
			JoinTimeoutSec: int(p.JoinTimeout / time.Second),
			AcceptGraceMs:  int(p.AcceptGrace / time.Millisecond),
			CloseDelayMs:   int(p.CloseDelay / time.Millisecond),
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
			Capture:        true,
			RingVolume:     0.6,
			Speaker:        call.DefaultVolumes(),
			Display:        call.Display{Width: 1920, Height: 1080},
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Policy converts the call timings to the state machine's Policy.
func (c Call) Policy() call.Policy {
	return call.Policy{
		RingTimeout: time.Duration(c.RingTimeoutSec) * time.Second,
		JoinTimeout: time.Duration(c.JoinTimeoutSec) * time.Second,
		AcceptGrace: time.Duration(c.AcceptGraceMs) * time.Millisecond,
		CloseDelay:  time.Duration(c.CloseDelayMs) * time.Millisecond,
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if (c.P2P.RelayPeerID == "") != (len(c.P2P.RelayAddrs) == 0) {
		return errors.New("p2p.relay_peer_id and p2p.relay_addrs must be set together")
	}

	// Presence
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}
	if c.Presence.OfflineGraceSec < 0 {
		return errors.New("presence.offline_grace_seconds must be >= 0")
	}

	// Profile
	if strings.TrimSpace(c.Profile.Username) == "" {
		return errors.New("profile.username is required")
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.JoinTimeoutSec <= 0 {
		return errors.New("call.join_timeout_seconds must be > 0")
	}
	if c.Call.AcceptGraceMs < 0 || c.Call.CloseDelayMs < 0 {
		return errors.New("call.accept_grace_ms and call.close_delay_ms must be >= 0")
	}
	if c.Call.RoomAPI != "" {
		if err := validateHTTPURL(c.Call.RoomAPI); err != nil {
			return fmt.Errorf("call.room_api: %w", err)
		}
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q must be a stun: or turn: url", s)
		}
	}
	if c.Call.RingVolume < 0 || c.Call.RingVolume > 1 {
		return errors.New("call.ring_volume must be 0..1")
	}
	for _, v := range []float64{c.Call.Speaker.Low, c.Call.Speaker.Normal, c.Call.Speaker.Loud} {
		if v < 0 || v > 1 {
			return errors.New("call.speaker volumes must be 0..1")
		}
	}

	// Viewer
	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
