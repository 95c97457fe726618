// Package p2p runs the libp2p host: identity, LAN discovery and the gossip
// presence topic that feeds the user directory.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/state"
)

var log = logging.Logger("p2p")

const connectTimeout = 10 * time.Second

func init() {
	// Dial failures and backoff errors go to stderr by default.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

// Options configures a Node.
type Options struct {
	ListenPort int
	KeyFile    string
	// PresenceTTL is how long direct addresses learned from presence stay in
	// the peerstore; circuit addresses use 10x this.
	PresenceTTL time.Duration
	// Relay, when set, enables circuit relay through a static relay peer.
	Relay *RelayInfo
	// Profile returns what this peer announces about its user.
	Profile func() state.Profile
}

// RelayInfo names a static circuit relay.
type RelayInfo struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service

	profile     func() state.Profile
	peers       *state.PeerTable
	presenceTTL time.Duration

	// Relay peer info for recovery after connection drops.
	relayPeer       *peer.AddrInfo
	relayRecoveryMu sync.Mutex
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugw("mdns connect failed", "peer", pi.ID, "err", err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts the libp2p host, mDNS discovery and the presence topic.
func New(ctx context.Context, o Options, peers *state.PeerTable) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(o.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", o.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", o.KeyFile)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", o.ListenPort)),
	}

	var relayPeer *peer.AddrInfo
	if o.Relay != nil {
		ri, err := relayAddrInfo(o.Relay)
		if err == nil {
			relayPeer = ri
			opts = append(opts,
				libp2p.EnableRelay(),
				libp2p.EnableHolePunching(),
				libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*ri},
					autorelay.WithBootDelay(0),
					autorelay.WithBackoff(30*time.Second),
				),
				libp2p.ForceReachabilityPrivate(),
			)
			log.Infof("relay: enabled (relay peer %s, %d addrs)", ri.ID, len(ri.Addrs))
		} else {
			log.Warnf("relay: invalid relay info, skipping: %v", err)
		}
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	n, err := attach(ctx, h, o, peers)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	n.relayPeer = relayPeer

	n.mdns = mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
	if err := n.mdns.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}
	return n, nil
}

// attach joins the presence topic on an existing host.
func attach(ctx context.Context, h host.Host, o Options, peers *state.PeerTable) (*Node, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}
	topic, err := ps.Join(proto.PresenceTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	profile := o.Profile
	if profile == nil {
		profile = func() state.Profile { return state.Profile{} }
	}
	return &Node{
		Host:        h,
		ps:          ps,
		topic:       topic,
		sub:         sub,
		profile:     profile,
		peers:       peers,
		presenceTTL: o.PresenceTTL,
	}, nil
}

func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	n.sub.Cancel()
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Publish announces this peer on the presence topic.
func (n *Node) Publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		p := n.profile()
		msg.Username = p.Username
		msg.FullName = p.FullName
		msg.AvatarURL = p.AvatarURL
		msg.Addrs = n.wanAddrs()
	}

	b, _ := json.Marshal(msg)
	if err := n.topic.Publish(ctx, b); err != nil {
		log.Debugw("presence publish failed", "type", typ, "err", err)
	}
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses. Circuit relay addresses are always included.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
// Circuit relay addresses get a longer TTL since they outlive individual
// presence heartbeats.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, ttl)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, ttl*10)
	}
}

// RunPresenceLoop applies presence messages to the peer table until ctx
// ends. onEvent, if set, sees every accepted message.
func (n *Node) RunPresenceLoop(ctx context.Context, onEvent func(msg proto.PresenceMsg)) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}
			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			// Only the peer itself may speak for its presence.
			if from, err := peer.IDFromBytes(m.GetFrom()); err == nil && from.String() != pm.PeerID {
				continue
			}
			if !n.handlePresence(pm) {
				continue
			}
			if onEvent != nil {
				onEvent(pm)
			}
		}
	}()
}

// handlePresence applies one message and reports whether it was accepted.
func (n *Node) handlePresence(pm proto.PresenceMsg) bool {
	if pm.PeerID == "" || pm.Type == "" || pm.PeerID == n.ID() {
		return false
	}
	switch pm.Type {
	case proto.TypeOnline, proto.TypeUpdate:
		n.peers.Upsert(pm.PeerID, state.Profile{
			Username:  pm.Username,
			FullName:  pm.FullName,
			AvatarURL: pm.AvatarURL,
		})
		n.addPeerAddrs(pm.PeerID, pm.Addrs)
		n.injectRelayAddrs(pm.PeerID)
	case proto.TypeOffline:
		n.peers.MarkOffline(pm.PeerID)
	default:
		return false
	}
	return true
}
