// Package app wires one peer: identity, presence, messaging, calls and the
// local viewer.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/directory"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/notify"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/ringer"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/thread"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var log = logging.Logger("app")

// subsystems are the loggers log.level applies to.
var subsystems = []string{
	"app", "call", "config", "directory", "media", "mq",
	"notify", "p2p", "ringer", "thread", "viewer",
}

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	logBuf.Capture(ctx)
	setLogLevel(opt.Cfg.Log.Level)

	logBanner(opt.PeerDir, opt.CfgPath)

	return runPeer(ctx, runPeerOpts{
		PeerDir: opt.PeerDir,
		CfgPath: opt.CfgPath,
		Cfg:     opt.Cfg,
		Logs:    logBuf,
	})
}

type runPeerOpts struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	Logs    *viewer.LogBuffer
}

func runPeer(ctx context.Context, o runPeerOpts) error {
	cfg := o.Cfg
	live := newLiveConfig(cfg)

	profile := func() state.Profile {
		p := live.get().Profile
		return state.Profile{Username: p.Username, FullName: p.FullName, AvatarURL: p.AvatarURL}
	}

	peers := state.NewPeerTable(nil)

	// ── P2P node
	var relay *p2p.RelayInfo
	if cfg.P2P.RelayPeerID != "" {
		relay = &p2p.RelayInfo{PeerID: cfg.P2P.RelayPeerID, Addrs: cfg.P2P.RelayAddrs}
	}
	node, err := p2p.New(ctx, p2p.Options{
		ListenPort:  cfg.P2P.ListenPort,
		KeyFile:     util.ResolvePath(o.PeerDir, cfg.Identity.KeyFile),
		PresenceTTL: time.Duration(cfg.Presence.TTLSec) * time.Second,
		Relay:       relay,
		Profile:     profile,
	}, peers)
	if err != nil {
		return err
	}
	defer node.Close()
	log.Infof("peer id: %s", node.ID())

	// ── Database
	db, err := storage.Open(o.PeerDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// ── Messaging
	mqMgr := mq.New(node.Host)
	defer mqMgr.Close()

	threads := thread.New(db, mqMgr)
	defer threads.Close()

	notes := notify.New(db, mqMgr)
	defer notes.Close()

	dir := directory.New(node.ID(), db, peers)
	go dir.Run(ctx)

	// ── Media
	mediaProv := media.NewProvider(media.Config{
		RoomAPI:    cfg.Call.RoomAPI,
		APIKey:     cfg.Call.RoomAPIKey,
		ICEServers: cfg.Call.ICEServers,
	})

	var capture call.Capturer
	if cfg.Call.Capture {
		c, err := media.NewCapturer()
		switch {
		case errors.Is(err, media.ErrNoCapture):
			log.Warnf("capture unavailable, calls are receive-only")
		case err != nil:
			log.Warnf("capture disabled: %v", err)
		default:
			capture = c
		}
	}

	var player ringer.Player = ringer.NullPlayer{}
	if dp, err := ringer.NewDevicePlayer(); err != nil {
		log.Warnf("no audio output for ring tones: %v", err)
	} else {
		player = dp
		defer dp.Close()
	}
	rings := ringer.NewProvider(player, nil, cfg.Call.RingVolume)
	defer rings.StopAll()

	// ── Calls
	self := call.User{
		ID:        node.ID(),
		Username:  cfg.Profile.Username,
		FullName:  cfg.Profile.FullName,
		AvatarURL: cfg.Profile.AvatarURL,
	}
	calls, err := call.New(self, call.Deps{
		Media:     mediaProv,
		Capture:   capture,
		Signals:   threads,
		Ringers:   rings,
		Notifier:  notes,
		Directory: dir,
		Threads:   threads,
		History:   historyStore{db: db},
		Display:   cfg.Call.Display,
		Volumes:   cfg.Call.Speaker,
	})
	if err != nil {
		return err
	}
	defer calls.Close()
	calls.SetPolicy(cfg.Call.Policy())

	bridgeCalls(ctx, calls, mqMgr)
	go bridgePeers(ctx, peers, mqMgr)

	// ── Config hot reload
	if o.CfgPath != "" {
		if err := config.Watch(ctx, o.CfgPath, func(next config.Config) {
			live.set(next)
			calls.SetPolicy(next.Call.Policy())
			setLogLevel(next.Log.Level)
			node.Publish(ctx, proto.TypeUpdate)
		}); err != nil {
			log.Warnf("config watch disabled: %v", err)
		}
	}

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				SelfID:    node.ID(),
				SelfLabel: func() string { return live.get().Profile.Username },
				Peers:     peers,
				Logs:      o.Logs,
				Calls:     calls,
				Media:     mediaProv,
				MQ:        mqMgr,
				Threads:   threads,
				Notify:    notes,
				Directory: dir,
				DB:        db,
			})
			if err != nil {
				log.Errorf("viewer: %v", err)
			}
		}()
		log.Infof("viewer: %s", url)
	}

	// ── Presence
	node.RunPresenceLoop(ctx, func(m proto.PresenceMsg) {
		log.Debugf("[%s] %s -> %q", m.Type, m.PeerID, m.Username)
	})

	if relay != nil {
		node.SubscribeAddressChanges(ctx, func() { node.Publish(ctx, proto.TypeUpdate) })
		go func() {
			if node.WaitForRelay(ctx, 15*time.Second) {
				node.Publish(ctx, proto.TypeUpdate)
			}
		}()
	}

	node.Publish(ctx, proto.TypeOnline)

	go func() {
		t := time.NewTicker(time.Duration(cfg.Presence.HeartbeatSec) * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				node.Publish(ctx, proto.TypeUpdate)
			}
		}
	}()

	go func() {
		t := time.NewTicker(1 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				p := live.get().Presence
				peers.PruneStale(
					time.Duration(p.TTLSec)*time.Second,
					time.Duration(p.OfflineGraceSec)*time.Second)
			}
		}
	}()

	<-ctx.Done()
	log.Infof("PEER: context cancelled, sending offline message...")
	offCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	node.Publish(offCtx, proto.TypeOffline)
	return nil
}

func setLogLevel(level string) {
	for _, s := range subsystems {
		if err := logging.SetLogLevel(s, level); err != nil {
			log.Warnf("log level %q for %s: %v", level, s, err)
		}
	}
}
