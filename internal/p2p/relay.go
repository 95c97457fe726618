package p2p

// relay.go: circuit relay lifecycle, detection, recovery and peer address
// injection.

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	ma "github.com/multiformats/go-multiaddr"
)

// isCircuitAddr returns true if the multiaddr contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// hasCircuitAddr returns true if the host currently has any /p2p-circuit address.
func (n *Node) hasCircuitAddr() bool {
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			return true
		}
	}
	return false
}

// WaitForRelay polls the host's addresses for a /p2p-circuit address so the
// first presence announcement carries it. Returns false on timeout.
func (n *Node) WaitForRelay(ctx context.Context, timeout time.Duration) bool {
	if n.relayPeer == nil {
		return false
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	log.Infof("relay: waiting for circuit address...")
	for {
		if n.hasCircuitAddr() {
			log.Infof("relay: circuit address obtained")
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			log.Infof("relay: timeout waiting for circuit address (%s)", timeout)
			return false
		case <-ticker.C:
		}
	}
}

// SubscribeAddressChanges calls onChange when circuit relay addresses appear
// or disappear. A lost circuit address triggers recovery first.
func (n *Node) SubscribeAddressChanges(ctx context.Context, onChange func()) {
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		log.Warnf("relay: failed to subscribe to address changes: %v", err)
		return
	}

	hadCircuit := n.hasCircuitAddr()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Out():
				hasCircuit := n.hasCircuitAddr()
				if hasCircuit == hadCircuit {
					continue
				}
				if hasCircuit {
					log.Infof("relay: circuit address appeared, re-publishing")
				} else {
					log.Infof("relay: circuit address lost, recovering...")
					n.recoverRelay(ctx)
				}
				hadCircuit = hasCircuit
				onChange()
			}
		}
	}()
}

// recoverRelay clears swarm dial backoff for the relay peer, re-adds its
// addresses, reconnects and waits for a reservation to come back.
func (n *Node) recoverRelay(ctx context.Context) {
	if n.relayPeer == nil || !n.relayRecoveryMu.TryLock() {
		return
	}
	defer n.relayRecoveryMu.Unlock()

	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return
	}
	if n.hasCircuitAddr() {
		log.Infof("relay: autorelay recovered on its own")
		return
	}

	for _, c := range n.Host.Network().ConnsToPeer(n.relayPeer.ID) {
		_ = c.Close()
	}
	if sw, ok := n.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(n.relayPeer.ID)
	}
	n.Host.Peerstore().AddAddrs(n.relayPeer.ID, n.relayPeer.Addrs, 10*time.Minute)

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := n.Host.Connect(connCtx, *n.relayPeer); err != nil {
		log.Warnf("relay: recovery connect failed: %v", err)
		return
	}

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			log.Warnf("relay: reservation timeout after recovery")
			return
		case <-tick.C:
			if n.hasCircuitAddr() {
				log.Infof("relay: reservation restored after recovery")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// injectRelayAddrs adds circuit relay addresses for a peer to the peerstore
// so it can be dialed through the relay even if it never published one.
// Peers with a direct connection are left alone.
func (n *Node) injectRelayAddrs(peerID string) {
	if n.relayPeer == nil {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	for _, c := range n.Host.Network().ConnsToPeer(pid) {
		if !isCircuitAddr(c.RemoteMultiaddr()) {
			return
		}
	}
	for _, a := range circuitAddrs(n.relayPeer) {
		n.Host.Peerstore().AddAddr(pid, a, 10*time.Minute)
	}
}

// circuitAddrs builds <relay-addr>/p2p/<relay-id>/p2p-circuit for every
// relay address.
func circuitAddrs(relay *peer.AddrInfo) []ma.Multiaddr {
	p2pSuffix := "/p2p/" + relay.ID.String()
	suffix, err := ma.NewMultiaddr(p2pSuffix + "/p2p-circuit")
	if err != nil {
		return nil
	}
	out := make([]ma.Multiaddr, 0, len(relay.Addrs))
	for _, raddr := range relay.Addrs {
		base := raddr
		if s := raddr.String(); strings.HasSuffix(s, p2pSuffix) {
			if b, err := ma.NewMultiaddr(strings.TrimSuffix(s, p2pSuffix)); err == nil {
				base = b
			}
		}
		out = append(out, base.Encapsulate(suffix))
	}
	return out
}

// relayAddrInfo converts configured relay info into a peer.AddrInfo.
func relayAddrInfo(ri *RelayInfo) (*peer.AddrInfo, error) {
	pid, err := peer.Decode(ri.PeerID)
	if err != nil {
		return nil, fmt.Errorf("decode relay peer ID: %w", err)
	}
	var addrs []ma.Multiaddr
	for _, s := range ri.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("relay %s: no usable addresses", ri.PeerID)
	}
	return &peer.AddrInfo{ID: pid, Addrs: addrs}, nil
}
