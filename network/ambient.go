package network

import (
	"context"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
)

// Ambient peer discovery on top of the record-based lookups: a Kademlia DHT
// rendezvous plus mDNS for peers on the local network. Both only surface
// candidate addresses; admission control stays with the manager.
const discoveryNamespace = "ream-leanconsensus"

const dhtSearchInterval = 30 * time.Second

type ambientDiscovery struct {
	host    host.Host
	dht     *dht.IpfsDHT
	mdns    mdns.Service
	connect func(peer.AddrInfo)
}

func newAmbientDiscovery(ctx context.Context, h host.Host, connect func(peer.AddrInfo)) (*ambientDiscovery, error) {
	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		return nil, err
	}
	if err := kad.Bootstrap(ctx); err != nil {
		kad.Close()
		return nil, err
	}
	return &ambientDiscovery{host: h, dht: kad, connect: connect}, nil
}

// HandlePeerFound implements the mDNS notifee.
func (a *ambientDiscovery) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == a.host.ID() {
		return
	}
	log.Debugw("peer found via mdns", "peer", pi.ID)
	a.connect(pi)
}

func (a *ambientDiscovery) start(ctx context.Context) {
	a.mdns = mdns.NewMdnsService(a.host, discoveryNamespace, a)
	if err := a.mdns.Start(); err != nil {
		log.Warnw("mdns start failed", "err", err)
		a.mdns = nil
	}

	rd := routing.NewRoutingDiscovery(a.dht)
	_, _ = rd.Advertise(ctx, discoveryNamespace)

	go func() {
		ticker := time.NewTicker(dhtSearchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				peers, err := rd.FindPeers(ctx, discoveryNamespace)
				if err != nil {
					log.Debugw("dht peer search failed", "err", err)
					continue
				}
				for pi := range peers {
					if pi.ID == a.host.ID() || len(pi.Addrs) == 0 {
						continue
					}
					a.connect(pi)
				}
			}
		}
	}()
}

func (a *ambientDiscovery) close() {
	if a.mdns != nil {
		_ = a.mdns.Close()
	}
	_ = a.dht.Close()
}
