package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/syjn99/ream/network/enr"
)

var (
	nonceRand = rand.New(rand.NewSource(time.Now().UnixNano()))
	nonceMu   sync.Mutex
)

func newNonce() uint64 {
	nonceMu.Lock()
	defer nonceMu.Unlock()
	return nonceRand.Uint64()
}

// readLoop serves inbound datagrams until the socket closes. Malformed or
// badly signed packets are dropped without affecting other peers.
func (d *Discovery) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			log.Debugw("discovery read error", "err", err)
			continue
		}
		pkt, err := decodePacket(buf[:n])
		if err != nil {
			log.Debugw("dropping bad discovery packet", "from", addr, "err", err)
			continue
		}
		d.handlePacket(pkt, addr)
	}
}

func (d *Discovery) handlePacket(pkt *decodedPacket, addr *net.UDPAddr) {
	if pkt.from != nil {
		if _, err := d.book.Accept(pkt.from); err == nil {
			d.table.Insert(pkt.from)
		}
	}

	switch pkt.typ {
	case msgPing:
		d.reply(msgPong, pkt.nonce, nil, addr)

	case msgFindNode:
		// Serve the closest records we know; the reply must fit one
		// datagram, so trim until it encodes.
		records := d.table.Closest(pkt.target, d.cfg.BucketSize, nil)
		for len(records) >= 0 {
			enc, err := encodePacket(msgNodes, pkt.nonce, d.Self(), NodeID{}, records)
			if err == nil {
				d.send(enc, addr)
				break
			}
			if len(records) == 0 {
				break
			}
			records = records[:len(records)-1]
		}

	case msgPong, msgNodes:
		d.mu.Lock()
		ch, ok := d.pending[pkt.nonce]
		if ok {
			delete(d.pending, pkt.nonce)
		}
		d.mu.Unlock()
		if ok {
			ch <- pkt.records
		}
	}
}

func (d *Discovery) reply(typ uint8, nonce uint64, target *NodeID, addr *net.UDPAddr) {
	var t NodeID
	if target != nil {
		t = *target
	}
	enc, err := encodePacket(typ, nonce, d.Self(), t, nil)
	if err != nil {
		log.Debugw("encode discovery reply failed", "err", err)
		return
	}
	d.send(enc, addr)
}

func (d *Discovery) send(data []byte, addr *net.UDPAddr) {
	if d.conn == nil {
		return
	}
	if _, err := d.conn.WriteToUDP(data, addr); err != nil {
		log.Debugw("discovery send failed", "to", addr, "err", err)
	}
}

// queryUDP performs one FINDNODE round trip against the peer's first UDP
// endpoint, honoring the context deadline.
func (d *Discovery) queryUDP(ctx context.Context, rec *enr.Record, target NodeID) ([]*enr.Record, error) {
	addr, ok := udpEndpoint(rec)
	if !ok {
		return nil, fmt.Errorf("record declares no udp endpoint")
	}

	nonce := newNonce()
	ch := make(chan []*enr.Record, 1)
	d.mu.Lock()
	d.pending[nonce] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, nonce)
		d.mu.Unlock()
	}()

	enc, err := encodePacket(msgFindNode, nonce, d.Self(), target, nil)
	if err != nil {
		return nil, err
	}
	d.send(enc, addr)

	select {
	case records := <-ch:
		return records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, fmt.Errorf("discovery closed")
	}
}

func udpEndpoint(rec *enr.Record) (*net.UDPAddr, bool) {
	for _, ep := range rec.Endpoints {
		if ep.Proto == "udp" {
			return &net.UDPAddr{IP: net.IP(ep.IP), Port: int(ep.Port)}, true
		}
	}
	return nil, false
}
