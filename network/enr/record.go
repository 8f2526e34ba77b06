// Package enr implements signed address records and the bounded address book
// backing peer discovery. A record announces a peer's identity key, transport
// endpoints and attributes (including its attestation-subnet bitfield); newer
// sequence numbers supersede older records for the same peer.
package enr

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// TextPrefix starts the canonical text form of an encoded record.
const TextPrefix = "renr:"

var (
	ErrInvalidRecord    = errors.New("invalid address record")
	ErrInvalidSignature = errors.New("record signature verification failed")
)

// Endpoint is one declared transport endpoint.
type Endpoint struct {
	Proto string `cbor:"1,keyasint"` // "tcp" | "udp" | "quic"
	IP    []byte `cbor:"2,keyasint"`
	Port  uint16 `cbor:"3,keyasint"`
}

// Record is a signed, versioned peer announcement.
type Record struct {
	PublicKey []byte            `cbor:"1,keyasint"`
	Seq       uint64            `cbor:"2,keyasint"`
	Endpoints []Endpoint        `cbor:"3,keyasint"`
	Attrs     map[string][]byte `cbor:"4,keyasint,omitempty"`
	Signature []byte            `cbor:"5,keyasint"`
}

// recordBody is the signed portion of a record.
type recordBody struct {
	PublicKey []byte            `cbor:"1,keyasint"`
	Seq       uint64            `cbor:"2,keyasint"`
	Endpoints []Endpoint        `cbor:"3,keyasint"`
	Attrs     map[string][]byte `cbor:"4,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func (r *Record) body() ([]byte, error) {
	return encMode.Marshal(&recordBody{
		PublicKey: r.PublicKey,
		Seq:       r.Seq,
		Endpoints: r.Endpoints,
		Attrs:     r.Attrs,
	})
}

// Sign builds a signed record for the given identity key.
func Sign(priv crypto.PrivKey, seq uint64, endpoints []Endpoint, attrs map[string][]byte) (*Record, error) {
	pub, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	rec := &Record{
		PublicKey: pub,
		Seq:       seq,
		Endpoints: endpoints,
		Attrs:     attrs,
	}
	body, err := rec.body()
	if err != nil {
		return nil, fmt.Errorf("encode record body: %w", err)
	}
	sig, err := priv.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("sign record: %w", err)
	}
	rec.Signature = sig
	return rec, nil
}

// Verify checks the record signature against the embedded public key.
func (r *Record) Verify() error {
	if len(r.PublicKey) == 0 || len(r.Signature) == 0 {
		return ErrInvalidRecord
	}
	pub, err := crypto.UnmarshalPublicKey(r.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	body, err := r.body()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	ok, err := pub.Verify(body, r.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// PeerID derives the content-addressed peer identifier from the record key.
func (r *Record) PeerID() (peer.ID, error) {
	pub, err := crypto.UnmarshalPublicKey(r.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return peer.IDFromPublicKey(pub)
}

// NodeID maps the record into the XOR distance space used by the routing
// table.
func (r *Record) NodeID() [32]byte {
	return sha256.Sum256(r.PublicKey)
}

// Multiaddrs converts the declared endpoints to dialable addresses.
func (r *Record) Multiaddrs() []multiaddr.Multiaddr {
	var out []multiaddr.Multiaddr
	for _, ep := range r.Endpoints {
		ip := net.IP(ep.IP)
		layer := "ip4"
		if ip.To4() == nil {
			layer = "ip6"
		}
		var s string
		switch ep.Proto {
		case "tcp", "udp":
			s = fmt.Sprintf("/%s/%s/%s/%d", layer, ip.String(), ep.Proto, ep.Port)
		case "quic":
			s = fmt.Sprintf("/%s/%s/udp/%d/quic-v1", layer, ip.String(), ep.Port)
		default:
			continue
		}
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// AddrInfo returns the peer identity plus dialable addresses, for handing to
// the transport.
func (r *Record) AddrInfo() (peer.AddrInfo, error) {
	id, err := r.PeerID()
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return peer.AddrInfo{ID: id, Addrs: r.Multiaddrs()}, nil
}

// EncodeText renders the record in its portable text form.
func (r *Record) EncodeText() (string, error) {
	enc, err := encMode.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return TextPrefix + base64.RawURLEncoding.EncodeToString(enc), nil
}

// DecodeText parses and verifies a record from its text form. Records that
// fail signature verification are rejected, never partially accepted.
func DecodeText(s string) (*Record, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, TextPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidRecord, TextPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, TextPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return Decode(raw)
}

// Decode parses and verifies a record from its binary form.
func Decode(raw []byte) (*Record, error) {
	var rec Record
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := rec.Verify(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Encode renders the record in its binary form.
func (r *Record) Encode() ([]byte, error) {
	return encMode.Marshal(r)
}

// Equal reports whether two records are byte-identical.
func (r *Record) Equal(other *Record) bool {
	if other == nil {
		return false
	}
	a, err1 := r.Encode()
	b, err2 := other.Encode()
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}
