package enr

import (
	"crypto/rand"
	"net"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) crypto.PrivKey {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	return priv
}

func newTestRecord(t *testing.T, priv crypto.PrivKey, seq uint64) *Record {
	t.Helper()
	rec, err := Sign(priv, seq, []Endpoint{
		{Proto: "tcp", IP: net.ParseIP("192.0.2.10").To4(), Port: 9000},
		{Proto: "udp", IP: net.ParseIP("192.0.2.10").To4(), Port: 9000},
	}, nil)
	require.NoError(t, err)
	return rec
}

func TestRecordSignVerify(t *testing.T) {
	rec := newTestRecord(t, newTestKey(t), 1)
	require.NoError(t, rec.Verify())

	id, err := rec.PeerID()
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestRecordTextRoundTrip(t *testing.T) {
	rec := newTestRecord(t, newTestKey(t), 7)

	text, err := rec.EncodeText()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, TextPrefix))

	decoded, err := DecodeText(text)
	require.NoError(t, err)
	assert.True(t, rec.Equal(decoded))
	assert.Equal(t, uint64(7), decoded.Seq)
}

func TestRecordTamperRejected(t *testing.T) {
	rec := newTestRecord(t, newTestKey(t), 1)

	rec.Seq = 2 // signed over seq 1
	assert.ErrorIs(t, rec.Verify(), ErrInvalidSignature)

	enc, err := rec.Encode()
	require.NoError(t, err)
	_, err = Decode(enc)
	assert.Error(t, err)
}

func TestDecodeTextRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "enr:abc", TextPrefix + "!!!", TextPrefix + "aGVsbG8"} {
		_, err := DecodeText(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestRecordMultiaddrs(t *testing.T) {
	rec := newTestRecord(t, newTestKey(t), 1)
	addrs := rec.Multiaddrs()
	require.Len(t, addrs, 2)
	assert.Contains(t, addrs[0].String(), "/ip4/192.0.2.10/tcp/9000")

	info, err := rec.AddrInfo()
	require.NoError(t, err)
	assert.Len(t, info.Addrs, 2)
}

func TestSubnetsBitfield(t *testing.T) {
	var s Subnets
	require.NoError(t, s.Enable(5))
	require.NoError(t, s.Enable(63))
	assert.True(t, s.Active(5))
	assert.True(t, s.Active(63))
	assert.False(t, s.Active(6))
	assert.False(t, s.Active(64)) // out of range is inactive, not a panic

	require.NoError(t, s.Disable(5))
	assert.False(t, s.Active(5))

	assert.Error(t, s.Enable(64))
}

func TestSubnetPredicate(t *testing.T) {
	priv := newTestKey(t)
	var s Subnets
	require.NoError(t, s.Enable(5))

	rec := newTestRecord(t, priv, 1)
	rec.SetSubnets(s)
	// Predicate reads attributes only; signature freshness is the book's job.
	assert.True(t, SubnetPredicate(5)(rec))
	assert.True(t, SubnetPredicate(4, 5)(rec))
	assert.False(t, SubnetPredicate(4)(rec))

	bare := newTestRecord(t, priv, 2)
	assert.False(t, SubnetPredicate(5)(bare), "record without bitfield never matches")

	bare.Attrs = map[string][]byte{AttrSubnets: {1, 2}} // malformed length
	assert.False(t, SubnetPredicate(0)(bare))
}
