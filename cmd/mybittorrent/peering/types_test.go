package peering

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers([]byte{
		192, 168, 1, 10, 0x1a, 0xe1,
		10, 0, 0, 1, 0x00, 0x50,
	})
	require.NoError(t, err)
	require.Len(t, peers, 2)

	assert.True(t, net.IPv4(192, 168, 1, 10).Equal(peers[0].IP))
	assert.Equal(t, uint16(6881), peers[0].Port)
	assert.Equal(t, "192.168.1.10:6881", peers[0].String())
	assert.Equal(t, "10.0.0.1:80", peers[1].String())
}

func TestParsePeersEmpty(t *testing.T) {
	peers, err := ParsePeers(nil)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestParsePeersInvalidLength(t *testing.T) {
	_, err := ParsePeers([]byte{127, 0, 0, 1, 0x1a})
	assert.ErrorIs(t, err, ErrInvalidPeers)
}

func TestNewPeerID(t *testing.T) {
	a, b := NewPeerID(), NewPeerID()

	assert.True(t, strings.HasPrefix(string(a[:]), peerIDPrefix))
	assert.NotEqual(t, a, b)
	for _, c := range a[len(peerIDPrefix):] {
		assert.Contains(t, "0123456789abcdef", string(c))
	}
}

func TestParsePeerID(t *testing.T) {
	id, err := ParsePeerID("00112233445566778899")
	require.NoError(t, err)
	assert.Equal(t, "3030313132323333343435353636373738383939", id.String())

	_, err = ParsePeerID("too short")
	assert.ErrorIs(t, err, ErrInvalidPeerID)
}
