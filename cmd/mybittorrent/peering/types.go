package peering

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// compactPeerLength is the size of one entry in a compact peer list: an IPv4
// address followed by a big-endian port.
const compactPeerLength = 6

var ErrInvalidPeers = errors.New("invalid compact peer list")

// ParsePeers splits a compact peer list into addresses.
func ParsePeers(data []byte) ([]Peer, error) {
	if len(data)%compactPeerLength != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidPeers, len(data), compactPeerLength)
	}

	peers := make([]Peer, 0, len(data)/compactPeerLength)
	for i := 0; i+compactPeerLength <= len(data); i += compactPeerLength {
		peers = append(peers, Peer{
			IP:   net.IPv4(data[i], data[i+1], data[i+2], data[i+3]),
			Port: binary.BigEndian.Uint16(data[i+4 : i+6]),
		})
	}
	return peers, nil
}

// PeerID identifies this client to trackers and peers.
type PeerID [20]byte

const peerIDPrefix = "-MB0100-"

var ErrInvalidPeerID = errors.New("peer id must be 20 bytes")

// NewPeerID returns the client prefix followed by 12 random hex characters.
func NewPeerID() PeerID {
	var id PeerID
	n := copy(id[:], peerIDPrefix)
	random := uuid.New()
	hex.Encode(id[n:], random[:(len(id)-n)/2])
	return id
}

func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	if len(s) != len(id) {
		return id, fmt.Errorf("%w: got %d", ErrInvalidPeerID, len(s))
	}
	copy(id[:], s)
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}
