package peering

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	ProtocolName    = "BitTorrent protocol"
	HandshakeLength = 1 + len(ProtocolName) + 8 + 20 + 20
)

var (
	ErrShortHandshake      = errors.New("short handshake")
	ErrProtocolMismatch    = errors.New("unexpected protocol in handshake")
	ErrHandshakeIncomplete = errors.New("handshake incomplete")
)

// Handshake is the fixed 68-byte record that opens a connection. The protocol
// name is implied; Reserved is carried but never interpreted.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   PeerID
}

func NewHandshake(peerID PeerID, infoHash [20]byte) Handshake {
	return Handshake{
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Serialize lays the handshake out as
// <19><"BitTorrent protocol"><reserved:8><info hash:20><peer id:20>.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(ProtocolName)))
	buf = append(buf, ProtocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ParseHandshake reads a handshake from the first 68 bytes of b.
func ParseHandshake(b []byte) (Handshake, error) {
	if len(b) < HandshakeLength {
		return Handshake{}, fmt.Errorf("%w: got %d of %d bytes", ErrShortHandshake, len(b), HandshakeLength)
	}
	if int(b[0]) != len(ProtocolName) || string(b[1:20]) != ProtocolName {
		return Handshake{}, fmt.Errorf("%w: %q", ErrProtocolMismatch, b[1:20])
	}

	var h Handshake
	copy(h.Reserved[:], b[20:28])
	copy(h.InfoHash[:], b[28:48])
	copy(h.PeerID[:], b[48:68])
	return h, nil
}

func (h Handshake) String() string {
	return fmt.Sprintf("handshake[info_hash: %s, peer_id: %s, reserved: %s]",
		hex.EncodeToString(h.InfoHash[:]), h.PeerID, hex.EncodeToString(h.Reserved[:]))
}
