package peering

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/bencode"
	"go.uber.org/zap"
)

const maxTrackerResponse = 1 << 20

var ErrTrackerFailure = errors.New("tracker failure")

type Tracker struct {
	client *http.Client
	peerID PeerID
	port   uint16
	logger *zap.Logger
}

func NewTracker(client *http.Client, peerID PeerID, port uint16, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{client: client, peerID: peerID, port: port, logger: logger}
}

// AnnounceURL builds the announce request for meta. Binary parameters are
// escaped byte by byte.
func AnnounceURL(meta *bencode.Metainfo, peerID PeerID, port uint16) (string, error) {
	u, err := url.Parse(meta.Announce)
	if err != nil {
		return "", fmt.Errorf("invalid announce url: %w", err)
	}

	query := strings.Join([]string{
		"info_hash=" + escapeBytes(meta.InfoHash[:]),
		"peer_id=" + escapeBytes(peerID[:]),
		"port=" + strconv.Itoa(int(port)),
		"uploaded=0",
		"downloaded=0",
		"left=" + strconv.FormatInt(meta.Info.Length, 10),
		"compact=1",
	}, "&")
	if u.RawQuery != "" {
		query = u.RawQuery + "&" + query
	}
	u.RawQuery = query
	return u.String(), nil
}

func escapeBytes(b []byte) string {
	const hexDigits = "0123456789ABCDEF"
	var sb strings.Builder
	for _, c := range b {
		if isUnreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0f])
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	switch {
	case '0' <= c && c <= '9', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}

// GetPeers announces to the tracker and returns the peers it lists.
func (t *Tracker) GetPeers(ctx context.Context, meta *bencode.Metainfo) ([]Peer, error) {
	announce, err := AnnounceURL(meta, t.peerID, t.port)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announce, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to contact tracker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker responded with %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTrackerResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read tracker response: %w", err)
	}

	return t.parseResponse(body)
}

func (t *Tracker) parseResponse(body []byte) ([]Peer, error) {
	decoded, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tracker response: %w", err)
	}
	dict, ok := decoded.(bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("tracker response is %T, not a dictionary", decoded)
	}

	if reason, ok := dict.Text("failure reason"); ok {
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, reason)
	}

	raw, ok := dict.Bytes("peers")
	if !ok {
		return nil, fmt.Errorf("%w: peers missing or not in compact form", ErrInvalidPeers)
	}
	peers, err := ParsePeers(raw)
	if err != nil {
		return nil, err
	}

	interval, _ := dict.Int("interval")
	t.logger.Debug("tracker announce",
		zap.Int("peers", len(peers)),
		zap.Int64("interval", interval))
	return peers, nil
}
