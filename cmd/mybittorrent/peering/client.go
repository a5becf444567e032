package peering

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/bencode"
	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/config"
	"go.uber.org/zap"
)

var ErrNoPeers = errors.New("no reachable peers")

// Client ties the tracker and peer sessions together for one torrent.
type Client struct {
	meta     *bencode.Metainfo
	geometry Geometry
	cfg      config.Config
	peerID   PeerID
	tracker  *Tracker
	logger   *zap.Logger
}

func NewClient(meta *bencode.Metainfo, cfg config.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	geometry, err := NewGeometry(meta.Info.Length, meta.Info.PieceLength, BlockSize)
	if err != nil {
		return nil, err
	}

	peerID := NewPeerID()
	if cfg.PeerID != "" {
		id, err := ParsePeerID(cfg.PeerID)
		if err != nil {
			return nil, err
		}
		peerID = id
	}

	httpClient := &http.Client{Timeout: cfg.TrackerTimeout}
	return &Client{
		meta:     meta,
		geometry: geometry,
		cfg:      cfg,
		peerID:   peerID,
		tracker:  NewTracker(httpClient, peerID, cfg.Port, logger),
		logger:   logger,
	}, nil
}

func (c *Client) PeerID() PeerID              { return c.peerID }
func (c *Client) Metainfo() *bencode.Metainfo { return c.meta }

func (c *Client) PieceSize(index int) (int64, error) {
	return c.geometry.PieceSize(index)
}

func (c *Client) Peers(ctx context.Context) ([]Peer, error) {
	return c.tracker.GetPeers(ctx, c.meta)
}

// Connect dials addr. The caller owns the returned connection.
func (c *Client) Connect(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) newSession(conn net.Conn, out io.WriterAt) (*Session, error) {
	return NewSession(conn, c.meta, out,
		WithPeerID(c.peerID),
		WithIdleTimeout(c.cfg.IdleTimeout),
		WithLogger(c.logger.With(zap.Stringer("peer", conn.RemoteAddr()))))
}

// Handshake connects to addr and returns the peer's handshake.
func (c *Client) Handshake(ctx context.Context, addr string) (Handshake, error) {
	conn, err := c.Connect(ctx, addr)
	if err != nil {
		return Handshake{}, err
	}
	defer conn.Close()

	session, err := c.newSession(conn, nil)
	if err != nil {
		return Handshake{}, err
	}
	return session.Handshake(ctx)
}

// DownloadPiece fetches one piece and writes it at the start of out.
func (c *Client) DownloadPiece(ctx context.Context, index int, out io.WriterAt) error {
	size, err := c.geometry.PieceSize(index)
	if err != nil {
		return err
	}
	shifted := OffsetWriter{W: out, Base: c.geometry.PieceOffset(uint32(index)), Size: size}
	return c.download(ctx, []int{index}, shifted)
}

// Download fetches every piece and writes each at its offset in out.
func (c *Client) Download(ctx context.Context, out io.WriterAt) error {
	return c.download(ctx, c.geometry.AllPieces(), out)
}

func (c *Client) download(ctx context.Context, pieces []int, out io.WriterAt) error {
	conn, err := c.connectAny(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	session, err := c.newSession(conn, out)
	if err != nil {
		return err
	}
	return session.Download(ctx, pieces)
}

// connectAny asks the tracker for peers and returns a connection to the
// first one that accepts.
func (c *Client) connectAny(ctx context.Context) (net.Conn, error) {
	peers, err := c.Peers(ctx)
	if err != nil {
		return nil, err
	}

	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: tracker listed none", ErrNoPeers)
	}

	var errs []error
	for _, peer := range peers {
		conn, err := c.Connect(ctx, peer.String())
		if err != nil {
			c.logger.Warn("skipping peer", zap.Stringer("peer", peer), zap.Error(err))
			errs = append(errs, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("%w: tried %d: %w", ErrNoPeers, len(peers), errors.Join(errs...))
}
