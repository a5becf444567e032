package peering

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/bencode"
	"go.uber.org/zap"
)

type State int

const (
	StateConnecting State = iota
	StateHandshakeExchanged
	StateAwaitingBitfieldOrChoke
	StateRequesting
	StateDraining
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	"connecting", "handshake exchanged", "awaiting bitfield or choke", "requesting", "draining", "completed", "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrPeerIdle     = errors.New("peer idle")
	ErrSessionState = errors.New("operation not valid in session state")
)

// Session drives one peer connection from handshake to the last block.
//
// The session trusts the peer to answer every request exactly once. Piece
// messages are not matched against what was requested: any block received
// while draining is written and counts towards completion.
type Session struct {
	conn     io.ReadWriter
	frames   *FrameReader
	meta     *bencode.Metainfo
	geometry Geometry
	out      io.WriterAt
	logger   *zap.Logger

	peerID      PeerID
	idleTimeout time.Duration
	blockSize   int64

	state     State
	remote    Handshake
	available *roaring.Bitmap
	requested *roaring.Bitmap
	pending   int

	// mu orders deadline changes between the reader and a cancelled context.
	mu        sync.Mutex
	cancelled bool
}

type SessionOption func(*Session)

func WithPeerID(id PeerID) SessionOption {
	return func(s *Session) { s.peerID = id }
}

func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithIdleTimeout fails the session when a single read waits longer than d.
// Zero waits forever.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.idleTimeout = d }
}

func WithBlockSize(size int64) SessionOption {
	return func(s *Session) { s.blockSize = size }
}

// NewSession prepares a session over an established connection. Blocks are
// written to out at their offset in the torrent.
func NewSession(conn io.ReadWriter, meta *bencode.Metainfo, out io.WriterAt, opts ...SessionOption) (*Session, error) {
	s := &Session{
		conn:      conn,
		frames:    NewFrameReader(conn),
		meta:      meta,
		out:       out,
		logger:    zap.NewNop(),
		blockSize: BlockSize,
		available: roaring.New(),
		requested: roaring.New(),
		state:     StateConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.peerID == (PeerID{}) {
		s.peerID = NewPeerID()
	}

	geometry, err := NewGeometry(meta.Info.Length, meta.Info.PieceLength, s.blockSize)
	if err != nil {
		return nil, err
	}
	s.geometry = geometry
	return s, nil
}

func (s *Session) State() State       { return s.state }
func (s *Session) Pending() int       { return s.pending }
func (s *Session) Remote() Handshake  { return s.remote }
func (s *Session) Geometry() Geometry { return s.geometry }

// Availability is the set of pieces the peer advertised in its bitfield.
func (s *Session) Availability() *roaring.Bitmap {
	return s.available
}

// Handshake sends the local handshake and waits for the peer's.
func (s *Session) Handshake(ctx context.Context) (Handshake, error) {
	if s.state != StateConnecting {
		return Handshake{}, fmt.Errorf("%w: handshake in %s", ErrSessionState, s.state)
	}
	stop := s.watch(ctx)
	defer stop()

	local := NewHandshake(s.peerID, s.meta.InfoHash)
	if _, err := s.conn.Write(local.Serialize()); err != nil {
		return Handshake{}, s.fail(ctx, fmt.Errorf("failed to send handshake: %w", err))
	}

	s.armReadDeadline()
	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return Handshake{}, s.fail(ctx, fmt.Errorf("%w: %w", ErrHandshakeIncomplete, err))
	}
	remote, err := ParseHandshake(buf)
	if err != nil {
		return Handshake{}, s.fail(ctx, err)
	}

	if remote.InfoHash != local.InfoHash {
		s.logger.Warn("peer answered with a different info hash",
			zap.String("expected", s.meta.HexInfoHash()),
			zap.Stringer("handshake", remote))
	}
	s.remote = remote
	s.state = StateHandshakeExchanged
	s.logger.Info("handshake exchanged", zap.Stringer("peer_id", remote.PeerID))
	return remote, nil
}

// Download requests every block of the given pieces and returns once each
// request has been answered. One index downloads a single piece; AllPieces
// downloads the whole torrent. The handshake is performed first if needed.
//
// Without a context deadline or idle timeout, a peer that stops sending
// stalls Download indefinitely.
func (s *Session) Download(ctx context.Context, pieces []int) error {
	requests, err := s.geometry.Requests(pieces)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return s.fail(ctx, err)
	}

	if s.state == StateConnecting {
		if _, err := s.Handshake(ctx); err != nil {
			return err
		}
	}
	if s.state != StateHandshakeExchanged {
		return fmt.Errorf("%w: download in %s", ErrSessionState, s.state)
	}

	stop := s.watch(ctx)
	defer stop()

	for s.state != StateCompleted {
		s.armReadDeadline()
		msg, err := s.frames.ReadMessage()
		if err != nil {
			return s.fail(ctx, fmt.Errorf("failed to read message: %w", err))
		}
		if err := s.handle(msg, requests); err != nil {
			return s.fail(ctx, err)
		}
	}
	return nil
}

func (s *Session) handle(msg Message, requests []Request) error {
	s.logger.Debug("received message",
		zap.Stringer("id", msg.ID()),
		zap.Stringer("state", s.state))

	switch m := msg.(type) {
	case Bitfield:
		if s.state != StateHandshakeExchanged {
			return nil
		}
		s.available = m.Pieces()
		s.logAvailability(requests)
		if err := s.send(Interested{}); err != nil {
			return err
		}
		s.state = StateAwaitingBitfieldOrChoke
	case Unchoke:
		if s.state != StateHandshakeExchanged && s.state != StateAwaitingBitfieldOrChoke {
			return nil
		}
		return s.issue(requests)
	case Piece:
		if s.state != StateDraining {
			s.logger.Warn("ignoring piece received before requests were sent",
				zap.Uint32("index", m.Index),
				zap.Uint32("begin", m.Begin))
			return nil
		}
		return s.store(m)
	case Choke, Have, Request, Cancel, Interested, NotInterested:
	}
	return nil
}

// issue writes every request back to back and only then starts waiting for
// pieces.
func (s *Session) issue(requests []Request) error {
	s.state = StateRequesting

	w := bufio.NewWriter(s.conn)
	var frame []byte
	for _, r := range requests {
		s.requested.Add(r.Index)
		frame = AppendFrame(frame[:0], r)
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		s.pending++
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	s.logger.Info("requests sent", zap.Int("blocks", s.pending))
	if s.pending == 0 {
		s.state = StateCompleted
		return nil
	}
	s.state = StateDraining
	return nil
}

func (s *Session) store(p Piece) error {
	if !s.requested.Contains(p.Index) {
		s.logger.Warn("storing block of a piece that was not requested",
			zap.Uint32("index", p.Index),
			zap.Uint32("begin", p.Begin))
	}
	offset := s.geometry.PieceOffset(p.Index) + int64(p.Begin)
	if _, err := s.out.WriteAt(p.Block, offset); err != nil {
		return fmt.Errorf("failed to write block at offset %d: %w", offset, err)
	}

	s.pending--
	if s.pending == 0 {
		s.state = StateCompleted
		s.logger.Info("download completed")
	}
	return nil
}

func (s *Session) send(m Message) error {
	if _, err := s.conn.Write(EncodeFrame(m)); err != nil {
		return fmt.Errorf("failed to send %s message: %w", m.ID(), err)
	}
	return nil
}

func (s *Session) logAvailability(requests []Request) {
	for _, r := range requests {
		if !s.available.Contains(r.Index) {
			s.logger.Warn("peer does not advertise a requested piece",
				zap.Uint32("index", r.Index),
				zap.Uint64("advertised", s.available.GetCardinality()))
			return
		}
	}
}

func (s *Session) fail(ctx context.Context, err error) error {
	s.state = StateFailed
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case errors.Is(err, os.ErrDeadlineExceeded):
		err = fmt.Errorf("%w: %w", ErrPeerIdle, err)
	}
	s.logger.Error("session failed", zap.Error(err))
	return err
}

type deadliner interface {
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

// watch expires the connection's deadlines once ctx is done so that blocked
// reads and writes return.
func (s *Session) watch(ctx context.Context) (stop func() bool) {
	d, ok := s.conn.(deadliner)
	if !ok {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cancelled = true
		_ = d.SetDeadline(time.Unix(1, 0))
	})
}

func (s *Session) armReadDeadline() {
	if s.idleTimeout <= 0 {
		return
	}
	d, ok := s.conn.(deadliner)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		_ = d.SetReadDeadline(time.Now().Add(s.idleTimeout))
	}
}
