// Package peertest provides an in-process tracker and seeding peer for tests.
package peertest

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"

	bencodego "github.com/jackpal/bencode-go"
	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/bencode"
	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/peering"
)

// Torrent builds a single-file torrent describing data and parses it back.
func Torrent(announce, name string, data []byte, pieceLength int64) ([]byte, *bencode.Metainfo, error) {
	var hashes []byte
	for start := int64(0); start < int64(len(data)); start += pieceLength {
		end := min(start+pieceLength, int64(len(data)))
		sum := sha1.Sum(data[start:end])
		hashes = append(hashes, sum[:]...)
	}

	raw, err := bencode.Encode(bencode.Dict{
		"announce": bencode.String(announce),
		"info": bencode.Dict{
			"name":         bencode.String(name),
			"length":       bencode.Integer(len(data)),
			"piece length": bencode.Integer(pieceLength),
			"pieces":       bencode.String(hashes),
		},
	})
	if err != nil {
		return nil, nil, err
	}
	meta, err := bencode.ParseMetainfo(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, meta, nil
}

// Tracker answers every announce with a fixed compact peer list.
type Tracker struct {
	*httptest.Server

	mu      sync.Mutex
	queries []string
}

func NewTracker(peers ...string) (*Tracker, error) {
	var compact []byte
	for _, addr := range peers {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return nil, fmt.Errorf("%s is not an IPv4 address", host)
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, err
		}
		compact = append(compact, ip...)
		compact = binary.BigEndian.AppendUint16(compact, uint16(p))
	}

	t := &Tracker{}
	t.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.mu.Lock()
		t.queries = append(t.queries, r.URL.RawQuery)
		t.mu.Unlock()

		_ = bencodego.Marshal(w, map[string]any{
			"interval": 1800,
			"peers":    string(compact),
		})
	}))
	return t, nil
}

// Queries returns the raw query of every announce received so far.
func (t *Tracker) Queries() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.queries...)
}

// Seeder is a peer that holds every piece of one torrent.
type Seeder struct {
	meta     *bencode.Metainfo
	data     []byte
	peerID   peering.PeerID
	stall    bool
	listener net.Listener

	wg       sync.WaitGroup
	requests atomic.Int64
}

type SeederOption func(*Seeder)

func WithPeerID(id peering.PeerID) SeederOption {
	return func(s *Seeder) { s.peerID = id }
}

// Stalling makes the seeder go silent after the handshake.
func Stalling() SeederOption {
	return func(s *Seeder) { s.stall = true }
}

// StartSeeder listens on a loopback port and serves data until Close.
func StartSeeder(meta *bencode.Metainfo, data []byte, opts ...SeederOption) (*Seeder, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Seeder{meta: meta, data: data, listener: listener, peerID: peering.NewPeerID()}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.accept()
	return s, nil
}

func (s *Seeder) Addr() string {
	return s.listener.Addr().String()
}

func (s *Seeder) PeerID() peering.PeerID {
	return s.peerID
}

// Requests is the number of block requests answered so far.
func (s *Seeder) Requests() int {
	return int(s.requests.Load())
}

func (s *Seeder) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Seeder) accept() {
	defer s.wg.Done()

	var conns sync.WaitGroup
	defer conns.Wait()

	var mu sync.Mutex
	var open []net.Conn
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range open {
			conn.Close()
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		mu.Lock()
		open = append(open, conn)
		mu.Unlock()

		conns.Add(1)
		go func() {
			defer conns.Done()
			defer conn.Close()
			_ = s.serve(conn)
		}()
	}
}

func (s *Seeder) serve(conn net.Conn) error {
	buf := make([]byte, peering.HandshakeLength)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if _, err := peering.ParseHandshake(buf); err != nil {
		return err
	}
	reply := peering.NewHandshake(s.peerID, s.meta.InfoHash)
	if _, err := conn.Write(reply.Serialize()); err != nil {
		return err
	}

	if s.stall {
		_, err := io.Copy(io.Discard, conn)
		return err
	}

	if _, err := conn.Write(peering.EncodeFrame(s.bitfield())); err != nil {
		return err
	}

	frames := peering.NewFrameReader(conn)
	for {
		msg, err := frames.ReadMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var out peering.Message
		switch m := msg.(type) {
		case peering.Interested:
			out = peering.Unchoke{}
		case peering.Request:
			start := int64(m.Index)*s.meta.Info.PieceLength + int64(m.Begin)
			end := start + int64(m.Length)
			if start < 0 || end > int64(len(s.data)) {
				return fmt.Errorf("request outside data: %d-%d", start, end)
			}
			out = peering.Piece{Index: m.Index, Begin: m.Begin, Block: s.data[start:end]}
			s.requests.Add(1)
		default:
			continue
		}
		if _, err := conn.Write(peering.EncodeFrame(out)); err != nil {
			return err
		}
	}
}

func (s *Seeder) bitfield() peering.Bitfield {
	count := s.meta.PieceCount()
	field := make(peering.Bitfield, (count+7)/8)
	for i := 0; i < count; i++ {
		field[i/8] |= 1 << (7 - uint(i%8))
	}
	return field
}
