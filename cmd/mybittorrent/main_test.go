package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/config"
	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/peering/peertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Progress = false
	cfg.IdleTimeout = 5 * time.Second
	stdout := &bytes.Buffer{}
	return &app{cfg: cfg, stdout: stdout, logger: zaptest.NewLogger(t)}, stdout
}

func TestRunDecode(t *testing.T) {
	a, stdout := newTestApp(t)
	require.NoError(t, a.run(context.Background(), []string{"decode", "d3:foo3:bar5:helloi52ee"}))
	assert.Equal(t, "{\"foo\":\"bar\",\"hello\":52}\n", stdout.String())
}

func TestRunDecodeMalformed(t *testing.T) {
	a, _ := newTestApp(t)
	assert.Error(t, a.run(context.Background(), []string{"decode", "i42"}))
}

func TestRunUsage(t *testing.T) {
	tests := [][]string{
		{"decode"},
		{"info"},
		{"handshake", "file.torrent"},
		{"download_piece", "-o", "out", "file.torrent"},
		{"download", "-o", "out"},
	}
	for _, args := range tests {
		a, _ := newTestApp(t)
		assert.ErrorIs(t, a.run(context.Background(), args), errUsage, strings.Join(args, " "))
	}

	a, _ := newTestApp(t)
	assert.ErrorContains(t, a.run(context.Background(), []string{"magnet_parse"}), "unknown command")
}

func TestRunExitCodes(t *testing.T) {
	logger := zaptest.NewLogger(t)
	assert.Equal(t, 1, run(logger, []string{"mybittorrent"}, nil))
	assert.Equal(t, 1, run(logger, []string{"mybittorrent", "decode", "i42"}, nil))
	assert.Equal(t, 1, run(logger, []string{"mybittorrent", "decode", "i42e"}, []string{"BITTORRENT_PORT=none"}))
	assert.Equal(t, 0, run(logger, []string{"mybittorrent", "decode", "i42e"}, nil))
}

type cliSwarm struct {
	torrent string
	data    []byte
	seeder  *peertest.Seeder
}

func newCLISwarm(t *testing.T) *cliSwarm {
	t.Helper()
	data := bytes.Repeat([]byte("0123456789abcdef"), 5000)

	_, meta, err := peertest.Torrent("http://127.0.0.1:1/announce", "sample.txt", data, 32768)
	require.NoError(t, err)
	seeder, err := peertest.StartSeeder(meta, data)
	require.NoError(t, err)
	t.Cleanup(func() { seeder.Close() })

	tracker, err := peertest.NewTracker(seeder.Addr())
	require.NoError(t, err)
	t.Cleanup(tracker.Close)

	raw, _, err := peertest.Torrent(tracker.URL+"/announce", "sample.txt", data, 32768)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sample.torrent")
	require.NoError(t, os.WriteFile(path, raw, 0644))
	return &cliSwarm{torrent: path, data: data, seeder: seeder}
}

func TestRunInfo(t *testing.T) {
	s := newCLISwarm(t)
	a, stdout := newTestApp(t)

	require.NoError(t, a.run(context.Background(), []string{"info", s.torrent}))
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 8)
	assert.True(t, strings.HasPrefix(lines[0], "Tracker URL: http://127.0.0.1:"))
	assert.Equal(t, "Length: 80000", lines[1])
	assert.Regexp(t, `^Info Hash: [0-9a-f]{40}$`, lines[2])
	assert.Equal(t, "Piece Length: 32768", lines[3])
	assert.Equal(t, "Piece Hashes:", lines[4])
	assert.Regexp(t, `^[0-9a-f]{40}$`, lines[7])
}

func TestRunPeersAndHandshake(t *testing.T) {
	s := newCLISwarm(t)

	a, stdout := newTestApp(t)
	require.NoError(t, a.run(context.Background(), []string{"peers", s.torrent}))
	assert.Equal(t, s.seeder.Addr()+"\n", stdout.String())

	a, stdout = newTestApp(t)
	require.NoError(t, a.run(context.Background(), []string{"handshake", s.torrent, s.seeder.Addr()}))
	assert.Equal(t, "Peer ID: "+s.seeder.PeerID().String()+"\n", stdout.String())
}

func TestRunDownloads(t *testing.T) {
	s := newCLISwarm(t)
	dir := t.TempDir()

	a, _ := newTestApp(t)
	piece := filepath.Join(dir, "piece-2")
	require.NoError(t, a.run(context.Background(), []string{"download_piece", "-o", piece, s.torrent, "2"}))
	got, err := os.ReadFile(piece)
	require.NoError(t, err)
	assert.Equal(t, s.data[2*32768:], got)

	a, _ = newTestApp(t)
	a.cfg.Progress = true
	whole := filepath.Join(dir, "sample.txt")
	require.NoError(t, a.run(context.Background(), []string{"download", whole, s.torrent}))
	got, err = os.ReadFile(whole)
	require.NoError(t, err)
	assert.Equal(t, s.data, got)
}
