package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/bencode"
	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/config"
	"github.com/mcheviron/bittorrent-go/cmd/mybittorrent/peering"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var level = zap.NewAtomicLevel()

func init() {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level = level
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

var errUsage = errors.New("usage")

func main() {
	logger := zap.L()
	code := run(logger, os.Args, os.Environ())
	_ = logger.Sync()
	os.Exit(code)
}

// run executes the command line and returns the process exit code.
func run(logger *zap.Logger, args, environ []string) int {
	if len(args) < 2 {
		logger.Error("Command is required",
			zap.String("usage", "mybittorrent <decode|info|peers|handshake|download_piece|download> ..."))
		return 1
	}

	cfg, err := config.Load(environ)
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		return 1
	}
	level.SetLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := &app{cfg: cfg, stdout: os.Stdout, logger: logger}
	if err := cli.run(ctx, args[1:]); err != nil {
		logger.Error("Failed to "+describe(args[1]), zap.Error(err))
		return 1
	}
	return 0
}

type app struct {
	cfg    config.Config
	stdout io.Writer
	logger *zap.Logger
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: mybittorrent <command> [arguments]", errUsage)
	}
	command, rest := args[0], args[1:]
	switch command {
	case "decode":
		return a.handleDecode(rest)
	case "info":
		return a.handleInfo(rest)
	case "peers":
		return a.handlePeers(ctx, rest)
	case "handshake":
		return a.handleHandshake(ctx, rest)
	case "download_piece":
		return a.handleDownloadPiece(ctx, rest)
	case "download":
		return a.handleDownload(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func describe(command string) string {
	switch command {
	case "decode":
		return "decode"
	case "info":
		return "get info"
	case "peers":
		return "get peers"
	case "handshake":
		return "handshake"
	case "download_piece":
		return "download piece"
	case "download":
		return "download"
	default:
		return "run command"
	}
}

// Command handlers

func (a *app) handleDecode(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: decode <bencoded value>", errUsage)
	}
	decoded, err := bencode.Decode([]byte(args[0]))
	if err != nil {
		return err
	}
	out, err := bencode.Display(decoded)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, out)
	return nil
}

func (a *app) handleInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: info <torrent-file>", errUsage)
	}
	meta, err := readMetainfo(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "Tracker URL: %s\n", meta.Announce)
	fmt.Fprintf(a.stdout, "Length: %d\n", meta.Info.Length)
	fmt.Fprintf(a.stdout, "Info Hash: %s\n", meta.HexInfoHash())
	fmt.Fprintf(a.stdout, "Piece Length: %d\n", meta.Info.PieceLength)
	fmt.Fprintln(a.stdout, "Piece Hashes:")
	for _, hash := range meta.PieceHashes() {
		fmt.Fprintln(a.stdout, hash)
	}
	return nil
}

func (a *app) handlePeers(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: peers <torrent-file>", errUsage)
	}
	client, err := a.newClient(args[0])
	if err != nil {
		return err
	}

	peers, err := client.Peers(ctx)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		fmt.Fprintln(a.stdout, peer)
	}
	return nil
}

func (a *app) handleHandshake(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: handshake <torrent-file> <peer-address>", errUsage)
	}
	client, err := a.newClient(args[0])
	if err != nil {
		return err
	}

	remote, err := client.Handshake(ctx, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Peer ID: %s\n", remote.PeerID)
	return nil
}

func (a *app) handleDownloadPiece(ctx context.Context, args []string) error {
	args = dropOutputFlag(args)
	if len(args) != 3 {
		return fmt.Errorf("%w: download_piece -o <output-path> <torrent-file> <piece-index>", errUsage)
	}
	outputPath, torrentPath := args[0], args[1]
	pieceIndex, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid piece index: %w", err)
	}

	client, err := a.newClient(torrentPath)
	if err != nil {
		return err
	}
	size, err := client.PieceSize(pieceIndex)
	if err != nil {
		return err
	}

	out := peering.NewFileWriter(outputPath)
	defer out.Close()
	progress := a.progress(out, size, fmt.Sprintf("piece %d", pieceIndex))
	if err := client.DownloadPiece(ctx, pieceIndex, progress); err != nil {
		return err
	}
	a.logger.Info("Piece downloaded", zap.Int("piece", pieceIndex), zap.String("output", outputPath))
	return out.Close()
}

func (a *app) handleDownload(ctx context.Context, args []string) error {
	args = dropOutputFlag(args)
	if len(args) != 2 {
		return fmt.Errorf("%w: download -o <output-path> <torrent-file>", errUsage)
	}
	outputPath, torrentPath := args[0], args[1]

	client, err := a.newClient(torrentPath)
	if err != nil {
		return err
	}

	out := peering.NewFileWriter(outputPath)
	defer out.Close()
	progress := a.progress(out, client.Metainfo().Info.Length, "downloading")
	if err := client.Download(ctx, progress); err != nil {
		return err
	}
	a.logger.Info("Download complete", zap.String("output", outputPath))
	return out.Close()
}

func (a *app) newClient(torrentPath string) (*peering.Client, error) {
	meta, err := readMetainfo(torrentPath)
	if err != nil {
		return nil, err
	}
	return peering.NewClient(meta, a.cfg, a.logger)
}

func readMetainfo(path string) (*bencode.Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read torrent file: %w", err)
	}
	meta, err := bencode.ParseMetainfo(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse torrent file: %w", err)
	}
	return meta, nil
}

func dropOutputFlag(args []string) []string {
	if len(args) > 0 && args[0] == "-o" {
		return args[1:]
	}
	return args
}
