// Command meshlink-node runs a mesh chat node on the local network, with
// message history and an HTTP control API
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/krol69/MeshLink/pkg/api"
	"github.com/krol69/MeshLink/pkg/crypto"
	"github.com/krol69/MeshLink/pkg/link/p2plink"
	"github.com/krol69/MeshLink/pkg/network"
	"github.com/krol69/MeshLink/pkg/protocol"
	"github.com/krol69/MeshLink/pkg/storage"
)

const passphraseEnv = "MESHLINK_PASSPHRASE"

var (
	name        = flag.String("name", "", "Display name (defaults to the host name)")
	listen      = flag.String("listen", "/ip4/0.0.0.0/tcp/0", "Comma separated libp2p listen multiaddrs")
	peers       = flag.String("peers", "", "Comma separated peer multiaddrs to advertise at start")
	mdns        = flag.Bool("mdns", true, "Discover peers with mDNS")
	passphrase  = flag.String("passphrase", "", "Shared passphrase; also read from "+passphraseEnv+". Empty runs in plaintext")
	dataDir     = flag.String("data", "./meshlink-data", "Data directory for history")
	noHistory   = flag.Bool("no-history", false, "Do not keep message history")
	ttl         = flag.Int("ttl", protocol.DefaultTTL, "Hops a message may travel")
	maxPeers    = flag.Int("max-peers", 5, "Peers to auto-connect to")
	apiHost     = flag.String("api-host", "127.0.0.1", "HTTP API host")
	apiPort     = flag.Int("api-port", 8080, "HTTP API port, 0 disables the API")
	rateLimit   = flag.Int("rate-limit", 300, "API rate limit (requests per minute)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	heartbeat   = flag.Duration("heartbeat", time.Minute, "Status print interval, 0 disables it")
	interactive = flag.Bool("chat", true, "Read chat lines and commands from stdin")
)

func main() {
	flag.Parse()

	printBanner()

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("node failed", zap.Error(err))
	}
	fmt.Println("👋 Goodbye!")
}

func run(logger *zap.Logger) error {
	cfg := network.DefaultConfig()
	cfg.Name = displayName(*name)
	cfg.TTL = *ttl
	cfg.MaxPeers = *maxPeers
	if err := cfg.Validate(); err != nil {
		return err
	}

	var opts []network.Option
	opts = append(opts, network.WithLogger(logger))

	var box *crypto.Box
	if secret := firstNonEmpty(*passphrase, os.Getenv(passphraseEnv)); secret != "" {
		var err error
		if box, err = crypto.NewBox(secret); err != nil {
			return fmt.Errorf("derive key: %w", err)
		}
		opts = append(opts, network.WithSealer(box))
	}

	var recorder *storage.Recorder
	if !*noHistory {
		if err := os.MkdirAll(*dataDir, 0700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		dbConfig := storage.Config{}
		if box != nil {
			dbConfig.Sealer = box
		}
		db, err := storage.Open(filepath.Join(*dataDir, "history.db"), dbConfig)
		if err != nil {
			return err
		}
		defer db.Close()

		recorder = storage.NewRecorder(db, logger)
		known, err := recorder.LoadKnownPeers(cfg.KnownPeersSize)
		if err != nil {
			return err
		}
		opts = append(opts, network.WithKnownPeers(known))
		logger.Info("history ready", zap.String("path", *dataDir), zap.Int("known_peers", len(known)))
	}

	callbacks := consoleCallbacks()
	if recorder != nil {
		callbacks = recorder.Callbacks(callbacks)
	}
	opts = append(opts, network.WithCallbacks(callbacks))

	linkConfig := p2plink.DefaultConfig()
	linkConfig.Name = cfg.Name
	linkConfig.ListenAddrs = splitList(*listen)
	linkConfig.StaticPeers = splitList(*peers)
	linkConfig.EnableMDNS = *mdns

	lnk, err := p2plink.New(linkConfig, logger)
	if err != nil {
		return err
	}

	node, err := network.NewNode(cfg, lnk, opts...)
	if err != nil {
		lnk.Close()
		return err
	}

	var server *api.Server
	if *apiPort > 0 {
		apiConfig := api.DefaultConfig()
		apiConfig.Host = *apiHost
		apiConfig.Port = *apiPort
		apiConfig.RateLimit = *rateLimit
		if server, err = api.NewServer(node, recorder, apiConfig, logger); err != nil {
			lnk.Close()
			return err
		}
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The node outlives the signal long enough to persist its known peers
	nodeCtx, cancelNode := context.WithCancel(context.Background())
	defer cancelNode()

	g, ctx := errgroup.WithContext(nodeCtx)
	g.Go(func() error {
		return node.Run(ctx)
	})
	if server != nil {
		g.Go(func() error {
			return server.Start(ctx)
		})
	}
	g.Go(func() error {
		select {
		case <-node.Started():
		case <-ctx.Done():
			return nil
		}
		printStatus(node, lnk, server != nil)
		if *interactive {
			go chatLoop(ctx, node, recorder, os.Stdin, stop)
		}
		heartbeatLoop(ctx, node, recorder, logger)
		return nil
	})
	g.Go(func() error {
		select {
		case <-sigCtx.Done():
			fmt.Println("\n🛑 Shutting down...")
		case <-ctx.Done():
		}
		syncKnownPeers(node, recorder, logger)
		cancelNode()
		return nil
	})

	return g.Wait()
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║               MeshLink Mesh Node                  ║")
	fmt.Println("║     Serverless chat over a neighbourhood mesh     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus(node *network.Node, lnk *p2plink.Link, apiEnabled bool) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Name: %s\n", node.Name())
	fmt.Printf("   Peer ID: %s\n", lnk.ID())
	for _, addr := range lnk.Addrs() {
		fmt.Printf("   Address: %s\n", addr)
	}
	if fp := node.Fingerprint(); fp != "" {
		fmt.Printf("   Encryption: ✅ key %s\n", fp)
	} else {
		fmt.Printf("   Encryption: ⚠️  off (plaintext)\n")
	}
	if apiEnabled {
		fmt.Printf("   API: http://%s:%d/api/v1\n", *apiHost, *apiPort)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if *interactive {
		fmt.Println("Type a message and press enter. Commands: /peers /connect <id> /disconnect <id> /stats /quit")
	}
	fmt.Println()
}

func heartbeatLoop(ctx context.Context, node *network.Node, recorder *storage.Recorder, logger *zap.Logger) {
	if *heartbeat <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(*heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := node.Stats(ctx)
		if err != nil {
			continue
		}
		logger.Info("heartbeat",
			zap.Int("peers_connected", stats.PeersConnected),
			zap.Int("known_peers", stats.KnownPeers),
			zap.Uint64("relayed", stats.Counters.Messages.Relayed),
			zap.Uint64("delivered", stats.Counters.Messages.Delivered),
			zap.Int("outbound_pending", stats.OutboundPending),
		)
		syncKnownPeers(node, recorder, logger)
	}
}

// chatLoop sends stdin lines as messages until ctx ends or stdin closes
func chatLoop(ctx context.Context, node *network.Node, recorder *storage.Recorder, in io.Reader, quit func()) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if strings.HasPrefix(line, "/") {
			if runCommand(ctx, node, line) {
				quit()
				return
			}
			continue
		}

		id, err := node.SendText(ctx, line)
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			continue
		}
		if recorder != nil {
			recorder.RecordSent(id, node.Name(), storage.KindText, line, nil, node.Fingerprint() != "")
		}
	}
}

func runCommand(ctx context.Context, node *network.Node, line string) bool {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/peers":
		var list []network.PeerInfo
		if list, err = node.Peers(ctx); err == nil {
			for _, p := range list {
				fmt.Printf("   %-12s %-20s %-13s %s (%d dBm)\n", p.State, p.Name, shortID(p.ID), p.Signal, p.RSSI)
			}
		}
	case "/connect":
		err = node.Connect(ctx, arg)
	case "/disconnect":
		err = node.Disconnect(ctx, arg)
	case "/stats":
		var s network.Stats
		if s, err = node.Stats(ctx); err == nil {
			fmt.Printf("   peers %d/%d  sent %d  delivered %d  relayed %d  duplicates %d\n",
				s.PeersConnected, s.PeersTotal, s.Counters.Messages.Sent, s.Counters.Messages.Delivered,
				s.Counters.Messages.Relayed, s.Counters.Messages.DropDuplicate)
		}
	default:
		err = fmt.Errorf("unknown command %s", fields[0])
	}
	if err != nil {
		fmt.Printf("❌ %v\n", err)
	}
	return false
}

func consoleCallbacks() network.Callbacks {
	return network.Callbacks{
		OnMessage: func(origin, text string, encrypted bool) {
			lock := ""
			if encrypted {
				lock = "🔒 "
			}
			fmt.Printf("%s[%s] %s\n", lock, origin, text)
		},
		OnImage: func(origin string, image []byte, caption string) {
			fmt.Printf("[%s] %s (%d bytes)\n", origin, caption, len(image))
		},
		OnTypingChanged: func(name string, typing bool) {
			if typing {
				fmt.Printf("   %s is typing...\n", name)
			}
		},
		OnDeliveryConfirmed: func(id string) {
			fmt.Printf("   ✓ delivered %s\n", shortID(id))
		},
	}
}

func syncKnownPeers(node *network.Node, recorder *storage.Recorder, logger *zap.Logger) {
	if recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	known, err := node.KnownPeers(ctx)
	if err != nil {
		if !errors.Is(err, network.ErrNotRunning) {
			logger.Warn("read known peers", zap.Error(err))
		}
		return
	}
	if err := recorder.SyncKnownPeers(known); err != nil {
		logger.Warn("persist known peers", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func displayName(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "meshlink"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
