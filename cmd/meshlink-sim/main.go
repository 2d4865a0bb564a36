// Command meshlink-sim runs a set of mesh nodes on a simulated radio and
// reports how traffic moved through them
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/krol69/MeshLink/pkg/crypto"
	"github.com/krol69/MeshLink/pkg/link"
	"github.com/krol69/MeshLink/pkg/network"
)

var (
	nodeCount  = flag.Int("nodes", 4, "Number of nodes")
	topology   = flag.String("topology", "chain", "chain, ring, star or full")
	ttl        = flag.Int("ttl", 3, "Hops a message may travel")
	messages   = flag.Int("messages", 3, "Text messages sent by the first node")
	imageSize  = flag.Int("image", 0, "Size of an image sent by the first node, 0 sends none")
	loss       = flag.Float64("loss", 0, "Probability that a packet is lost in the air")
	passphrase = flag.String("passphrase", "sim passphrase", "Shared passphrase, empty runs in plaintext")
	settle     = flag.Duration("settle", 3*time.Second, "Time given to traffic after the last send")
	verbose    = flag.Bool("v", false, "Log engine activity")
)

type simNode struct {
	id        string
	node      *network.Node
	delivered atomic.Int64
	images    atomic.Int64
	confirmed atomic.Int64
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *nodeCount < 2 {
		return fmt.Errorf("need at least 2 nodes, got %d", *nodeCount)
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	var opts []network.Option
	if *passphrase != "" {
		box, err := crypto.NewBox(*passphrase)
		if err != nil {
			return err
		}
		opts = append(opts, network.WithSealer(box))
	}

	hub := link.NewHub(link.DefaultHubConfig())
	if *loss > 0 {
		hub.SetDropFilter(func(from, to string, data []byte) bool {
			return rand.Float64() < *loss
		})
	}

	nodes := make([]*simNode, *nodeCount)
	ids := make([]string, *nodeCount)
	for i := range nodes {
		ids[i] = fmt.Sprintf("n%02d", i)
		sn := &simNode{id: ids[i]}

		cfg := network.DefaultConfig()
		cfg.Name = fmt.Sprintf("Node-%d", i)
		cfg.TTL = *ttl
		cfg.ChunkInterval = 5 * time.Millisecond

		nodeOpts := append([]network.Option{
			network.WithLogger(logger.With(zap.String("sim", ids[i]))),
			network.WithCallbacks(network.Callbacks{
				OnMessage:           func(string, string, bool) { sn.delivered.Add(1) },
				OnImage:             func(string, []byte, string) { sn.images.Add(1) },
				OnDeliveryConfirmed: func(string) { sn.confirmed.Add(1) },
			}),
		}, opts...)

		n, err := network.NewNode(cfg, hub.NewLink(ids[i], cfg.Name), nodeOpts...)
		if err != nil {
			return err
		}
		sn.node = n
		nodes[i] = sn
	}

	if err := connectTopology(hub, ids, *topology); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, sn := range nodes {
		sn := sn
		g.Go(func() error { return sn.node.Run(gctx) })
	}

	for _, sn := range nodes {
		select {
		case <-sn.node.Started():
		case <-gctx.Done():
			return g.Wait()
		}
	}

	fmt.Printf("🕸  %d nodes, %s topology, TTL %d\n", *nodeCount, *topology, *ttl)
	waitForLinks(ctx, nodes, 5*time.Second)

	sender := nodes[0]
	for i := 0; i < *messages; i++ {
		if _, err := sender.node.SendText(ctx, fmt.Sprintf("hello #%d from %s", i+1, sender.node.Name())); err != nil {
			fmt.Printf("❌ send: %v\n", err)
		}
	}
	if *imageSize > 0 {
		image := make([]byte, *imageSize)
		for i := range image {
			image[i] = byte(rand.Intn(256))
		}
		if _, err := sender.node.SendImage(ctx, image, "simulated photo"); err != nil {
			fmt.Printf("❌ send image: %v\n", err)
		}
	}

	time.Sleep(*settle)
	printReport(ctx, nodes)

	cancel()
	return g.Wait()
}

// connectTopology puts nodes in range of each other
func connectTopology(hub *link.Hub, ids []string, kind string) error {
	switch kind {
	case "chain":
		hub.Chain(ids...)
	case "ring":
		hub.Chain(ids...)
		hub.SetInRange(ids[len(ids)-1], ids[0], true)
	case "star":
		for _, id := range ids[1:] {
			hub.SetInRange(ids[0], id, true)
		}
	case "full":
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				hub.SetInRange(ids[i], ids[j], true)
			}
		}
	default:
		return fmt.Errorf("unknown topology %q", kind)
	}
	return nil
}

// waitForLinks returns once every node has a connected peer, or at the deadline
func waitForLinks(ctx context.Context, nodes []*simNode, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		ready := 0
		for _, sn := range nodes {
			if stats, err := sn.node.Stats(ctx); err == nil && stats.PeersConnected > 0 {
				ready++
			}
		}
		if ready == len(nodes) {
			// let auto-connect fill in the remaining links
			time.Sleep(200 * time.Millisecond)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println("⚠️  not every node found a peer")
}

func printReport(ctx context.Context, nodes []*simNode) {
	fmt.Println(strings.Repeat("━", 78))
	fmt.Printf("%-5s %-8s %6s %9s %6s %7s %6s %9s %9s\n",
		"id", "name", "peers", "delivered", "images", "relayed", "dups", "confirmed", "decodeErr")
	fmt.Println(strings.Repeat("━", 78))
	for _, sn := range nodes {
		stats, err := sn.node.Stats(ctx)
		if err != nil {
			fmt.Printf("%-5s %v\n", sn.id, err)
			continue
		}
		c := stats.Counters
		fmt.Printf("%-5s %-8s %6d %9d %6d %7d %6d %9d %9d\n",
			sn.id, stats.Name, stats.PeersConnected,
			sn.delivered.Load(), sn.images.Load(),
			c.Messages.Relayed, c.Messages.DropDuplicate, sn.confirmed.Load(), c.Frames.DecodeErrors)
	}
	fmt.Println(strings.Repeat("━", 78))
}
