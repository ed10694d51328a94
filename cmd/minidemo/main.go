// Command minidemo wires a minios node (or, in simulated mode, a
// small cluster of them sharing one in-process link) from nodeconfig
// YAML and runs one of two demo workloads over it: a producer/
// consumer datagram exchange (miniport) or a line-oriented chat
// (minisocket).
//
// Grounded on doismellburning/samoyed's cmd/direwolf/main.go top-level
// shape (flag parse, load config, wire subsystems, run until
// signalled) and kissutil.go's pflag idiom; supervision uses
// golang.org/x/sync/errgroup the way that project's own go.mod already
// declared but never wired.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/minios-project/minios/internal/blockdev"
	"github.com/minios-project/minios/internal/corelog"
	"github.com/minios-project/minios/internal/fsio"
	"github.com/minios-project/minios/internal/linklayer"
	"github.com/minios-project/minios/internal/miniport"
	"github.com/minios-project/minios/internal/miniroute"
	"github.com/minios-project/minios/internal/minisocket"
	"github.com/minios-project/minios/internal/nodeconfig"
	"github.com/minios-project/minios/internal/sched"
	"github.com/minios-project/minios/internal/wire"
)

const (
	chatPort             = 6000
	producerConsumerPort = 7000
	scriptedMessageCount = 5
)

func main() {
	configPath := pflag.StringP("config", "c", "", "nodeconfig YAML: one node with -lan, a node cluster without it")
	mode := pflag.StringP("mode", "m", "producer-consumer", "demo to run: chat or producer-consumer")
	lan := pflag.BoolP("lan", "l", false, "join the real UDP/DNS-SD link layer instead of an in-process simulated one")
	help := pflag.Bool("help", false, "display help text")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - run a minios node or simulated node cluster\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help || *configPath == "" {
		pflag.Usage()
		if *configPath == "" {
			os.Exit(2)
		}
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if *lan {
		err = runLAN(ctx, *configPath, *mode)
	} else {
		err = runSimulated(ctx, *configPath, *mode)
	}
	if err != nil {
		corelog.Errorf("minidemo", "%v", err)
		os.Exit(1)
	}
}

// demoNode is one wired node: scheduler plus the three protocol
// layers stacked over a link, and (if configured) a block device
// behind the FS cache-lock shim.
type demoNode struct {
	name    string
	addr    wire.Address
	sched   *sched.Scheduler
	link    linklayer.Link
	routes  *miniroute.Table
	ports   *miniport.Table
	streams *minisocket.Table
	dev     blockdev.Device
	fs      *fsio.Shim
	tick    time.Duration
}

func wireNode(name string, cfg *nodeconfig.Node, link linklayer.Link) (*demoNode, error) {
	addr, err := wire.ParseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	tick := time.Duration(cfg.TickPeriodMillis) * time.Millisecond
	s := sched.NewScheduler([4]int{cfg.Sweep.Band0, cfg.Sweep.Band1, cfg.Sweep.Band2, cfg.Sweep.Band3}, tick)

	routes := miniroute.NewTable(s, link)
	ports := miniport.NewTable(s, routes)
	routes.RegisterHandler(wire.ProtocolDatagram, ports)
	streams := minisocket.NewTable(s, routes)
	routes.RegisterHandler(wire.ProtocolStream, streams)

	n := &demoNode{
		name:    name,
		addr:    addr,
		sched:   s,
		link:    link,
		routes:  routes,
		ports:   ports,
		streams: streams,
		tick:    tick,
	}

	if cfg.BlockDevicePath != "" {
		dev, err := blockdev.OpenFileDevice(cfg.BlockDevicePath, cfg.BlockCount)
		if err != nil {
			return nil, err
		}
		n.dev = dev
		n.fs = fsio.New(s, dev)
	}

	return n, nil
}

func (n *demoNode) Close() {
	n.routes.Close()
	if err := n.link.Close(); err != nil {
		corelog.Warnf("minidemo", "%s: link close: %v", n.name, err)
	}
	if n.fs != nil {
		n.fs.Close()
	}
	if n.dev != nil {
		if err := n.dev.Close(); err != nil {
			corelog.Warnf("minidemo", "%s: device close: %v", n.name, err)
		}
	}
}

// tickLoop drives a node's scheduler forward in wall-clock time,
// standing in for the hardware tick interrupt original_source's
// minithread runs on.
func tickLoop(ctx context.Context, s *sched.Scheduler, period time.Duration) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick()
		}
	}
}

// runToCompletion starts a node's scheduler with role as its main
// thread and blocks until role returns or ctx is cancelled.
func runToCompletion(ctx context.Context, n *demoNode, role func(self *sched.Thread, n *demoNode)) {
	doneCh := make(chan struct{})
	go n.sched.Start(func(self *sched.Thread, _ any) {
		role(self, n)
		close(doneCh)
	}, nil)

	select {
	case <-doneCh:
	case <-ctx.Done():
	}
}

func runLAN(ctx context.Context, path, mode string) error {
	cfg, err := nodeconfig.Load(path)
	if err != nil {
		return err
	}
	link, err := linklayer.NewLANLink(mustAddress(cfg.Address), cfg.UDPListen, cfg.DNSSDServiceName)
	if err != nil {
		return err
	}
	n, err := wireNode("lan", cfg, link)
	if err != nil {
		return err
	}
	defer n.Close()

	var peer *wire.Address
	if len(cfg.Peers) > 0 {
		a, err := wire.ParseAddress(cfg.Peers[0].Address)
		if err != nil {
			return err
		}
		peer = &a
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tickLoop(gctx, n.sched, n.tick) })
	g.Go(func() error {
		runToCompletion(gctx, n, func(self *sched.Thread, n *demoNode) { runRole(self, n, peer, mode, true) })
		return nil
	})
	return g.Wait()
}

func runSimulated(ctx context.Context, path, mode string) error {
	cluster, err := nodeconfig.LoadCluster(path)
	if err != nil {
		return err
	}

	net := linklayer.NewNetwork()
	nodes := make([]*demoNode, len(cluster.Nodes))
	peers := make([]*wire.Address, len(cluster.Nodes))

	for i := range cluster.Nodes {
		cfg := cluster.Nodes[i]
		addr, err := wire.ParseAddress(cfg.Address)
		if err != nil {
			return err
		}
		link := net.Join(addr, linklayer.LossProfile{})
		n, err := wireNode(fmt.Sprintf("node%d", i), &cfg, link)
		if err != nil {
			return err
		}
		nodes[i] = n
	}

	for i, cfg := range cluster.Nodes {
		for _, p := range cfg.Peers {
			peerAddr, err := wire.ParseAddress(p.Address)
			if err != nil {
				return err
			}
			net.Connect(nodes[i].addr, peerAddr)
			if peers[i] == nil {
				peers[i] = &peerAddr
			}
		}
	}
	defer func() {
		for _, n := range nodes {
			n.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error { return tickLoop(gctx, n.sched, n.tick) })
	}
	for i, n := range nodes {
		n, peer := n, peers[i]
		g.Go(func() error {
			runToCompletion(gctx, n, func(self *sched.Thread, n *demoNode) { runRole(self, n, peer, mode, false) })
			return nil
		})
	}
	return g.Wait()
}

// runRole dispatches to the producer/consumer or chat role a node
// plays, decided by whether it was configured with a peer to dial: a
// node with no peers listens, a node with one connects to it.
func runRole(self *sched.Thread, n *demoNode, peer *wire.Address, mode string, interactive bool) {
	switch mode {
	case "producer-consumer":
		if peer != nil {
			runProducer(self, n, *peer)
		} else {
			runConsumer(self, n)
		}
	case "chat":
		if peer != nil {
			runChatClient(self, n, *peer, interactive)
		} else {
			runChatServer(self, n)
		}
	default:
		corelog.Errorf("minidemo", "unknown mode %q", mode)
	}
}

func runProducer(self *sched.Thread, n *demoNode, dest wire.Address) {
	src, err := n.ports.CreateUnbound(producerConsumerPort + 1)
	if err != nil {
		corelog.Errorf("minidemo", "%s: producer: %v", n.name, err)
		return
	}
	bound, err := n.ports.CreateBound(dest, producerConsumerPort)
	if err != nil {
		corelog.Errorf("minidemo", "%s: producer: %v", n.name, err)
		return
	}
	for i := 0; i < scriptedMessageCount; i++ {
		msg := fmt.Sprintf("datagram #%d from %s", i, n.name)
		if _, err := bound.Send(src, []byte(msg)); err != nil {
			corelog.Errorf("minidemo", "%s: producer send: %v", n.name, err)
			return
		}
		corelog.Infof("minidemo", "%s: sent %q", n.name, msg)
		n.sched.Sleep(self, 50*time.Millisecond)
	}
}

func runConsumer(self *sched.Thread, n *demoNode) {
	unbound, err := n.ports.CreateUnbound(producerConsumerPort)
	if err != nil {
		corelog.Errorf("minidemo", "%s: consumer: %v", n.name, err)
		return
	}
	buf := make([]byte, miniport.MaxMsgSize)
	received := 0
	for i := 0; i < scriptedMessageCount; i++ {
		nRead, _, err := unbound.Receive(self, buf)
		if err != nil {
			corelog.Errorf("minidemo", "%s: consumer receive: %v", n.name, err)
			return
		}
		corelog.Infof("minidemo", "%s: received %q", n.name, string(buf[:nRead]))
		received++
	}
	persistCount(self, n, received)
}

func runChatServer(self *sched.Thread, n *demoNode) {
	sock, err := n.streams.Listen(self, chatPort)
	if err != nil {
		corelog.Errorf("minidemo", "%s: chat server: %v", n.name, err)
		return
	}
	defer sock.Close()

	buf := make([]byte, minisocket.MaxChunkSize)
	lines := 0
	for {
		nRead, err := sock.Receive(self, buf)
		if err != nil {
			corelog.Warnf("minidemo", "%s: chat server: %v", n.name, err)
			break
		}
		if nRead == 0 {
			corelog.Infof("minidemo", "%s: peer closed the chat", n.name)
			break
		}
		corelog.Infof("minidemo", "%s: chat> %s", n.name, string(buf[:nRead]))
		lines++
	}
	persistCount(self, n, lines)
}

func runChatClient(self *sched.Thread, n *demoNode, dest wire.Address, interactive bool) {
	sock, err := n.streams.Connect(self, dest, chatPort)
	if err != nil {
		corelog.Errorf("minidemo", "%s: chat client: %v", n.name, err)
		return
	}
	defer sock.Close()

	send := func(line string) bool {
		if _, err := sock.Send(self, []byte(line)); err != nil {
			corelog.Errorf("minidemo", "%s: chat send: %v", n.name, err)
			return false
		}
		return true
	}

	if interactive {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if !send(scanner.Text()) {
				return
			}
		}
		return
	}

	for i := 0; i < scriptedMessageCount; i++ {
		if !send(fmt.Sprintf("hello #%d from %s", i, n.name)) {
			return
		}
		n.sched.Sleep(self, 50*time.Millisecond)
	}
}

// persistCount writes a node's scripted-run tally to block 0 through
// the FS cache-lock shim, when the node was configured with a block
// device. It's a small exercise of fsio/blockdev in an otherwise
// protocol-only demo, not a filesystem.
func persistCount(self *sched.Thread, n *demoNode, count int) {
	if n.fs == nil {
		return
	}
	buf := make([]byte, blockdev.BlockSize)
	copy(buf, []byte(fmt.Sprintf("%s tally=%d", n.name, count)))
	if err := n.fs.ProtectedWrite(self, 0, buf); err != nil {
		corelog.Warnf("minidemo", "%s: persist tally: %v", n.name, err)
	}
}

func mustAddress(s string) wire.Address {
	a, err := wire.ParseAddress(s)
	if err != nil {
		corelog.Errorf("minidemo", "%v", err)
		os.Exit(1)
	}
	return a
}
