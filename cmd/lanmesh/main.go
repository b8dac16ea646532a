// Command lanmesh runs one peer of the LAN mesh: it announces itself,
// discovers other peers, and exposes an interactive shell for talk/send/
// peers/quit commands. The shell only calls the node's programmatic surface;
// it has no awareness of the wire protocol.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/appnet-org/lanmesh/pkg/logging"
	"github.com/appnet-org/lanmesh/pkg/node"
	"github.com/appnet-org/lanmesh/pkg/wire"
)

func main() {
	name := flag.String("name", defaultName(), "this node's announced name")
	port := flag.Int("port", wire.DefaultPort, "UDP port to bind")
	recvDir := flag.String("recv-dir", ".", "directory inbound files are written under")
	metricsAddr := flag.String("metrics-addr", os.Getenv("LANMESH_METRICS_ADDR"), "address to serve /metrics on (empty disables)")
	flag.Parse()

	if err := logging.Init(getLoggingConfig()); err != nil {
		panic(fmt.Sprintf("failed to initialize logging: %v", err))
	}
	defer logging.Sync()

	shell := newShell()

	n, err := node.New(node.Config{
		Name:        *name,
		Port:        *port,
		RecvDir:     *recvDir,
		MetricsAddr: *metricsAddr,
		TalkHandler: shell.onTalk,
	})
	if err != nil {
		logging.Fatal("failed to initialize node", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(ctx) }()

	logging.Info("node running",
		zap.String("name", *name),
		zap.Int("port", *port),
		zap.String("run_id", n.RunID()))

	shell.run(ctx, n)

	stop()
	<-runDone
}

// shell is the interactive command loop: "peers", "talk <name> <text>",
// "send <name> <path>", "quit". It has no awareness of the wire protocol;
// it only calls the Node's programmatic surface.
type shell struct {
	out *bufio.Writer
}

func newShell() *shell {
	return &shell{out: bufio.NewWriter(os.Stdout)}
}

// onTalk is the node.Config.TalkHandler: it prints an inbound TALK. Outbound
// text is never echoed locally; only the receiving side prints.
func (s *shell) onTalk(from, text string) {
	fmt.Printf("\n[%s] %s\n> ", from, text)
}

func (s *shell) run(ctx context.Context, n *node.Node) {
	fmt.Println("lanmesh ready. commands: peers, talk <name> <text>, send <name> <path>, quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !s.dispatch(ctx, n, line) {
				return
			}
		}
	}
}

func (s *shell) dispatch(ctx context.Context, n *node.Node, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return false

	case "peers":
		for _, p := range n.ListPeers() {
			fmt.Printf("%s\t%s:%d\tage=%s\n", p.Name, p.Addr, p.Port, p.Age.Round(time.Second))
		}

	case "talk":
		if len(fields) < 3 {
			fmt.Println("usage: talk <name> <text>")
			return true
		}
		text := strings.Join(fields[2:], " ")
		sendCtx, cancel := context.WithTimeout(ctx, wire.AckWait*time.Duration(wire.MaxAttempts+1))
		err := n.SendText(sendCtx, fields[1], text)
		cancel()
		if err != nil {
			fmt.Printf("talk failed: %v\n", err)
		}

	case "send":
		if len(fields) < 3 {
			fmt.Println("usage: send <name> <path>")
			return true
		}
		path := strings.Join(fields[2:], " ")
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		err := n.SendFile(sendCtx, fields[1], path)
		cancel()
		if err != nil {
			fmt.Printf("send failed: %v\n", err)
		} else {
			fmt.Println("send complete")
		}

	default:
		fmt.Println("unknown command")
	}
	return true
}

func defaultName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "lanmesh-node"
}

// getLoggingConfig reads logging configuration from the LOG_LEVEL and
// LOG_FORMAT environment variables, with defaults.
func getLoggingConfig() *logging.Config {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "console"
	}
	return &logging.Config{Level: level, Format: format}
}
