// Command ping exercises a single substream between two nym transport
// instances: one side listens and echoes every frame it receives, the other
// dials it and reports round-trip time for each echoed frame.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	lptransport "github.com/libp2p/go-libp2p/core/transport"
	ma "github.com/multiformats/go-multiaddr"

	"nymtrans/go-libp2p-nym/internal/config"
	nymtransport "nymtrans/go-libp2p-nym/transport"
)

var log = logging.Logger("nymtransport/cmd/ping")

const pingPayload = "ping"

func main() {
	nymURI := flag.String("nym-uri", "", "Nym websocket URI (e.g., ws://localhost:1977)")
	configPath := flag.String("config", "", "path to a YAML config file (optional, overrides defaults)")
	dialAddr := flag.String("dial", "", "multiaddr of a listening ping peer to dial; omit to listen instead")
	count := flag.Int("count", 10, "number of pings to send when dialing")
	flag.Parse()

	if *nymURI == "" {
		fmt.Println("Error: -nym-uri is required")
		fmt.Println("Usage: ping -nym-uri <ws://host:port> [-dial <multiaddr>] [-count N]")
		os.Exit(1)
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	cfg.GatewayURI = *nymURI

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		log.Fatalf("generate identity: %v", err)
	}

	transport, err := nymtransport.NewWithConfig(ctx, cfg, priv)
	if err != nil {
		log.Fatalf("create transport: %v", err)
	}
	defer transport.Close()

	localPeerID, err := peer.IDFromPublicKey(priv.GetPublic())
	if err != nil {
		log.Fatalf("derive local peer id: %v", err)
	}
	fmt.Printf("Local peer id: %s\n", localPeerID)

	go logEvents(transport)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *dialAddr == "" {
		runListener(ctx, transport, sigCh)
		return
	}

	addr, err := ma.NewMultiaddr(*dialAddr)
	if err != nil {
		log.Fatalf("parse dial address: %v", err)
	}
	runDialer(ctx, transport, addr, *count, sigCh)
}

func logEvents(t *nymtransport.Transport) {
	for ev := range t.Events() {
		switch ev.Kind {
		case nymtransport.EventNewAddress:
			fmt.Printf("Listening on %s\n", ev.ListenAddr)
		case nymtransport.EventIncoming:
			if ev.Upgrade != nil {
				fmt.Printf("Accepted connection from %s\n", ev.Upgrade.PeerID)
			}
		case nymtransport.EventListenerError:
			log.Warnf("transport error: %v", ev.Err)
		case nymtransport.EventListenerClosed:
			fmt.Println("Listener closed")
		}
	}
}

func runListener(ctx context.Context, t *nymtransport.Transport, sigCh chan os.Signal) {
	listener, err := t.Listen(t.LocalAddr())
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	fmt.Println("Waiting for a ping peer to dial this address.")

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go echoConnection(conn)
		}
	}()

	<-sigCh
	fmt.Println("\nShutting down...")
}

// echoConnection accepts every substream opened on conn and echoes back
// whatever it reads, acting as the pong side of the dialer's ping loop.
func echoConnection(conn lptransport.CapableConn) {
	defer conn.Close()
	for {
		stream, err := conn.AcceptStream()
		if err != nil {
			return
		}
		go echoStream(stream)
	}
}

func echoStream(stream network.MuxedStream) {
	defer stream.Close()
	buf := make([]byte, len(pingPayload))
	for {
		n, err := stream.Read(buf)
		if err != nil {
			return
		}
		if _, err := stream.Write(buf[:n]); err != nil {
			return
		}
	}
}

func runDialer(ctx context.Context, t *nymtransport.Transport, addr ma.Multiaddr, count int, sigCh chan os.Signal) {
	conn, err := t.Dial(ctx, addr, "")
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		log.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	reader := bufio.NewReader(stream)
	buf := make([]byte, len(pingPayload))

	for i := 0; i < count; i++ {
		start := time.Now()
		if _, err := stream.Write([]byte(pingPayload)); err != nil {
			log.Fatalf("write ping %d: %v", i, err)
		}
		if _, err := reader.Read(buf); err != nil {
			log.Fatalf("read pong %d: %v", i, err)
		}
		fmt.Printf("ping %d: rtt=%s\n", i, time.Since(start))
		time.Sleep(time.Second)
	}

	select {
	case <-sigCh:
	default:
	}
}
