// Command supernode runs the public-facing half of the tunnel: a QUIC
// listener edges authenticate against, and a TCP ingress that sniffs
// public clients' first bytes and relays them to the matching edge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"reversetunnel/internal/certutil"
	"reversetunnel/internal/config"
	"reversetunnel/internal/cryptutil"
	"reversetunnel/internal/limiter"
	"reversetunnel/internal/session"
	"reversetunnel/internal/supernode"
	"reversetunnel/internal/transport"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-config path.yml] <quic_bind_addr:port> <tcp_bind_addr:port> <cert_path> <key_path>\n", os.Args[0])
}

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) != 4 {
		usage()
		os.Exit(2)
	}
	quicAddr, tcpAddr, certPath, keyPath := args[0], args[1], args[2], args[3]

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("SUPERNODE: config: %v", err)
	}
	log.SetOutput(cfg.Log.Writer())

	cert, err := certutil.Load(certPath, keyPath)
	if err != nil {
		log.Fatalf("SUPERNODE: certificate: %v", err)
	}

	quicLn, err := transport.Listen(quicAddr, transport.ServerTLSConfig(cert), transport.Config(), cfg.Interface, cfg.AllowedRemote)
	if err != nil {
		log.Fatalf("SUPERNODE: quic listen on %s: %v", quicAddr, err)
	}
	defer quicLn.Close()

	tcpLn, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		log.Fatalf("SUPERNODE: tcp listen on %s: %v", tcpAddr, err)
	}
	defer tcpLn.Close()

	registry := session.New()
	stopSweeper := registry.StartSweeper()
	defer stopSweeper()
	stopLogging := registry.StartPeriodicLogging()
	defer stopLogging()

	srv := &supernode.Server{
		Registry:    registry,
		Limiter:     limiter.New(int64(cfg.BandwidthLimit)),
		RoutingMode: routingFunc(cfg.RoutingID),
		Admin:       adminAuth(cfg.AdminToken),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("SUPERNODE: shutting down")
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.RunQUIC(ctx, quicLn) }()
	go func() { errCh <- srv.RunIngress(ctx, tcpLn) }()

	log.Printf("SUPERNODE: quic listening on %s, ingress listening on %s", quicAddr, tcpAddr)
	if err := <-errCh; err != nil && ctx.Err() == nil {
		log.Fatalf("SUPERNODE: fatal: %v", err)
	}
}

func routingFunc(mode config.RoutingIDMode) supernode.RoutingIDFunc {
	if mode == config.RoutingIDHashed {
		return supernode.Hashed
	}
	return supernode.Identity
}

func adminAuth(token string) *supernode.AdminAuth {
	if token == "" {
		return nil
	}
	salt, err := cryptutil.GenerateSalt(16)
	if err != nil {
		log.Fatalf("SUPERNODE: admin token salt: %v", err)
	}
	digest, err := cryptutil.DeriveAdminTokenDigest(token, salt)
	if err != nil {
		log.Fatalf("SUPERNODE: admin token digest: %v", err)
	}
	return &supernode.AdminAuth{Salt: salt, Digest: digest}
}
