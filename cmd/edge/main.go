// Command edge runs the NAT-side half of the tunnel: it dials out to a
// supernode, authenticates, and relays server-initiated Forward
// requests to a local upstream target.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"reversetunnel/internal/config"
	"reversetunnel/internal/edge"
	"reversetunnel/internal/limiter"
	"reversetunnel/internal/session"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-config path.yml] [-local-listen addr] <server_addr:port> <token> <forward_to>\n", os.Args[0])
}

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	localListen := flag.String("local-listen", "", "optional local TCP listener forwarding directly to forward_to")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) != 3 {
		usage()
		os.Exit(2)
	}
	serverAddr, token, forwardTo := args[0], args[1], args[2]

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("EDGE: config: %v", err)
	}
	log.SetOutput(cfg.Log.Writer())

	lim := limiter.New(int64(cfg.BandwidthLimit))

	client := &edge.Client{
		ServerAddr:      serverAddr,
		Token:           token,
		ForwardTo:       forwardTo,
		Interface:       cfg.Interface,
		Limiter:         lim,
		Registry:        session.New(),
		AllowedOutbound: cfg.AllowedOutbound,
		LocalListenAddr: *localListen,
		PingInterval:    cfg.PingInterval.Duration(),
		PingTimeout:     cfg.PingTimeout.Duration(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("EDGE: shutting down")
		cancel()
	}()

	if *localListen != "" {
		go func() {
			if err := edge.LocalListen(ctx, *localListen, forwardTo, lim); err != nil && ctx.Err() == nil {
				log.Printf("EDGE: local listener on %s stopped: %v", *localListen, err)
			}
		}()
		log.Printf("EDGE: local listener bound on %s, forwarding to %s", *localListen, forwardTo)
	}

	log.Printf("EDGE: connecting to %s, forwarding to %s", serverAddr, forwardTo)
	client.Run(ctx)
}
