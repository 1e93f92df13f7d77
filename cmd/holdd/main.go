package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"holdd/internal/bolt11"
	"holdd/internal/config"
	"holdd/internal/hold"
	"holdd/internal/lndclient"
	"holdd/internal/server"
	"holdd/internal/store"
)

func main() {
	fs := flag.NewFlagSet("holdd", flag.ExitOnError)
	configPath := fs.String("config", "/etc/holdd/config.yaml", "Path to config.yaml")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	net, err := bolt11.Params(cfg.Node.Network)
	if err != nil {
		logger.Fatalf("invalid network: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var st store.Store
	if cfg.Database.PostgresDSN != "" {
		st, err = store.OpenPostgres(ctx, cfg.Database.PostgresDSN)
	} else {
		st, err = store.OpenBolt(cfg.Database.Path)
	}
	if err != nil {
		logger.Fatalf("store open failed: %v", err)
	}
	defer st.Close()

	encoder, err := bolt11.NewEncoder(net)
	if err != nil {
		logger.Fatalf("encoder init failed: %v", err)
	}

	engine := hold.NewEngine(logger, st, encoder, net, hold.Config{
		OverpaymentFactor: cfg.Hold.OverpaymentFactor,
		ExpiryDeadline:    cfg.Hold.ExpiryDeadlineBlocks,
		MppTimeout:        cfg.Hold.MppTimeout(),
	})
	engine.Start()
	defer engine.Stop()

	bridge := lndclient.NewBridge(lndclient.New(cfg.Node, logger), engine)
	go bridge.Run(ctx)

	srv := server.New(cfg, logger, engine)
	errc := make(chan error, 1)
	go func() { errc <- srv.Run() }()

	select {
	case err := <-errc:
		logger.Fatalf("server exited: %v", err)
	case <-ctx.Done():
		logger.Printf("shutting down")
	}
}
