package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roostlabs/roost/internal/perch"
	"github.com/roostlabs/roost/internal/version"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	provisionKey := flag.String("provision", "", "provision this node with the given hex key and exit")
	provisionEpoch := flag.Uint64("epoch", 1, "key epoch to provision with")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := perch.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *provisionKey != "" {
		if err := perch.Provision(cfg.DataDir, *provisionKey, *provisionEpoch); err != nil {
			fmt.Fprintf(os.Stderr, "provision failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("provisioned %s at epoch %d\n", cfg.DeviceID, *provisionEpoch)
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("perch node agent starting",
		zap.String("version", version.Short()),
		zap.String("device_id", cfg.DeviceID),
	)

	agent, err := perch.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize agent", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("agent error", zap.Error(err))
	}
	logger.Info("perch node agent stopped")
}
