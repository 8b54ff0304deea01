package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/imdea-software/bftsmr/config"
	"github.com/imdea-software/bftsmr/dlog"
	"github.com/imdea-software/bftsmr/replica"
)

func run(c *config.Config) {
	logger := dlog.New(c.LogFile, c.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := "BFT"
	if !c.BFT {
		mode = "CFT"
	}
	logger.Printf("Starting %s replica %d of %d, tolerating %d faults", mode, c.Id, len(c.Replicas), c.F)

	node, err := replica.NewNode(ctx, c, logger)
	if err != nil {
		logger.Fatal(err)
	}
	if err := node.Run(ctx); err != nil {
		logger.Fatal(err)
	}
	logger.Println("Replica stopped")
}
