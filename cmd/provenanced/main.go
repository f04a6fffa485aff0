package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	provenanced "github.com/provenancedb/provenance/internal/cmd/provenanced"
)

func main() {
	cfg, err := provenanced.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[PROVENANCED] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := provenanced.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
