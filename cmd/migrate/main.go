// Command migrate manages the repair journal schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"plaza/internal/config"
	"plaza/internal/database"
	"plaza/internal/repository"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() error {
	return fmt.Errorf("usage: go run ./cmd/migrate <up|status>")
}

func run() error {
	flag.Parse()
	if flag.NArg() < 1 {
		return usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Connect applies the journal schema.
	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect journal: %w", err)
	}
	defer func() { _ = database.Close(db) }()

	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(flag.Arg(0))) {
	case "up":
		log.Printf("journal schema applied (driver=%s)", cfg.JournalDriver)
	case "status":
		repairs := repository.NewRepairRepository(db)
		pending, err := repairs.CountPending(ctx)
		if err != nil {
			return fmt.Errorf("count pending repairs: %w", err)
		}
		log.Printf("driver=%s pending_repairs=%d", cfg.JournalDriver, pending)
		tasks, err := repairs.ListPending(ctx, 20)
		if err != nil {
			return fmt.Errorf("list pending repairs: %w", err)
		}
		for _, t := range tasks {
			log.Printf("pending: %s %s %s -> %s missing=%s attempts=%d", t.ID, t.Op, t.ActorID, t.TargetID, t.MissingSide, t.Attempts)
		}
	default:
		return usage()
	}
	return nil
}
