package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmtg/boardd/internal/client"
	"github.com/jmtg/boardd/internal/config"
	"github.com/jmtg/boardd/internal/store"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "boardd",
		Short: "Client daemon for the logistics-announcement board",
		Long: `boardd keeps one persistent connection to the announcement board
server, mirrors the announcement set locally, drives the per-announcement
countdown and status automata, and rings the priority reminder.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := client.New(ctx, cfg, st)
	if err := c.Start(); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	log.Printf("client started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Printf("shutting down...")

	cancel()
	if err := c.Stop(); err != nil {
		log.Printf("error during shutdown: %v", err)
	}

	log.Printf("stopped")
	return nil
}
