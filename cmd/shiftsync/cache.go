package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"shiftsync/internal/cache"
	"shiftsync/internal/config"
	"shiftsync/internal/metrics"
	"shiftsync/internal/queue"
	"shiftsync/internal/store"
)

func init() {
	cacheCmd.AddCommand(cacheCleanupCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the local response cache",
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop expired entries and trim the cache to its budget (daemon must be stopped)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		st, err := store.Open(cfg.Storage.Path, store.WithProtected(queue.Collection))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		ctx := context.Background()
		m, err := cache.New(ctx, st, cache.WithMaxBytes(cfg.CacheMaxBytes()))
		if err != nil {
			return err
		}
		defer m.Close()

		expired, err := m.Cleanup(ctx)
		if err != nil {
			return err
		}
		evicted, err := m.CleanupBySize(ctx)
		if err != nil {
			return err
		}
		s := m.Stats()
		fmt.Printf("removed %d expired and %d over budget; %d entries, %s of %s\n",
			expired, evicted, s.Entries, metrics.FormatBytes(uint64(s.Bytes)), metrics.FormatBytes(uint64(s.Budget)))
		return nil
	},
}
