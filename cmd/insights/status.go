package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Napageneral/insights/internal/db"
	"github.com/Napageneral/insights/internal/state"
	"github.com/Napageneral/insights/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last published worker status and storage totals",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool           `json:"ok"`
				DBPath  string         `json:"db_path"`
				Workers []workerStatus `json:"workers"`
				Stored  store.Stats    `json:"stored"`
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			dbPath, err := db.GetPath()
			if err != nil {
				fail("Failed to resolve database path: %v", err)
			}
			conn, err := db.OpenDefault()
			if err != nil {
				fail("Failed to open database: %v", err)
			}
			defer conn.Close()

			result := Result{OK: true, DBPath: dbPath, Workers: []workerStatus{}}

			names, err := state.Workers(ctx, conn)
			if err != nil {
				fail("Failed to list workers: %v", err)
			}
			for _, name := range names {
				var ws workerStatus
				_, ok, err := state.GetJSON(ctx, conn, name, statusKey, &ws)
				if err != nil {
					fail("Failed to read status for %s: %v", name, err)
				}
				if ok {
					result.Workers = append(result.Workers, ws)
				}
			}

			result.Stored, err = store.New(conn).Stats(ctx)
			if err != nil {
				fail("Failed to read storage stats: %v", err)
			}

			if jsonOutput {
				printJSON(result)
				return
			}

			fmt.Printf("Database: %s\n", result.DBPath)
			fmt.Printf("Stored: %d conversations, %d insights (%d served from cache), %d cache entries\n",
				result.Stored.Conversations, result.Stored.Insights, result.Stored.CachedServed, result.Stored.CacheEntries)
			fmt.Printf("Usage: %d tokens, $%.4f estimated\n", result.Stored.TokensUsed, result.Stored.CostUSD)

			if len(result.Workers) == 0 {
				fmt.Println("\nNo worker status published yet. Run `insights serve`.")
				return
			}
			for _, ws := range result.Workers {
				fmt.Printf("\n%s (%s, updated %s)\n", ws.Name, ws.Health.Status, ws.UpdatedAt.Format(time.RFC3339))
				fmt.Printf("  running:  %v\n", ws.Running)
				fmt.Printf("  queue:    %d/%d\n", ws.QueueDepth, ws.QueueCapacity)
				fmt.Printf("  batch:    %d (min %d, max %d)\n", ws.Batch.Current, ws.Batch.Min, ws.Batch.Max)
				fmt.Printf("  breaker:  %s (%d consecutive failures, %d trips)\n",
					ws.Breaker.State, ws.Breaker.ConsecutiveFailures, ws.BreakerTrips)
				c := ws.Counts
				fmt.Printf("  counts:   submitted=%d rejected=%d skipped=%d cached=%d analyzed=%d failed=%d deferred=%d\n",
					c.Submitted, c.Rejected, c.Skipped, c.CacheHits, c.Analyzed, c.Failed, c.Deferred)
				for _, r := range ws.Health.Reasons {
					fmt.Printf("  ! %s\n", r)
				}
			}
		},
	}
}
