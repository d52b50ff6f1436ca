package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupOlderThanDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal transactions (and their steps/snapshots) past the retention window",
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().IntVar(&cleanupOlderThanDays, "older-than", 0, "Delete committed/rolled_back/failed transactions older than this many days (default: config max-retention-days)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, st, mgr, err := openManager()
	if err != nil {
		return err
	}
	defer st.Close()

	retentionDays := cleanupOlderThanDays
	if !cmd.Flags().Changed("older-than") {
		retentionDays = cfg.MaxRetentionDays
	}

	fmt.Printf("🧹 cleaning up transactions older than %d days...\n", retentionDays)
	deleted, err := mgr.GC(context.Background(), time.Duration(retentionDays)*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("✅ removed %d transactions\n", deleted)
	return nil
}
