package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "txinstall",
	Short: "Transactional package installer for Debian-family hosts",
	Long:  `Installs package metadata documents as a single atomic transaction, snapshotting each step so a failure anywhere triggers best-effort reverse-order compensation.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("db-path", "/var/lib/txinstall/transactions.db", "Durable log SQLite path")
	rootCmd.PersistentFlags().String("install-root", "/", "Root directory file_copy destinations are scoped under")
	rootCmd.PersistentFlags().String("backup-dir", "/var/lib/txinstall/backups", "Directory large file pre-images are backed up to")
	rootCmd.PersistentFlags().String("ansible-playbook-dir", "/etc/txinstall/ansible", "Directory relative playbook paths resolve under")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "Region for s3:// artifact fetches")
	rootCmd.PersistentFlags().Int64("max-file-size", 1*1024*1024*1024, "Max file size file_copy will handle")

	viper.BindPFlag("db-path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("install-root", rootCmd.PersistentFlags().Lookup("install-root"))
	viper.BindPFlag("backup-dir", rootCmd.PersistentFlags().Lookup("backup-dir"))
	viper.BindPFlag("ansible-playbook-dir", rootCmd.PersistentFlags().Lookup("ansible-playbook-dir"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("max-file-size", rootCmd.PersistentFlags().Lookup("max-file-size"))
}
