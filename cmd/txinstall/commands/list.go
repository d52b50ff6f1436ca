package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent transactions and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of transactions to show")
}

func runList(cmd *cobra.Command, args []string) error {
	_, st, mgr, err := openManager()
	if err != nil {
		return err
	}
	defer st.Close()

	txns, err := mgr.List(context.Background(), listLimit)
	if err != nil {
		return err
	}
	if len(txns) == 0 {
		fmt.Println("No transactions found")
		return nil
	}

	fmt.Printf("%-6s %-30s %-16s %-20s %-20s\n", "ID", "PACKAGE", "STATUS", "CREATED", "COMPLETED")
	fmt.Println("--------------------------------------------------------------------------------------")
	for _, t := range txns {
		completed := t.CompletedAt
		if completed == "" {
			completed = "-"
		}
		fmt.Printf("%-6d %-30s %-16s %-20s %-20s\n", t.ID, t.PackageName, t.Status, t.CreatedAt, completed)
	}
	return nil
}
