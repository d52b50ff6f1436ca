package commands

import (
	"context"
	"fmt"
	"strconv"

	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <transaction-id>",
	Short: "Show a transaction and its per-step status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	txnID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindValidation, "transaction id must be an integer")
	}

	_, st, mgr, err := openManager()
	if err != nil {
		return err
	}
	defer st.Close()

	view, err := mgr.Status(context.Background(), txnID)
	if err != nil {
		return err
	}

	completed := view.CompletedAt
	if completed == "" {
		completed = "-"
	}
	fmt.Printf("transaction %d: %s (%s)\n", view.ID, view.PackageName, view.Status)
	fmt.Printf("created: %s  completed: %s\n", view.CreatedAt, completed)
	fmt.Printf("%-6s %-20s %-22s %-20s\n", "STEP", "TYPE", "STATUS", "EXECUTED")
	for _, s := range view.Steps {
		executed := s.ExecutedAt
		if executed == "" {
			executed = "-"
		}
		fmt.Printf("%-6d %-20s %-22s %-20s\n", s.OrderIndex, s.Type, s.Status, executed)
	}
	return nil
}
