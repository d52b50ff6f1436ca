package commands

import (
	"context"
	"fmt"
	"strconv"

	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <transaction-id>",
	Short: "Compensate every eligible step of a transaction, in reverse order",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}

	txnID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return pkgerrors.New(pkgerrors.KindValidation, "transaction id must be an integer")
	}

	_, st, mgr, err := openManager()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	fmt.Printf("⏪ rolling back transaction %d\n", txnID)
	if err := mgr.Rollback(ctx, txnID); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "rollback failed")
	}

	view, err := mgr.Status(ctx, txnID)
	if err != nil {
		return err
	}
	fmt.Printf("transaction %d is now %s\n", txnID, view.Status)
	return nil
}
