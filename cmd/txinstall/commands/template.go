package commands

import (
	"fmt"
	"os"

	"github.com/fly-io/txinstall/internal/metadata"
	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
	"github.com/spf13/cobra"
)

var templateCmd = &cobra.Command{
	Use:   "create-template <name> <version>",
	Short: "Write a starter metadata document for a new package to stdout",
	Args:  cobra.ExactArgs(2),
	RunE:  runTemplate,
}

func init() {
	rootCmd.AddCommand(templateCmd)
}

func runTemplate(cmd *cobra.Command, args []string) error {
	out, err := metadata.RenderTemplate(args[0], args[1])
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to render template")
	}
	_, err = os.Stdout.Write(out)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "# edit install_steps before running `txinstall validate`")
	return nil
}
