package commands

import (
	"fmt"

	"github.com/fly-io/txinstall/internal/metadata"
	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <metadata-file>",
	Short: "Validate a package metadata document against the schema without applying it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	parser := metadata.New()
	doc, err := parser.ParseFile(args[0])
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "metadata is invalid")
	}
	fmt.Printf("✅ %s %s is valid: %d install steps\n", doc.Package.Name, doc.Package.Version, len(doc.InstallSteps))
	return nil
}
