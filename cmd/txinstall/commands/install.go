package commands

import (
	"context"
	"fmt"

	"github.com/fly-io/txinstall/internal/metadata"
	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
	"github.com/spf13/cobra"
)

var installDryRun bool

var installCmd = &cobra.Command{
	Use:   "install <metadata-file>",
	Short: "Install a package metadata document as a single transaction",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().BoolVar(&installDryRun, "dry-run", false, "Validate and print the execution plan without applying anything")
}

func runInstall(cmd *cobra.Command, args []string) error {
	path := args[0]

	parser := metadata.New()
	doc, err := parser.ParseFile(path)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "metadata validation failed")
	}

	specs, err := stepSpecsFromRaw(doc.InstallSteps)
	if err != nil {
		return err
	}

	if installDryRun {
		fmt.Printf("📦 %s %s — %d install steps\n", doc.Package.Name, doc.Package.Version, len(specs))
		for i, s := range specs {
			fmt.Printf("  [%d] %-20s rollback=%s\n", i, s.Type, s.RollbackStrategy)
		}
		fmt.Println("dry-run: no changes applied")
		return nil
	}

	if err := requireRoot(); err != nil {
		return err
	}

	cfg, st, mgr, err := openManager()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()

	arch, osVersion, memMB, diskMB, err := hostProbe(cfg.InstallRoot)
	if err != nil {
		return err
	}
	if err := metadata.CheckRequirements(doc.Requirements, arch, osVersion, memMB, diskMB); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "host does not satisfy package requirements")
	}

	if err := mgr.RecoverOrphans(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "orphan recovery failed")
	}

	rawMetadata, err := readFile(path)
	if err != nil {
		return err
	}

	if len(doc.PreInstall) > 0 {
		fmt.Printf("▶️  running %d pre-install step(s)\n", len(doc.PreInstall))
		if err := runPrePostSteps(ctx, cfg, doc.PreInstall); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindApply, err, "pre-install steps failed")
		}
	}

	txnID, err := mgr.Begin(ctx, doc.Package.Name, rawMetadata, doc.AllowIrreversible)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.KindBusy, err, "failed to begin transaction")
	}
	fmt.Printf("🚀 transaction %d started for %s %s\n", txnID, doc.Package.Name, doc.Package.Version)

	if err := mgr.Execute(ctx, specs); err != nil {
		fmt.Printf("❌ transaction %d failed: %v\n", txnID, err)
		return err
	}

	if err := mgr.Commit(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to commit transaction")
	}
	fmt.Printf("✅ transaction %d committed\n", txnID)

	if len(doc.PostInstall) > 0 {
		fmt.Printf("▶️  running %d post-install step(s)\n", len(doc.PostInstall))
		if err := runPrePostSteps(ctx, cfg, doc.PostInstall); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindApply, err, "post-install steps failed")
		}
	}
	return nil
}
