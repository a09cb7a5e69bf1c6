package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aweris/cabs"
)

var rmCmd = &cobra.Command{
	Use:   "rm <digest>...",
	Short: "Remove objects",
	Long: `Remove objects in a single transaction. Either all removals are
committed or, if one fails, all are rolled back. With --dry-run the
transaction is always rolled back.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRm,
}

func init() {
	rmCmd.Flags().Bool("dry-run", false, "roll back instead of committing")
	rootCmd.AddCommand(rmCmd)
}

func runRm(cmd *cobra.Command, args []string) (err error) {
	digests := make([]cabs.Digest, 0, len(args))
	for _, arg := range args {
		d, err := cabs.ParseDigest(arg)
		if err != nil {
			return err
		}
		digests = append(digests, d)
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	ctx := cmd.Context()
	tx := s.Transactions()
	xid := cabs.XID(uuid.NewString())
	if err := tx.Start(xid); err != nil {
		return err
	}
	txCtx := s.WithTransaction(ctx, xid)

	var rmErr error
	for _, d := range digests {
		if rmErr = s.Remove(txCtx, d); rmErr != nil {
			rmErr = fmt.Errorf("remove %s: %w", d, rmErr)
			break
		}
	}
	if err := tx.End(xid); err != nil {
		return errors.Join(rmErr, err)
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if rmErr != nil || dryRun {
		return errors.Join(rmErr, tx.Rollback(ctx, xid))
	}
	if err := tx.Commit(ctx, xid, true); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Removed %d objects\n", len(digests))
	return nil
}
