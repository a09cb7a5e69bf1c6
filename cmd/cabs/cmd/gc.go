package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/cabs"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect unreferenced objects",
	Long: `Run one garbage collection cycle. Every digest read from --marks (one
per line, "-" for stdin) is kept; everything else that the chosen strategy
deems unreferenced is reported, and removed with --delete.`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

var gcStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the result of the last garbage collection",
	Args:  cobra.NoArgs,
	RunE:  runGCStatus,
}

func init() {
	gcCmd.Flags().String("strategy", "", "additive or subtractive (default from config)")
	gcCmd.Flags().String("marks", "-", "file listing referenced digests")
	gcCmd.Flags().Bool("delete", false, "remove unreferenced objects instead of only counting them")
	viper.BindPFlag("gc_strategy", gcCmd.Flags().Lookup("strategy"))

	gcCmd.AddCommand(gcStatusCmd)
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) (err error) {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	marks, _ := cmd.Flags().GetString("marks")
	r, _, closeFn, err := openInput(cmd, marks)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := cmd.Context()
	if err := s.StartGC(ctx); err != nil {
		return err
	}
	if err := markAll(s, r); err != nil {
		s.ResetGC()
		return err
	}

	deleteObjects, _ := cmd.Flags().GetBool("delete")
	st, err := s.StopGC(ctx, deleteObjects)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func markAll(s *cabs.Store, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := cabs.ParseDigest(line)
		if err != nil {
			return err
		}
		if err := s.Mark(d); err != nil {
			return err
		}
	}
	return sc.Err()
}

func runGCStatus(cmd *cobra.Command, args []string) (err error) {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	st := s.GCStatus()
	if st.StartedAt.IsZero() {
		fmt.Fprintln(os.Stderr, "No garbage collection has run yet")
		return nil
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func printStatus(out io.Writer, st cabs.GCStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "strategy\t%s\n", st.Strategy)
	fmt.Fprintf(w, "started\t%s\n", st.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "duration\t%s\n", st.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "kept\t%d\n", st.Kept)
	fmt.Fprintf(w, "unreferenced\t%d\n", st.Unreferenced)
	fmt.Fprintf(w, "removed\t%d\n", st.Removed)
	fmt.Fprintf(w, "failed\t%d\n", st.Failed)
	fmt.Fprintf(w, "skipped\t%d\n", st.Skipped)
	fmt.Fprintf(w, "bytes removed\t%d\n", st.BytesRemoved)
	if st.Error != "" {
		fmt.Fprintf(w, "error\t%s\n", st.Error)
	}
	w.Flush()
}
