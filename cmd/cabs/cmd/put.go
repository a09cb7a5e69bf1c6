package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put [file...]",
	Short: "Store files and print their digests",
	Long:  "Store the given files, or stdin when none or \"-\" is given, and print one digest per input.",
	RunE:  runPut,
}

func init() {
	rootCmd.AddCommand(putCmd)
}

func runPut(cmd *cobra.Command, args []string) (err error) {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	if len(args) == 0 {
		args = []string{"-"}
	}
	for _, name := range args {
		r, size, closeFn, err := openInput(cmd, name)
		if err != nil {
			return err
		}
		d, err := s.Put(cmd.Context(), r, size)
		closeFn()
		if err != nil {
			return fmt.Errorf("put %s: %w", name, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), d)
	}
	return nil
}

func openInput(cmd *cobra.Command, name string) (io.Reader, int64, func(), error) {
	if name == "-" {
		return cmd.InOrStdin(), -1, func() {}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, 0, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	return f, fi.Size(), func() { f.Close() }, nil
}
