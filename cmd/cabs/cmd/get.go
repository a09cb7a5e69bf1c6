package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/cabs"
)

var getCmd = &cobra.Command{
	Use:   "get <digest>",
	Short: "Write an object to stdout or a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	d, err := cabs.ParseDigest(args[0])
	if err != nil {
		return err
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	rc, size, err := s.Get(cmd.Context(), d)
	if err != nil {
		return err
	}
	defer rc.Close()

	var w io.Writer = cmd.OutOrStdout()
	if out, _ := cmd.Flags().GetString("output"); out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}

	n, err := io.Copy(w, rc)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("short read: got %d of %d bytes", n, size)
	}
	return nil
}
