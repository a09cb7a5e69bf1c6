package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/cabs"
)

var statCmd = &cobra.Command{
	Use:   "stat <digest>...",
	Short: "Print object lengths",
	Long:  "Print the length of each object. With --url also print a direct download URL when the backend supports one.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStat,
}

func init() {
	statCmd.Flags().Bool("url", false, "print a direct download URL")
	rootCmd.AddCommand(statCmd)
}

func runStat(cmd *cobra.Command, args []string) (err error) {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	withURL, _ := cmd.Flags().GetBool("url")
	for _, arg := range args {
		d, err := cabs.ParseDigest(arg)
		if err != nil {
			return err
		}
		n, err := s.Length(cmd.Context(), d)
		if err != nil {
			return err
		}
		if !withURL {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", d, n)
			continue
		}
		url, err := s.DirectURL(cmd.Context(), d)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", d, n, url)
	}
	return nil
}
