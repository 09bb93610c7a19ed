package main

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/wimkit/wim"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize WIMFILE",
	Short: "Rebuild an archive, reclaiming dead space",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := wim.Open(args[0], openOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Write(cmd.Context(), args[0], writeOptions()...); err != nil {
			return err
		}
		reportWarnings(a)
		return nil
	},
}

var splitCmd = &cobra.Command{
	Use:   "split WIMFILE BASE SIZE",
	Short: "Split an archive into a spanned set",
	Long:  "Split writes the archive as parts of roughly SIZE bytes each, named after BASE. SIZE accepts unit suffixes, as in 100MB or 4GiB.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := units.RAMInBytes(args[2])
		if err != nil {
			return fmt.Errorf("part size %q: %w", args[2], err)
		}
		a, err := wim.Open(args[0], openOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Split(cmd.Context(), args[1], size); err != nil {
			return err
		}
		reportWarnings(a)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify WIMFILE",
	Short: "Check every resource against its recorded hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := wim.Open(args[0], openOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Verify(cmd.Context()); err != nil {
			return err
		}
		reportWarnings(a)
		fmt.Println("ok")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(optimizeCmd, splitCmd, verifyCmd)
}
