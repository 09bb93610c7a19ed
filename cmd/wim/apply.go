package main

import (
	"github.com/spf13/cobra"

	"github.com/wimkit/wim"
)

var applyStrictFeatures bool

var applyCmd = &cobra.Command{
	Use:   "apply WIMFILE IMAGE DEST",
	Short: "Apply an image to a directory",
	Long:  "Apply extracts a whole image into DEST. IMAGE is a 1-based index or an image name.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := wim.Open(args[0], openOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()

		index, err := a.ResolveImage(args[1])
		if err != nil {
			return err
		}
		if err := a.Apply(cmd.Context(), index, args[2], applyOpts()...); err != nil {
			return err
		}
		reportWarnings(a)
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract WIMFILE IMAGE PATH DEST",
	Short: "Extract one file or subtree of an image",
	Long:  "Extract places the file or directory at the image-relative PATH into DEST.",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := wim.Open(args[0], openOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()

		index, err := a.ResolveImage(args[1])
		if err != nil {
			return err
		}
		if err := a.Extract(cmd.Context(), index, args[2], args[3], applyOpts()...); err != nil {
			return err
		}
		reportWarnings(a)
		return nil
	},
}

func applyOpts() []wim.ApplyOption {
	if applyStrictFeatures {
		return []wim.ApplyOption{wim.WithStrictFeatures()}
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{applyCmd, extractCmd} {
		c.Flags().BoolVar(&applyStrictFeatures, "strict-features", false, "fail on features the target cannot represent")
	}
	rootCmd.AddCommand(applyCmd, extractCmd)
}
