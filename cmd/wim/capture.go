package main

import (
	"github.com/spf13/cobra"

	"github.com/wimkit/wim"
)

var (
	captureCompress string
	captureDesc     string
	captureBoot     bool
	captureExcludes []string
	captureWorkers  int
	captureContinue bool
)

var captureCmd = &cobra.Command{
	Use:   "capture SOURCE WIMFILE [NAME]",
	Short: "Capture a directory tree into a new archive",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := parseCompression(captureCompress)
		if err != nil {
			return err
		}
		name := ""
		if len(args) == 3 {
			name = args[2]
		}

		a := wim.New(append(openOptions(), wim.WithCompression(codec))...)
		defer a.Close()
		if _, err := a.Capture(cmd.Context(), args[0], name, captureOpts()...); err != nil {
			return err
		}
		if err := a.Write(cmd.Context(), args[1], writeOptions()...); err != nil {
			return err
		}
		reportWarnings(a)
		return nil
	},
}

var appendCmd = &cobra.Command{
	Use:   "append SOURCE WIMFILE [NAME]",
	Short: "Capture a directory tree into an existing archive",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 3 {
			name = args[2]
		}

		a, err := wim.Open(args[1], openOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()
		if _, err := a.Capture(cmd.Context(), args[0], name, captureOpts()...); err != nil {
			return err
		}
		if err := a.Append(cmd.Context(), writeOptions()...); err != nil {
			return err
		}
		reportWarnings(a)
		return nil
	},
}

func captureOpts() []wim.CaptureOption {
	var opts []wim.CaptureOption
	if captureDesc != "" {
		opts = append(opts, wim.WithDescription(captureDesc))
	}
	if captureBoot {
		opts = append(opts, wim.WithBoot())
	}
	if len(captureExcludes) > 0 {
		opts = append(opts, wim.WithExcludePatterns(captureExcludes...))
	}
	if captureWorkers > 0 {
		opts = append(opts, wim.WithWorkers(captureWorkers))
	}
	if captureContinue {
		opts = append(opts, wim.WithContinueOnErrors())
	}
	return opts
}

func init() {
	for _, c := range []*cobra.Command{captureCmd, appendCmd} {
		c.Flags().StringVar(&captureDesc, "desc", "", "image description")
		c.Flags().BoolVar(&captureBoot, "boot", false, "mark the new image as the boot image")
		c.Flags().StringArrayVar(&captureExcludes, "exclude", nil, "skip paths matching a pattern (repeatable)")
		c.Flags().IntVar(&captureWorkers, "workers", 0, "concurrent hashing workers (0 = automatic)")
		c.Flags().BoolVar(&captureContinue, "continue-on-errors", false, "record unreadable files as warnings and keep going")
	}
	captureCmd.Flags().StringVar(&captureCompress, "compress", "xpress", "chunk compression: none, xpress or lzx")
	rootCmd.AddCommand(captureCmd, appendCmd)
}
