// Command wim captures, inspects, modifies and applies WIM archives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wimkit/wim"
)

var (
	flagVerbose bool
	flagStrict  bool
	flagCheck   bool
)

var rootCmd = &cobra.Command{
	Use:           "wim",
	Short:         "Work with WIM archives",
	Long:          "wim captures directory trees into WIM archives, inspects and modifies them, and applies images back to disk.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log progress and warnings to stderr")
	rootCmd.PersistentFlags().BoolVar(&flagStrict, "strict", false, "reject reserved bits and unrepresentable features")
	rootCmd.PersistentFlags().BoolVar(&flagCheck, "check", false, "verify integrity when reading, write an integrity table when writing")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "wim: %v\n", err)
		code := int(wim.Kind(err))
		if code == 0 {
			code = int(wim.KindRead)
		}
		os.Exit(code)
	}
}

// openOptions assembles the archive options the global flags ask for.
func openOptions() []wim.OpenOption {
	var opts []wim.OpenOption
	if flagStrict {
		opts = append(opts, wim.WithStrict())
	}
	if flagCheck {
		opts = append(opts, wim.WithVerifyOnOpen())
	}
	if flagVerbose {
		opts = append(opts, wim.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	}
	return opts
}

func writeOptions() []wim.WriteOption {
	if flagCheck {
		return []wim.WriteOption{wim.WithIntegrityTable()}
	}
	return nil
}

// reportWarnings prints an archive's accumulated warnings to stderr.
func reportWarnings(a *wim.Archive) {
	for _, w := range a.Warnings() {
		fmt.Fprintf(os.Stderr, "wim: warning: %s: %s\n", w.Path, w.Message)
	}
}

func parseCompression(s string) (wim.Compression, error) {
	switch strings.ToLower(s) {
	case "none":
		return wim.CompressionNone, nil
	case "xpress", "fast":
		return wim.CompressionXPRESS, nil
	case "lzx", "maximum":
		return wim.CompressionLZX, nil
	}
	return 0, fmt.Errorf("unknown compression %q (none, xpress, lzx)", s)
}
