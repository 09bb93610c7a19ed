package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/wimkit/wim"
)

var infoCmd = &cobra.Command{
	Use:   "info WIMFILE",
	Short: "Show an archive's header and image properties",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := wim.Open(args[0], openOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()

		ai := a.Info()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Path:\t%s\n", ai.Path)
		fmt.Fprintf(w, "GUID:\t%s\n", ai.GUID)
		fmt.Fprintf(w, "Compression:\t%s\n", ai.Compression)
		fmt.Fprintf(w, "Images:\t%d\n", ai.ImageCount)
		fmt.Fprintf(w, "Boot index:\t%d\n", ai.BootIndex)
		fmt.Fprintf(w, "Integrity table:\t%v\n", ai.HasIntegrity)
		fmt.Fprintf(w, "Total bytes:\t%s\n", units.BytesSize(float64(ai.TotalBytes)))
		for _, img := range ai.Images {
			fmt.Fprintf(w, "\nImage %d:\t\n", img.Index)
			fmt.Fprintf(w, "  Name:\t%s\n", img.Name)
			if img.Description != "" {
				fmt.Fprintf(w, "  Description:\t%s\n", img.Description)
			}
			if img.Flags != "" {
				fmt.Fprintf(w, "  Flags:\t%s\n", img.Flags)
			}
			fmt.Fprintf(w, "  Directories:\t%d\n", img.DirCount)
			fmt.Fprintf(w, "  Files:\t%d\n", img.FileCount)
			fmt.Fprintf(w, "  Size:\t%s\n", units.BytesSize(float64(img.TotalBytes)))
			if img.HardLinkBytes > 0 {
				fmt.Fprintf(w, "  Hard link bytes:\t%s\n", units.BytesSize(float64(img.HardLinkBytes)))
			}
			if !img.CreationTime.IsZero() {
				fmt.Fprintf(w, "  Created:\t%s\n", img.CreationTime.UTC().Format("2006-01-02 15:04:05"))
			}
			if !img.LastModificationTime.IsZero() {
				fmt.Fprintf(w, "  Modified:\t%s\n", img.LastModificationTime.UTC().Format("2006-01-02 15:04:05"))
			}
		}
		return w.Flush()
	},
}

var deleteRebuild bool

var deleteCmd = &cobra.Command{
	Use:   "delete WIMFILE IMAGE",
	Short: "Delete an image from an archive",
	Long:  "Delete removes an image in place. Blob content it referenced stays in the file as dead space until the archive is rebuilt with --rebuild or optimize.",
	Args:  cobra.ExactArgs(2),
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
		if err := a.DeleteImage(cmd.Context(), index); err != nil {
			return err
		}
		if deleteRebuild {
			err = a.Write(cmd.Context(), args[0], writeOptions()...)
		} else {
			err = a.Append(cmd.Context(), writeOptions()...)
		}
		if err != nil {
			return err
		}
		reportWarnings(a)
		return nil
	},
}

var (
	exportDesc string
	exportBoot bool
)

var exportCmd = &cobra.Command{
	Use:   "export SRC IMAGE DST [NAME]",
	Short: "Export an image into another archive",
	Long:  "Export copies an image from SRC into DST, creating DST when it does not exist. Shared blob content is deduplicated.",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := wim.Open(args[0], openOptions()...)
		if err != nil {
			return err
		}
		defer src.Close()

		index, err := src.ResolveImage(args[1])
		if err != nil {
			return err
		}
		name := ""
		if len(args) == 4 {
			name = args[3]
		}

		dst, fresh, err := openOrCreate(args[2], src.Compression())
		if err != nil {
			return err
		}
		defer dst.Close()

		n, err := dst.ExportImage(cmd.Context(), src, index, name, exportDesc)
		if err != nil {
			return err
		}
		if exportBoot {
			if err := dst.SetBootIndex(n); err != nil {
				return err
			}
		}
		if fresh {
			err = dst.Write(cmd.Context(), args[2], writeOptions()...)
		} else {
			err = dst.Append(cmd.Context(), writeOptions()...)
		}
		if err != nil {
			return err
		}
		reportWarnings(dst)
		return nil
	},
}

// openOrCreate opens an existing destination archive or starts a fresh
// one with the given codec.
func openOrCreate(path string, codec wim.Compression) (*wim.Archive, bool, error) {
	if _, err := os.Stat(path); err == nil {
		a, err := wim.Open(path, openOptions()...)
		return a, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, err
	}
	return wim.New(append(openOptions(), wim.WithCompression(codec))...), true, nil
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteRebuild, "rebuild", false, "rewrite the archive to reclaim dead space")
	exportCmd.Flags().StringVar(&exportDesc, "desc", "", "description for the exported image")
	exportCmd.Flags().BoolVar(&exportBoot, "boot", false, "mark the exported image as the boot image")
	rootCmd.AddCommand(infoCmd, deleteCmd, exportCmd)
}
