package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"otaboot"
	"otaboot/cpio"
)

type magiskInfoOpts struct {
	image string
}

func newMagiskInfoCmd() *cobra.Command {
	var o magiskInfoOpts

	cmd := &cobra.Command{
		Use:   "magisk-info",
		Short: "Print the .backup/.magisk config embedded in a boot image's ramdisk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMagiskInfo(&o)
		},
	}

	cmd.Flags().StringVar(&o.image, "image", "", "boot/init_boot image to inspect (required)")
	cmd.MarkFlagRequired("image")

	return cmd
}

const magiskConfigPath = ".backup/.magisk"

func runMagiskInfo(o *magiskInfoOpts) error {
	img, err := otaboot.NewBootImg(o.image)
	if err != nil {
		return err
	}
	defer img.Close()

	c := cpio.NewCpio()
	if img.Ramdisk != nil && len(*img.Ramdisk) > 0 {
		if err := c.LoadFromData(*img.Ramdisk); err != nil {
			return otaboot.NewError(otaboot.Corrupt, "cmd.magisk-info", err)
		}
	}

	entry, ok := c.Entries[magiskConfigPath]
	if !ok {
		return otaboot.NewError(otaboot.NotFound, "cmd.magisk-info", fmt.Errorf("%s not present in %s's ramdisk", magiskConfigPath, o.image))
	}

	_, err = os.Stdout.Write(entry.Data)
	return err
}
