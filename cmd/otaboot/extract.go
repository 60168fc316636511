package main

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"otaboot"
	"otaboot/internal/payload"
	"otaboot/internal/planner"
)

type extractOpts struct {
	input         string
	directory     string
	all           bool
	bootOnly      bool
	bootPartition string
}

func newExtractCmd() *cobra.Command {
	var o extractOpts

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract partition images from an OTA payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(&o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.input, "input", "", "input OTA zip (required)")
	f.StringVar(&o.directory, "directory", ".", "directory to write extracted partition images into")
	f.BoolVar(&o.all, "all", false, "extract every partition in the payload")
	f.BoolVar(&o.bootOnly, "boot-only", false, "extract only the resolved boot partition")
	f.StringVar(&o.bootPartition, "boot-partition", "@gki_ramdisk", "role or partition name --boot-only resolves")

	cmd.MarkFlagsMutuallyExclusive("all", "boot-only")
	cmd.MarkFlagRequired("input")

	return cmd
}

func runExtract(o *extractOpts) error {
	if !o.all && !o.bootOnly {
		return otaboot.NewError(otaboot.InvalidArgument, "cmd.extract", fmt.Errorf("exactly one of --all, --boot-only is required"))
	}
	if err := os.MkdirAll(o.directory, 0o755); err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.extract", err)
	}

	tmpDir, err := os.MkdirTemp("", "otaboot-extract-*")
	if err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.extract", err)
	}
	defer os.RemoveAll(tmpDir)

	zr, err := zip.OpenReader(o.input)
	if err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.extract", err)
	}
	defer zr.Close()

	payloadPath := filepath.Join(tmpDir, "payload.bin")
	if err := requirePayloadEntry(&zr.Reader, payloadPath); err != nil {
		return err
	}

	pl, err := payload.Open(payloadPath)
	if err != nil {
		return otaboot.NewError(otaboot.Corrupt, "cmd.extract", err)
	}

	var names []string
	if o.all {
		names = pl.PartitionNames()
	} else {
		classification, err := planner.Classify(pl.PartitionNames())
		if err != nil {
			return err
		}
		name, err := resolvePartition(classification, o.bootPartition)
		if err != nil {
			return err
		}
		names = []string{name}
	}

	log.Infof("extracting %d partition image(s) to %s", len(names), o.directory)
	if err := pl.ExtractMany(context.Background(), names, o.directory); err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.extract", err)
	}
	for _, name := range names {
		log.Infof("wrote %s", filepath.Join(o.directory, name+".img"))
	}
	return nil
}
