package main

import (
	"archive/zip"
	"fmt"
	"io"
	"os"

	"otaboot"
)

// findZipEntry returns the named entry from zr, or nil if absent.
func findZipEntry(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// extractZipEntry copies f's decompressed contents to destPath.
func extractZipEntry(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.extractZipEntry", err)
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.extractZipEntry", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.extractZipEntry", err)
	}
	return nil
}

// requirePayloadEntry extracts payload.bin from an opened OTA zip into
// destPath, the precondition every subcommand that touches the payload
// pipeline shares.
func requirePayloadEntry(zr *zip.Reader, destPath string) error {
	f := findZipEntry(zr, "payload.bin")
	if f == nil {
		return otaboot.NewError(otaboot.NotFound, "cmd.requirePayloadEntry", fmt.Errorf("payload.bin not present in input zip"))
	}
	return extractZipEntry(f, destPath)
}
