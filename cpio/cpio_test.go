package cpio_test

import (
	"os"
	"path/filepath"
	"testing"

	cpio "otaboot/cpio"
)

// TestRoundTrip builds a small ramdisk in memory, adds a file and a
// directory, dumps it, and reloads it, checking that both entries are
// present again and that the file's content and permission bits survive
// the save-then-load round trip.
func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "README.md")
	if err := os.WriteFile(srcPath, []byte("hello ramdisk\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := cpio.NewCpio()
	c.Mkdir(0o750, "overlay.d")
	if err := c.Add(0o644, "test/README.md", srcPath); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	dumpPath := filepath.Join(dir, "dump.cpio")
	if err := c.Dump(dumpPath); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}

	raw, err := os.ReadFile(dumpPath)
	if err != nil {
		t.Fatal(err)
	}

	reloaded := cpio.NewCpio()
	if err := reloaded.LoadFromData(raw); err != nil {
		t.Fatalf("LoadFromData failed: %v", err)
	}

	if !reloaded.Exists("test/README.md") {
		t.Fatalf("reloaded cpio missing test/README.md, keys=%v", reloaded.Keys)
	}
	if !reloaded.Exists("overlay.d") {
		t.Fatalf("reloaded cpio missing overlay.d directory entry")
	}
	entry := reloaded.Entries["test/README.md"]
	if string(entry.Data) != "hello ramdisk\n" {
		t.Fatalf("content mismatch: got %q", entry.Data)
	}
	if entry.Mode&0o777 != 0o644 {
		t.Fatalf("mode mismatch: got %o", entry.Mode&0o777)
	}
}

// TestRmRecursive checks that removing a directory recursively drops
// every entry under it.
func TestRmRecursive(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "a.txt")
	os.WriteFile(srcPath, []byte("a"), 0o644)

	c := cpio.NewCpio()
	if err := c.Add(0o644, "test/a.txt", srcPath); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(0o644, "test/b.txt", srcPath); err != nil {
		t.Fatal(err)
	}
	c.Rm("test", true)

	if c.Exists("test/a.txt") || c.Exists("test/b.txt") {
		t.Fatalf("expected recursive Rm to remove both entries, keys=%v", c.Keys)
	}
}
