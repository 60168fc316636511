package zipemit_test

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"otaboot/internal/zipemit"
)

func buildInputZip(t *testing.T, payloadFirst bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	write := func(name string, data []byte, method uint16) {
		hdr := &zip.FileHeader{Name: name, Method: method}
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("CreateHeader(%s): %v", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	write("META-INF/com/android/metadata", []byte("old metadata\n"), zip.Deflate)
	write("META-INF/com/android/metadata.pb", []byte("\x08\x01"), zip.Store)
	write("META-INF/com/android/otacert", []byte("old cert\n"), zip.Store)

	payload := func() { write("payload.bin", []byte("old payload bytes"), zip.Store) }
	props := func() { write("payload_properties.txt", []byte("FILE_HASH=old\n"), zip.Store) }
	if payloadFirst {
		payload()
		props()
	} else {
		props()
		payload()
	}

	write("other/file.txt", []byte("unrelated\n"), zip.Deflate)

	if err := w.Close(); err != nil {
		t.Fatalf("close input zip: %v", err)
	}
	return buf.Bytes()
}

func TestEmitSubstitutesEntries(t *testing.T) {
	dir := t.TempDir()
	payloadPath := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(payloadPath, []byte("new payload bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	inputBytes := buildInputZip(t, true)
	zr, err := zip.NewReader(bytes.NewReader(inputBytes), int64(len(inputBytes)))
	if err != nil {
		t.Fatalf("open input zip: %v", err)
	}

	var out bytes.Buffer
	res, err := zipemit.Emit(zr, &out, zipemit.Input{
		PayloadPath:       payloadPath,
		PayloadProperties: []byte("FILE_HASH=new\n"),
		CertPEM:           []byte("new cert\n"),
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if res.CentralDirectorySize <= 0 {
		t.Fatalf("CentralDirectorySize = %d, want > 0", res.CentralDirectorySize)
	}

	outZr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	if err != nil {
		t.Fatalf("reopen output zip: %v", err)
	}

	contents := map[string][]byte{}
	for _, f := range outZr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		contents[f.Name] = data
	}

	if string(contents["payload.bin"]) != "new payload bytes" {
		t.Fatalf("payload.bin = %q", contents["payload.bin"])
	}
	if string(contents["payload_properties.txt"]) != "FILE_HASH=new\n" {
		t.Fatalf("payload_properties.txt = %q", contents["payload_properties.txt"])
	}
	if string(contents["META-INF/com/android/otacert"]) != "new cert\n" {
		t.Fatalf("otacert = %q", contents["META-INF/com/android/otacert"])
	}
	if string(contents["other/file.txt"]) != "unrelated\n" {
		t.Fatalf("other/file.txt = %q", contents["other/file.txt"])
	}
	if _, ok := contents["META-INF/com/android/metadata"]; !ok {
		t.Fatalf("metadata entry missing from output")
	}
}

func TestEmitSwapsPayloadBeforeProperties(t *testing.T) {
	dir := t.TempDir()
	payloadPath := filepath.Join(dir, "payload.bin")
	os.WriteFile(payloadPath, []byte("p"), 0o644)

	inputBytes := buildInputZip(t, false) // properties before payload in input
	zr, _ := zip.NewReader(bytes.NewReader(inputBytes), int64(len(inputBytes)))

	var out bytes.Buffer
	if _, err := zipemit.Emit(zr, &out, zipemit.Input{
		PayloadPath:       payloadPath,
		PayloadProperties: []byte("x"),
		CertPEM:           []byte("c"),
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	outZr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	if err != nil {
		t.Fatalf("reopen output zip: %v", err)
	}
	payloadIdx, propsIdx := -1, -1
	for i, f := range outZr.File {
		switch f.Name {
		case "payload.bin":
			payloadIdx = i
		case "payload_properties.txt":
			propsIdx = i
		}
	}
	if payloadIdx == -1 || propsIdx == -1 || payloadIdx > propsIdx {
		t.Fatalf("payload.bin (idx %d) must precede payload_properties.txt (idx %d)", payloadIdx, propsIdx)
	}
}

func TestEmitMissingRequiredEntry(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, _ := w.Create("payload.bin")
	fw.Write([]byte("x"))
	w.Close()

	zr, _ := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	var out bytes.Buffer
	_, err := zipemit.Emit(zr, &out, zipemit.Input{})
	if err == nil {
		t.Fatalf("expected error for missing required entries")
	}
}
