// Package zipemit implements the outer OTA zip re-emission step: copy
// every entry of the input archive through to the output, substituting
// the payload, its properties, and the OTA certificate, and regenerate
// the metadata entries describing the final layout.
package zipemit

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"otaboot"
)

const (
	nameMetadata     = "META-INF/com/android/metadata"
	nameMetadataPb   = "META-INF/com/android/metadata.pb"
	nameOtacert      = "META-INF/com/android/otacert"
	namePayload      = "payload.bin"
	namePayloadProps = "payload_properties.txt"
)

// extraSigZip64 and extraSigAndroidAlign are the "bad" extra-field
// record signatures spec.md calls out for stripping: zip64 size
// records (regenerated by the writer) and the Android alignment extra
// (consumed-and-regenerated by Android's own packaging tooling).
const (
	extraSigZip64        = 0x0001
	extraSigAndroidAlign = 0xd935
)

// metadataSizeWidth reserves a fixed-width decimal field for the
// regenerated metadata entry's own byte size inside its property-files
// line, the same self-reference every ota-property-files generator has
// to solve: the entry's size can't be known until its content (which
// includes that size) is finalized. A fixed width sidesteps needing a
// second pass or an in-place seek-and-patch.
const metadataSizeWidth = 10

// Input describes what the caller has already produced for the
// partitions the Payload Pipeline touched, ready to be spliced in.
type Input struct {
	// PayloadPath is the re-emitted payload.bin on disk (the Payload
	// Pipeline's output), read and streamed in uncompressed.
	PayloadPath string
	// PayloadProperties is the payload_properties.txt contents
	// SignManifest produced.
	PayloadProperties []byte
	// CertPEM is the OTA certificate bytes to embed as otacert.
	CertPEM []byte
}

// Result reports what the re-emitter produced, beyond the output zip
// bytes themselves.
type Result struct {
	MetadataPb []byte
	// CentralDirectoryOffset/Size locate the finished archive's central
	// directory, captured (per spec.md) so an outer whole-file signer
	// can append its own signature block; this package performs no
	// such signing itself.
	CentralDirectoryOffset int64
	CentralDirectorySize   int64
}

// Emit streams the entries of zr to w, substituting
// payload.bin/payload_properties.txt/otacert and regenerating the
// metadata entries, per spec.md's Zip Re-emitter module.
func Emit(zr *zip.Reader, w io.Writer, in Input) (Result, error) {
	required := map[string]bool{
		nameMetadata:     false,
		nameMetadataPb:   false,
		nameOtacert:      false,
		namePayload:      false,
		namePayloadProps: false,
	}
	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if _, ok := required[f.Name]; ok {
			required[f.Name] = true
		}
		files = append(files, f)
	}
	for name, present := range required {
		if !present {
			return Result{}, otaboot.NewError(otaboot.NotFound, "zipemit.Emit", fmt.Errorf("required entry %q missing", name))
		}
	}

	files = reorderPayloadBeforeProperties(files)

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	var metadataPb []byte
	offsets := map[string]int64{}
	sizes := map[string]int64{}

	for _, f := range files {
		switch f.Name {
		case nameMetadata:
			continue // dropped, regenerated at the end

		case nameMetadataPb:
			data, err := readEntry(f)
			if err != nil {
				return Result{}, err
			}
			metadataPb = data
			continue // re-embedded at the end, once offsets are known

		case nameOtacert:
			if err := writeStoredEntry(zw, cw, f.Name, in.CertPEM, offsets, sizes); err != nil {
				return Result{}, err
			}

		case namePayload:
			if f.Method != zip.Store {
				return Result{}, otaboot.NewError(otaboot.UnsupportedFormat, "zipemit.Emit",
					fmt.Errorf("payload.bin must be stored uncompressed"))
			}
			data, err := os.ReadFile(in.PayloadPath)
			if err != nil {
				return Result{}, otaboot.NewError(otaboot.Io, "zipemit.Emit", err)
			}
			if err := writeStoredEntry(zw, cw, f.Name, data, offsets, sizes); err != nil {
				return Result{}, err
			}

		case namePayloadProps:
			if f.Method != zip.Store {
				return Result{}, otaboot.NewError(otaboot.UnsupportedFormat, "zipemit.Emit",
					fmt.Errorf("payload_properties.txt must be stored uncompressed"))
			}
			if err := writeStoredEntry(zw, cw, f.Name, in.PayloadProperties, offsets, sizes); err != nil {
				return Result{}, err
			}

		default:
			if err := copyEntry(zw, f); err != nil {
				return Result{}, err
			}
		}
	}

	metadataOffset := cw.n
	metadataText := buildMetadataText(offsets, sizes, metadataOffset)
	if err := writeStoredEntry(zw, cw, nameMetadata, metadataText, offsets, sizes); err != nil {
		return Result{}, err
	}
	if err := writeStoredEntry(zw, cw, nameMetadataPb, metadataPb, offsets, sizes); err != nil {
		return Result{}, err
	}

	cdOffset := cw.n
	if err := zw.Close(); err != nil {
		return Result{}, otaboot.NewError(otaboot.Io, "zipemit.Emit", err)
	}
	cdSize := cw.n - cdOffset

	return Result{
		MetadataPb:             metadataPb,
		CentralDirectoryOffset: cdOffset,
		CentralDirectorySize:   cdSize,
	}, nil
}

// reorderPayloadBeforeProperties enforces the ordering constraint:
// payload.bin must precede payload_properties.txt in the output,
// swapping them if the input has them the other way around. Every
// other entry keeps its input position.
func reorderPayloadBeforeProperties(files []*zip.File) []*zip.File {
	payloadIdx, propsIdx := -1, -1
	for i, f := range files {
		switch f.Name {
		case namePayload:
			payloadIdx = i
		case namePayloadProps:
			propsIdx = i
		}
	}
	if payloadIdx == -1 || propsIdx == -1 || payloadIdx < propsIdx {
		return files
	}
	out := append([]*zip.File(nil), files...)
	out[payloadIdx], out[propsIdx] = out[propsIdx], out[payloadIdx]
	return out
}

// filteredExtra strips extra-field records with the given signatures,
// keeping every other record's bytes verbatim (header format: 2-byte
// signature, 2-byte length, then payload).
func filteredExtra(extra []byte) []byte {
	var out []byte
	for len(extra) >= 4 {
		sig := binary.LittleEndian.Uint16(extra[0:2])
		size := binary.LittleEndian.Uint16(extra[2:4])
		total := 4 + int(size)
		if total > len(extra) {
			break
		}
		if sig != extraSigZip64 && sig != extraSigAndroidAlign {
			out = append(out, extra[:total]...)
		}
		extra = extra[total:]
	}
	return out
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, otaboot.NewError(otaboot.Io, "zipemit.readEntry", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, otaboot.NewError(otaboot.Io, "zipemit.readEntry", err)
	}
	return data, nil
}

func copyEntry(zw *zip.Writer, f *zip.File) error {
	hdr := f.FileHeader
	hdr.Extra = filteredExtra(hdr.Extra)

	rc, err := f.Open()
	if err != nil {
		return otaboot.NewError(otaboot.Io, "zipemit.copyEntry", err)
	}
	defer rc.Close()

	fw, err := zw.CreateHeader(&hdr)
	if err != nil {
		return otaboot.NewError(otaboot.Io, "zipemit.copyEntry", err)
	}
	if _, err := io.Copy(fw, rc); err != nil {
		return otaboot.NewError(otaboot.Io, "zipemit.copyEntry", err)
	}
	return nil
}

// writeStoredEntry writes a stored (uncompressed) entry and records its
// data offset/size, since storage mode means the file data starts
// immediately after the local file header countingWriter just counted.
func writeStoredEntry(zw *zip.Writer, cw *countingWriter, name string, data []byte, offsets, sizes map[string]int64) error {
	hdr := &zip.FileHeader{
		Name:           name,
		Method:         zip.Store,
		CreatorVersion: 3 << 8,
	}
	fw, err := zw.CreateHeader(hdr)
	if err != nil {
		return otaboot.NewError(otaboot.Io, "zipemit.writeStoredEntry", err)
	}
	if err := zw.Flush(); err != nil {
		return otaboot.NewError(otaboot.Io, "zipemit.writeStoredEntry", err)
	}
	offsets[name] = cw.n
	if _, err := fw.Write(data); err != nil {
		return otaboot.NewError(otaboot.Io, "zipemit.writeStoredEntry", err)
	}
	sizes[name] = int64(len(data))
	return nil
}

// buildMetadataText regenerates the plaintext metadata entry's
// property-files line, the "updated with new hashes and offsets" piece
// spec.md calls for. Everything else about the original metadata.pb is
// preserved verbatim (re-embedded byte-identical) since this system
// treats it as an opaque blob: no OtaMetadata proto layout is present
// anywhere in the retrieved pack to ground a full field-level
// re-derivation against.
func buildMetadataText(offsets, sizes map[string]int64, metadataOffset int64) []byte {
	render := func(metadataSize int64) []byte {
		propertyFiles := fmt.Sprintf(
			"%s:%d:%d,%s:%d:%d,%s:%d:%0*d",
			namePayload, offsets[namePayload], sizes[namePayload],
			namePayloadProps, offsets[namePayloadProps], sizes[namePayloadProps],
			nameMetadata, metadataOffset, metadataSizeWidth, metadataSize,
		)
		var buf bytes.Buffer
		buf.WriteString("ota-type=AB\n")
		buf.WriteString("ota-property-files=" + propertyFiles + "\n")
		return buf.Bytes()
	}

	// The fixed zero-padded width means substituting the real final
	// size for the placeholder below never changes the entry's byte
	// length, so a single provisional render is enough to learn it.
	provisional := render(0)
	return render(int64(len(provisional)))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
