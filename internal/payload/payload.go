package payload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"otaboot"
	"otaboot/internal/signer"
)

const Magic = "CrAU"

// Header is the fixed-size prefix of payload.bin, preceding the
// protobuf-encoded manifest and its signature block.
type Header struct {
	Magic          [4]byte
	Version        uint64
	ManifestLen    uint64
	ManifestSigLen uint32 // only present when Version >= 2
}

// Payload is an opened payload.bin: its header, decoded manifest, and
// the file offset where operation data blobs begin.
type Payload struct {
	Header     Header
	Manifest   *DeltaArchiveManifest
	ManifestSig []byte
	DataOffset int64

	path string
}

// Open parses a payload.bin's header and manifest without reading the
// (potentially multi-gigabyte) operation data blobs.
func Open(path string) (*Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	defer f.Close()

	var hdr Header
	if err := binary.Read(f, binary.BigEndian, &hdr.Magic); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	if string(hdr.Magic[:]) != Magic {
		return nil, fmt.Errorf("payload: not a CrAU payload")
	}
	if err := binary.Read(f, binary.BigEndian, &hdr.Version); err != nil {
		return nil, err
	}
	if err := binary.Read(f, binary.BigEndian, &hdr.ManifestLen); err != nil {
		return nil, err
	}
	if hdr.Version >= 2 {
		if err := binary.Read(f, binary.BigEndian, &hdr.ManifestSigLen); err != nil {
			return nil, err
		}
	}
	if hdr.ManifestLen == 0 {
		return nil, fmt.Errorf("payload: manifest length is zero")
	}

	manifestBuf := make([]byte, hdr.ManifestLen)
	if _, err := io.ReadFull(f, manifestBuf); err != nil {
		return nil, err
	}
	manifest, err := Unmarshal(manifestBuf)
	if err != nil {
		return nil, fmt.Errorf("payload: manifest: %w", err)
	}
	if manifest.MinorVersion != 0 {
		return nil, fmt.Errorf("payload: delta payloads are not supported, full payload required")
	}

	var sig []byte
	if hdr.ManifestSigLen > 0 {
		sig = make([]byte, hdr.ManifestSigLen)
		if _, err := io.ReadFull(f, sig); err != nil {
			return nil, err
		}
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	return &Payload{Header: hdr, Manifest: manifest, ManifestSig: sig, DataOffset: pos, path: path}, nil
}

// PartitionNames returns every partition name the manifest carries,
// in manifest order.
func (p *Payload) PartitionNames() []string {
	names := make([]string, len(p.Manifest.Partitions))
	for i, pu := range p.Manifest.Partitions {
		names[i] = pu.PartitionName
	}
	return names
}

// ExtractPartition replays a single partition's install operations
// against outPath, producing the raw (uncompressed) partition image.
func (p *Payload) ExtractPartition(name, outPath string) error {
	pu, ok := p.Manifest.Partition(name)
	if !ok {
		return fmt.Errorf("payload: partition %q not found", name)
	}

	in, err := os.Open(p.path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	blockSize := int64(p.Manifest.BlockSize)
	if blockSize == 0 {
		blockSize = 4096
	}

	for _, op := range pu.Operations {
		if _, err := in.Seek(p.DataOffset+int64(op.DataOffset), io.SeekStart); err != nil {
			return err
		}
		buf := make([]byte, op.DataLength)
		if _, err := io.ReadFull(in, buf); err != nil {
			return err
		}

		if len(op.DataSha256) > 0 {
			sum := sha256.Sum256(buf)
			if !bytes.Equal(sum[:], op.DataSha256) {
				return fmt.Errorf("payload: data hash mismatch for %s at offset %d", name, op.DataOffset)
			}
		}

		dstOffset := func(i int) int64 {
			return int64(op.DstExtents[i].StartBlock) * blockSize
		}

		switch op.Type {
		case OpReplace:
			if _, err := out.WriteAt(buf, dstOffset(0)); err != nil {
				return err
			}
		case OpZero, OpDiscard:
			for _, ext := range op.DstExtents {
				z := make([]byte, ext.NumBlocks*uint64(blockSize))
				if _, err := out.WriteAt(z, int64(ext.StartBlock)*blockSize); err != nil {
					return err
				}
			}
		case OpReplaceBZ:
			raw, err := otaboot.DecompressBytes(otaboot.BZIP2, buf)
			if err != nil {
				return fmt.Errorf("payload: bzip2: %w", err)
			}
			if _, err := out.WriteAt(raw, dstOffset(0)); err != nil {
				return err
			}
		case OpReplaceXZ:
			raw, err := otaboot.DecompressBytes(otaboot.XZ, buf)
			if err != nil {
				return fmt.Errorf("payload: xz: %w", err)
			}
			if _, err := out.WriteAt(raw, dstOffset(0)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("payload: unsupported operation type %d for partition %s", op.Type, name)
		}
	}

	if pu.NewPartitionInfo != nil && pu.NewPartitionInfo.Size != 0 {
		if err := out.Truncate(int64(pu.NewPartitionInfo.Size)); err != nil {
			return err
		}
	}
	return nil
}

// Repack rewrites the payload with replacementImages substituted in for
// the named partitions: each becomes a single REPLACE operation over
// the full (now possibly larger) image, with its PartitionInfo hash/size
// recomputed. The manifest's signatures are left for the caller to
// regenerate and splice in via SignManifest, mirroring how avbroot
// patches payload.bin only after every boot image and vbmeta blob has
// already been re-signed.
func (p *Payload) Repack(replacementImages map[string][]byte, outPath string) (*DeltaArchiveManifest, error) {
	blockSize := uint64(p.Manifest.BlockSize)
	if blockSize == 0 {
		blockSize = 4096
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	newManifest := &DeltaArchiveManifest{
		BlockSize:    p.Manifest.BlockSize,
		MinorVersion: p.Manifest.MinorVersion,
		MaxTimestamp: p.Manifest.MaxTimestamp,
	}

	var dataBuf bytes.Buffer
	for _, pu := range p.Manifest.Partitions {
		img, replaced := replacementImages[pu.PartitionName]
		newPU := PartitionUpdate{
			PartitionName:   pu.PartitionName,
			FilesystemType:  pu.FilesystemType,
			OldPartitionInfo: pu.OldPartitionInfo,
		}

		if !replaced {
			// Unmodified partition: carry its operations through
			// unchanged, copying the referenced data verbatim.
			newPU.NewPartitionInfo = pu.NewPartitionInfo
			newPU.Operations = make([]InstallOperation, len(pu.Operations))
			in, err := os.Open(p.path)
			if err != nil {
				return nil, err
			}
			for i, op := range pu.Operations {
				buf := make([]byte, op.DataLength)
				if _, err := in.ReadAt(buf, p.DataOffset+int64(op.DataOffset)); err != nil {
					in.Close()
					return nil, err
				}
				newOp := op
				newOp.DataOffset = uint64(dataBuf.Len())
				dataBuf.Write(buf)
				newPU.Operations[i] = newOp
			}
			in.Close()
		} else {
			padded := align_payload(img, blockSize)
			sum := sha256.Sum256(padded)
			newPU.NewPartitionInfo = &PartitionInfo{Size: uint64(len(padded)), Hash: sum[:]}
			newPU.Operations = []InstallOperation{{
				Type:       OpReplace,
				DataOffset: uint64(dataBuf.Len()),
				DataLength: uint64(len(padded)),
				DataSha256: sum[:],
				DstExtents: []Extent{{StartBlock: 0, NumBlocks: uint64(len(padded)) / blockSize}},
				DstLength:  uint64(len(padded)),
			}}
			dataBuf.Write(padded)
		}

		newManifest.Partitions = append(newManifest.Partitions, newPU)
	}

	manifestBytes := newManifest.Marshal()

	hdr := Header{Version: 2, ManifestLen: uint64(len(manifestBytes))}
	copy(hdr.Magic[:], Magic)
	if err := binary.Write(out, binary.BigEndian, hdr.Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(out, binary.BigEndian, hdr.Version); err != nil {
		return nil, err
	}
	if err := binary.Write(out, binary.BigEndian, hdr.ManifestLen); err != nil {
		return nil, err
	}
	// ManifestSigLen stays zero: no metadata signature is written,
	// here or by SignManifest.
	if err := binary.Write(out, binary.BigEndian, uint32(0)); err != nil {
		return nil, err
	}
	if _, err := out.Write(manifestBytes); err != nil {
		return nil, err
	}
	if _, err := out.Write(dataBuf.Bytes()); err != nil {
		return nil, err
	}

	return newManifest, nil
}

func align_payload(data []byte, blockSize uint64) []byte {
	rem := uint64(len(data)) % blockSize
	if rem == 0 {
		return data
	}
	return append(data, make([]byte, blockSize-rem)...)
}

// SignManifest implements the Payload Pipeline's final "sign the
// payload with the OTA private key" step. It rewrites path (a payload
// already produced by Repack, with SignaturesOffset/Size left unset) to
// embed a payload-level signature after the data section, patches
// manifest's signature fields and re-marshals it, and returns the
// payload_properties.txt contents the Zip Re-emitter threads back into
// the output archive.
//
// Only the payload-level signature is produced; a real update_engine
// payload also carries a metadata-only signature referenced by the
// header's ManifestSigLen field, used for a cheaper manifest-only
// verification path before the full payload is read. That second
// signature is independent of (and not read by) anything else in this
// pipeline, so it's left as zero/absent here.
func (p *Payload) SignManifest(path string, manifest *DeltaArchiveManifest, s *signer.Signer, pkey, passphrase string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", otaboot.NewError(otaboot.Io, "payload.SignManifest", err)
	}
	if len(raw) < 24 || string(raw[:4]) != Magic {
		return "", otaboot.NewError(otaboot.Corrupt, "payload.SignManifest", fmt.Errorf("not a CrAU payload"))
	}
	oldManifestLen := binary.BigEndian.Uint64(raw[12:20])
	dataStart := 24 + oldManifestLen
	if dataStart > uint64(len(raw)) {
		return "", otaboot.NewError(otaboot.Corrupt, "payload.SignManifest", fmt.Errorf("manifest length exceeds file size"))
	}
	data := raw[dataStart:]

	sigSize, err := s.MaxSignatureSize(pkey, passphrase)
	if err != nil {
		return "", otaboot.NewError(otaboot.SigningFailure, "payload.SignManifest", err)
	}
	placeholderBlob := marshalSignatures(make([]byte, sigSize))

	manifest.SignaturesOffset = uint64(len(data))
	manifest.SignaturesSize = uint64(len(placeholderBlob))
	manifestBytes := manifest.Marshal()

	hdr := Header{Version: 2, ManifestLen: uint64(len(manifestBytes))}
	copy(hdr.Magic[:], Magic)

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, hdr.Magic)
	binary.Write(&buf, binary.BigEndian, hdr.Version)
	binary.Write(&buf, binary.BigEndian, hdr.ManifestLen)
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.Write(manifestBytes)
	buf.Write(data)

	payloadHash := sha256.Sum256(buf.Bytes())
	sig, err := s.Sign(pkey, passphrase, payloadHash[:])
	if err != nil {
		return "", otaboot.NewError(otaboot.SigningFailure, "payload.SignManifest", err)
	}
	sigBlob := marshalSignatures(sig)
	if len(sigBlob) != len(placeholderBlob) {
		return "", otaboot.NewError(otaboot.SigningFailure, "payload.SignManifest",
			fmt.Errorf("signature size %d != reserved size %d", len(sigBlob), len(placeholderBlob)))
	}
	buf.Write(sigBlob)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", otaboot.NewError(otaboot.Io, "payload.SignManifest", err)
	}

	metadataHash := sha256.Sum256(manifestBytes)
	properties := fmt.Sprintf(
		"FILE_HASH=%s\nFILE_SIZE=%d\nMETADATA_HASH=%s\nMETADATA_SIZE=%d\n",
		base64.StdEncoding.EncodeToString(payloadHash[:]), buf.Len(),
		base64.StdEncoding.EncodeToString(metadataHash[:]), len(manifestBytes),
	)
	return properties, nil
}

// ExtractMany extracts every partition in names into outDir concurrently,
// bounded to len(names) workers (the per-partition extraction pool named
// in the concurrency model). It waits for every worker and returns the
// first error encountered; a failure does not stop the other extractions.
func (p *Payload) ExtractMany(ctx context.Context, names []string, outDir string) error {
	g, _ := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return p.ExtractPartition(name, outDir+"/"+name+".img")
		})
	}
	return g.Wait()
}
