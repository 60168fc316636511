// Package payload decodes and re-encodes the "CrAU" OTA payload
// container (payload.bin) and its embedded DeltaArchiveManifest.
//
// The teacher repo imports a generated "chromeos_update_engine" package
// for this manifest that was never vendored into the tree. No .proto
// file ships in the retrieved pack either, so protoc can't regenerate
// it here. Instead the message types below are hand-written directly
// against the low-level wire API (google.golang.org/protobuf/encoding/
// protowire), decoding and re-encoding the same field layout a real
// generated package would produce.
package payload

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// InstallOperationType mirrors update_metadata's InstallOperation.Type
// enum.
type InstallOperationType int32

const (
	OpReplace InstallOperationType = iota
	OpReplaceBZ
	OpMove
	OpBsdiff
	OpSourceCopy
	OpSourceBsdiff
	OpZero
	OpDiscard
	OpReplaceXZ
	OpPuffdiff
	OpBrotliBsdiff
)

type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

type InstallOperation struct {
	Type          InstallOperationType
	DataOffset    uint64
	DataLength    uint64
	SrcExtents    []Extent
	SrcLength     uint64
	DstExtents    []Extent
	DstLength     uint64
	DataSha256    []byte
	SrcSha256     []byte
}

type PartitionInfo struct {
	Size uint64
	Hash []byte
}

type PartitionUpdate struct {
	PartitionName       string
	RunPostinstall      bool
	PostinstallPath     string
	FilesystemType      string
	OldPartitionInfo    *PartitionInfo
	NewPartitionInfo    *PartitionInfo
	Operations          []InstallOperation
	PostinstallOptional bool
}

type DeltaArchiveManifest struct {
	BlockSize     uint32
	MinorVersion  uint32
	Partitions    []PartitionUpdate
	MaxTimestamp  int64

	// SignaturesOffset/SignaturesSize locate the Signatures protobuf
	// blob appended to the end of the data section, relative to
	// DataOffset; populated by SignManifest.
	SignaturesOffset uint64
	SignaturesSize   uint64
}

const (
	fieldExtentStart = 1
	fieldExtentNum   = 2

	fieldOpType       = 1
	fieldOpDataOffset = 2
	fieldOpDataLength = 3
	fieldOpSrcExtents = 4
	fieldOpSrcLength  = 5
	fieldOpDstExtents = 6
	fieldOpDstLength  = 7
	fieldOpDataSha256 = 8
	fieldOpSrcSha256  = 9

	fieldPartInfoSize = 1
	fieldPartInfoHash = 2

	fieldPUName               = 1
	fieldPURunPostinstall     = 2
	fieldPUPostinstallPath    = 3
	fieldPUFilesystemType     = 4
	fieldPUOldPartitionInfo   = 6
	fieldPUNewPartitionInfo   = 7
	fieldPUOperations         = 8
	fieldPUPostinstallOptional = 9

	fieldManifestBlockSize        = 3
	fieldManifestSignaturesOffset = 4
	fieldManifestSignaturesSize   = 5
	fieldManifestMinorVersion     = 12
	fieldManifestPartitions       = 13
	fieldManifestMaxTimestamp     = 14
)

func marshalExtent(e Extent) []byte {
	var b []byte
	if e.StartBlock != 0 {
		b = protowire.AppendTag(b, fieldExtentStart, protowire.VarintType)
		b = protowire.AppendVarint(b, e.StartBlock)
	}
	if e.NumBlocks != 0 {
		b = protowire.AppendTag(b, fieldExtentNum, protowire.VarintType)
		b = protowire.AppendVarint(b, e.NumBlocks)
	}
	return b
}

func unmarshalExtent(data []byte) (Extent, error) {
	var e Extent
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case fieldExtentStart:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.StartBlock = v
			data = data[n:]
		case fieldExtentNum:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.NumBlocks = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return e, nil
}

func marshalOp(op InstallOperation) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOpType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Type))
	if op.DataOffset != 0 {
		b = protowire.AppendTag(b, fieldOpDataOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, op.DataOffset)
	}
	if op.DataLength != 0 {
		b = protowire.AppendTag(b, fieldOpDataLength, protowire.VarintType)
		b = protowire.AppendVarint(b, op.DataLength)
	}
	for _, e := range op.SrcExtents {
		b = protowire.AppendTag(b, fieldOpSrcExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(e))
	}
	if op.SrcLength != 0 {
		b = protowire.AppendTag(b, fieldOpSrcLength, protowire.VarintType)
		b = protowire.AppendVarint(b, op.SrcLength)
	}
	for _, e := range op.DstExtents {
		b = protowire.AppendTag(b, fieldOpDstExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(e))
	}
	if op.DstLength != 0 {
		b = protowire.AppendTag(b, fieldOpDstLength, protowire.VarintType)
		b = protowire.AppendVarint(b, op.DstLength)
	}
	if len(op.DataSha256) > 0 {
		b = protowire.AppendTag(b, fieldOpDataSha256, protowire.BytesType)
		b = protowire.AppendBytes(b, op.DataSha256)
	}
	if len(op.SrcSha256) > 0 {
		b = protowire.AppendTag(b, fieldOpSrcSha256, protowire.BytesType)
		b = protowire.AppendBytes(b, op.SrcSha256)
	}
	return b
}

func unmarshalOp(data []byte) (InstallOperation, error) {
	var op InstallOperation
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return op, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case fieldOpType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			op.Type = InstallOperationType(v)
			data = data[n:]
		case fieldOpDataOffset:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			op.DataOffset = v
			data = data[n:]
		case fieldOpDataLength:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			op.DataLength = v
			data = data[n:]
		case fieldOpSrcExtents:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return op, err
			}
			op.SrcExtents = append(op.SrcExtents, e)
			data = data[n:]
		case fieldOpSrcLength:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			op.SrcLength = v
			data = data[n:]
		case fieldOpDstExtents:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return op, err
			}
			op.DstExtents = append(op.DstExtents, e)
			data = data[n:]
		case fieldOpDstLength:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			op.DstLength = v
			data = data[n:]
		case fieldOpDataSha256:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			op.DataSha256 = append([]byte(nil), v...)
			data = data[n:]
		case fieldOpSrcSha256:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			op.SrcSha256 = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return op, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return op, nil
}

func marshalPartInfo(p *PartitionInfo) []byte {
	if p == nil {
		return nil
	}
	var b []byte
	if p.Size != 0 {
		b = protowire.AppendTag(b, fieldPartInfoSize, protowire.VarintType)
		b = protowire.AppendVarint(b, p.Size)
	}
	if len(p.Hash) > 0 {
		b = protowire.AppendTag(b, fieldPartInfoHash, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Hash)
	}
	return b
}

func unmarshalPartInfo(data []byte) (*PartitionInfo, error) {
	p := &PartitionInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case fieldPartInfoSize:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Size = v
			data = data[n:]
		case fieldPartInfoHash:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Hash = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return p, nil
}

func marshalPartitionUpdate(p PartitionUpdate) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPUName, protowire.BytesType)
	b = protowire.AppendString(b, p.PartitionName)
	if p.RunPostinstall {
		b = protowire.AppendTag(b, fieldPURunPostinstall, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if p.PostinstallPath != "" {
		b = protowire.AppendTag(b, fieldPUPostinstallPath, protowire.BytesType)
		b = protowire.AppendString(b, p.PostinstallPath)
	}
	if p.FilesystemType != "" {
		b = protowire.AppendTag(b, fieldPUFilesystemType, protowire.BytesType)
		b = protowire.AppendString(b, p.FilesystemType)
	}
	if p.OldPartitionInfo != nil {
		b = protowire.AppendTag(b, fieldPUOldPartitionInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPartInfo(p.OldPartitionInfo))
	}
	if p.NewPartitionInfo != nil {
		b = protowire.AppendTag(b, fieldPUNewPartitionInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPartInfo(p.NewPartitionInfo))
	}
	for _, op := range p.Operations {
		b = protowire.AppendTag(b, fieldPUOperations, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOp(op))
	}
	if p.PostinstallOptional {
		b = protowire.AppendTag(b, fieldPUPostinstallOptional, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func unmarshalPartitionUpdate(data []byte) (PartitionUpdate, error) {
	var p PartitionUpdate
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case fieldPUName:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.PartitionName = v
			data = data[n:]
		case fieldPURunPostinstall:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.RunPostinstall = v != 0
			data = data[n:]
		case fieldPUPostinstallPath:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.PostinstallPath = v
			data = data[n:]
		case fieldPUFilesystemType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.FilesystemType = v
			data = data[n:]
		case fieldPUOldPartitionInfo:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			pi, err := unmarshalPartInfo(v)
			if err != nil {
				return p, err
			}
			p.OldPartitionInfo = pi
			data = data[n:]
		case fieldPUNewPartitionInfo:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			pi, err := unmarshalPartInfo(v)
			if err != nil {
				return p, err
			}
			p.NewPartitionInfo = pi
			data = data[n:]
		case fieldPUOperations:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			op, err := unmarshalOp(v)
			if err != nil {
				return p, err
			}
			p.Operations = append(p.Operations, op)
			data = data[n:]
		case fieldPUPostinstallOptional:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.PostinstallOptional = v != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return p, nil
}

// Marshal re-encodes a manifest to wire bytes.
func (m *DeltaArchiveManifest) Marshal() []byte {
	var b []byte
	if m.BlockSize != 0 {
		b = protowire.AppendTag(b, fieldManifestBlockSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.BlockSize))
	}
	if m.SignaturesOffset != 0 {
		b = protowire.AppendTag(b, fieldManifestSignaturesOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SignaturesOffset)
	}
	if m.SignaturesSize != 0 {
		b = protowire.AppendTag(b, fieldManifestSignaturesSize, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SignaturesSize)
	}
	if m.MinorVersion != 0 {
		b = protowire.AppendTag(b, fieldManifestMinorVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MinorVersion))
	}
	for _, p := range m.Partitions {
		b = protowire.AppendTag(b, fieldManifestPartitions, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPartitionUpdate(p))
	}
	if m.MaxTimestamp != 0 {
		b = protowire.AppendTag(b, fieldManifestMaxTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MaxTimestamp))
	}
	return b
}

// Unmarshal decodes a manifest from wire bytes produced by a real
// update_engine payload generator (or by Marshal above).
func Unmarshal(data []byte) (*DeltaArchiveManifest, error) {
	m := &DeltaArchiveManifest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("manifest: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldManifestBlockSize:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.BlockSize = uint32(v)
			data = data[n:]
		case fieldManifestSignaturesOffset:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.SignaturesOffset = v
			data = data[n:]
		case fieldManifestSignaturesSize:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.SignaturesSize = v
			data = data[n:]
		case fieldManifestMinorVersion:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.MinorVersion = uint32(v)
			data = data[n:]
		case fieldManifestPartitions:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p, err := unmarshalPartitionUpdate(v)
			if err != nil {
				return nil, err
			}
			m.Partitions = append(m.Partitions, p)
			data = data[n:]
		case fieldManifestMaxTimestamp:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.MaxTimestamp = int64(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

const (
	fieldSignaturesList = 1
	fieldSignatureData  = 2
)

// marshalSignatures wire-encodes a Signatures message carrying a single
// Signature entry with the given raw bytes, the shape the payload
// signature blob embedded after the data section takes.
func marshalSignatures(sig []byte) []byte {
	var entry []byte
	entry = protowire.AppendTag(entry, fieldSignatureData, protowire.BytesType)
	entry = protowire.AppendBytes(entry, sig)

	var b []byte
	b = protowire.AppendTag(b, fieldSignaturesList, protowire.BytesType)
	b = protowire.AppendBytes(b, entry)
	return b
}

// Partition looks up a partition update by name.
func (m *DeltaArchiveManifest) Partition(name string) (*PartitionUpdate, bool) {
	for i := range m.Partitions {
		if m.Partitions[i].PartitionName == name {
			return &m.Partitions[i], true
		}
	}
	return nil, false
}
