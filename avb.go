package otaboot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
)

// AVB 2.0 descriptor tags, per the on-disk vbmeta descriptor header.
const (
	AVB_DESCRIPTOR_TAG_PROPERTY        = 0
	AVB_DESCRIPTOR_TAG_HASHTREE        = 1
	AVB_DESCRIPTOR_TAG_HASH            = 2
	AVB_DESCRIPTOR_TAG_KERNEL_CMDLINE  = 3
	AVB_DESCRIPTOR_TAG_CHAIN_PARTITION = 4
)

// AvbAlgorithm mirrors part of avbtool's algorithm table: NONE plus the
// four RSA variants named below.
type AvbAlgorithm uint32

const (
	AVB_ALGORITHM_NONE            AvbAlgorithm = 0
	AVB_ALGORITHM_SHA256_RSA2048  AvbAlgorithm = 1
	AVB_ALGORITHM_SHA256_RSA4096  AvbAlgorithm = 3
	AVB_ALGORITHM_SHA256_RSA8192  AvbAlgorithm = 4
	AVB_ALGORITHM_SHA512_RSA4096  AvbAlgorithm = 6
)

func (a AvbAlgorithm) String() string {
	switch a {
	case AVB_ALGORITHM_SHA256_RSA2048:
		return "SHA256_RSA2048"
	case AVB_ALGORITHM_SHA256_RSA4096:
		return "SHA256_RSA4096"
	case AVB_ALGORITHM_SHA256_RSA8192:
		return "SHA256_RSA8192"
	case AVB_ALGORITHM_SHA512_RSA4096:
		return "SHA512_RSA4096"
	default:
		return "NONE"
	}
}

// LiftAlgorithm upgrades a SHA256_RSA2048 signing algorithm to
// SHA256_RSA4096, matching the sole algorithm substitution this system
// performs (some OEM init_boot images still ship 2048-bit AVB keys, but
// the re-signing key pair here is always 4096-bit).
func LiftAlgorithm(a AvbAlgorithm) AvbAlgorithm {
	if a == AVB_ALGORITHM_SHA256_RSA2048 {
		return AVB_ALGORITHM_SHA256_RSA4096
	}
	return a
}

// AvbDescriptorHeader is the common 16-byte prefix shared by every
// descriptor inside a vbmeta auxiliary data block.
type AvbDescriptorHeader struct {
	Tag           uint64
	NumBytesFollowing uint64
}

// HashDescriptor is the decoded form of an AVB_DESCRIPTOR_TAG_HASH entry,
// the descriptor every boot/init_boot/recovery image carries to cover its
// own content.
type HashDescriptor struct {
	ImageSize       uint64
	HashAlgorithm   string // "sha256" or "sha1"
	PartitionName   string
	Salt            []byte
	Digest          []byte
	Flags           uint32
}

// OpaqueDescriptor is any descriptor this system doesn't need to
// understand structurally (kernel cmdline, property, hashtree) but must
// preserve byte-for-byte when re-signing.
type OpaqueDescriptor struct {
	Tag  uint64
	Data []byte
}

type Descriptor interface {
	isDescriptor()
}

func (HashDescriptor) isDescriptor()   {}
func (OpaqueDescriptor) isDescriptor() {}

func descRawPad(n int) int {
	return int(align_padding(uint64(n), 8))
}

// ParseVBMetaDescriptors walks the raw descriptor block of a vbmeta
// header (AvbVBMetaImageHeader.DescriptorsOffset/Size within the
// auxiliary data block) and decodes each entry.
func ParseVBMetaDescriptors(raw []byte) ([]Descriptor, error) {
	var out []Descriptor
	off := 0
	for off < len(raw) {
		if off+16 > len(raw) {
			return nil, newErr(Corrupt, "avb.ParseVBMetaDescriptors", fmt.Errorf("truncated descriptor header at %d", off))
		}
		tag := binary.BigEndian.Uint64(raw[off:])
		nbf := binary.BigEndian.Uint64(raw[off+8:])
		body := raw[off+16:]
		if uint64(len(body)) < nbf {
			return nil, newErr(Corrupt, "avb.ParseVBMetaDescriptors", fmt.Errorf("descriptor body truncated"))
		}
		body = body[:nbf]

		switch tag {
		case AVB_DESCRIPTOR_TAG_HASH:
			d, err := decodeHashDescriptor(body)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		case AVB_DESCRIPTOR_TAG_CHAIN_PARTITION:
			d, err := decodeChainPartitionDescriptor(body)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		default:
			out = append(out, OpaqueDescriptor{Tag: tag, Data: append([]byte(nil), body...)})
		}

		advance := 16 + int(nbf) + descRawPad(int(nbf))
		off += advance
	}
	return out, nil
}

// decodeHashDescriptor decodes the fixed fields of AvbHashDescriptor
// followed by partition_name / salt / digest, each padded to an 8-byte
// boundary as avbtool lays them out.
func decodeHashDescriptor(body []byte) (HashDescriptor, error) {
	const fixedLen = 8 + 4 + 4 + 4 + 32 + 4 // image_size, hash_algorithm[32], partition_name_len, salt_len, digest_len, flags, reserved...
	// Real avbtool layout: image_size(8) hash_algorithm[32] partition_name_len(4)
	// salt_len(4) digest_len(4) flags(4) reserved[60]
	const hdrLen = 8 + 32 + 4 + 4 + 4 + 4 + 60
	if len(body) < hdrLen {
		return HashDescriptor{}, newErr(Corrupt, "avb.decodeHashDescriptor", fmt.Errorf("short hash descriptor"))
	}
	imageSize := binary.BigEndian.Uint64(body[0:8])
	hashAlgo := bytes.TrimRight(body[8:40], "\x00")
	partNameLen := binary.BigEndian.Uint32(body[40:44])
	saltLen := binary.BigEndian.Uint32(body[44:48])
	digestLen := binary.BigEndian.Uint32(body[48:52])
	flags := binary.BigEndian.Uint32(body[52:56])

	rest := body[hdrLen:]
	if uint32(len(rest)) < partNameLen+saltLen+digestLen {
		return HashDescriptor{}, newErr(Corrupt, "avb.decodeHashDescriptor", fmt.Errorf("truncated variable fields"))
	}
	partName := string(rest[:partNameLen])
	rest = rest[partNameLen:]
	salt := append([]byte(nil), rest[:saltLen]...)
	rest = rest[saltLen:]
	digest := append([]byte(nil), rest[:digestLen]...)

	return HashDescriptor{
		ImageSize:     imageSize,
		HashAlgorithm: string(hashAlgo),
		PartitionName: partName,
		Salt:          salt,
		Digest:        digest,
		Flags:         flags,
	}, nil
}

// EncodeHashDescriptor serializes h back into the wire layout
// decodeHashDescriptor understands, including the tag/length prefix and
// 8-byte padding.
func EncodeHashDescriptor(h HashDescriptor) []byte {
	var body bytes.Buffer
	var algo [32]byte
	copy(algo[:], h.HashAlgorithm)

	binary.Write(&body, binary.BigEndian, h.ImageSize)
	body.Write(algo[:])
	binary.Write(&body, binary.BigEndian, uint32(len(h.PartitionName)))
	binary.Write(&body, binary.BigEndian, uint32(len(h.Salt)))
	binary.Write(&body, binary.BigEndian, uint32(len(h.Digest)))
	binary.Write(&body, binary.BigEndian, h.Flags)
	body.Write(make([]byte, 60))
	body.WriteString(h.PartitionName)
	body.Write(h.Salt)
	body.Write(h.Digest)

	return wrapDescriptor(AVB_DESCRIPTOR_TAG_HASH, body.Bytes())
}

func wrapDescriptor(tag uint64, body []byte) []byte {
	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, tag)
	binary.Write(&out, binary.BigEndian, uint64(len(body)))
	out.Write(body)
	out.Write(make([]byte, descRawPad(len(body))))
	return out.Bytes()
}

// EncodeDescriptors re-serializes a mixed descriptor list for embedding
// into a rebuilt vbmeta auxiliary data block.
func EncodeDescriptors(descs []Descriptor) []byte {
	var out bytes.Buffer
	for _, d := range descs {
		switch v := d.(type) {
		case HashDescriptor:
			out.Write(EncodeHashDescriptor(v))
		case ChainPartitionDescriptor:
			out.Write(EncodeChainPartitionDescriptor(v))
		case OpaqueDescriptor:
			out.Write(wrapDescriptor(v.Tag, v.Data))
		}
	}
	return out.Bytes()
}

// ParseFooter reads and validates the 64-byte AVB footer that should
// occupy the last block of a partition/boot image.
func ParseFooter(tail []byte) (*AvbFooter, error) {
	if len(tail) < binary_SizeofAvbFooter {
		return nil, newErr(Corrupt, "avb.ParseFooter", fmt.Errorf("image too small for AVB footer"))
	}
	raw := tail[len(tail)-binary_SizeofAvbFooter:]
	var f AvbFooter
	if err := bigEndianRead(raw, &f); err != nil {
		return nil, newErr(Corrupt, "avb.ParseFooter", err)
	}
	if string(f.Magic[:]) != AVB_FOOTER_MAGIC {
		return nil, newErr(NotFound, "avb.ParseFooter", fmt.Errorf("no AVB footer present"))
	}
	return &f, nil
}

// binary_SizeofAvbFooter is the fixed, packed size of AvbFooter on disk:
// 4 + 4 + 4 + 8 + 8 + 8 + 28.
const binary_SizeofAvbFooter = 64

func bigEndianRead(raw []byte, f *AvbFooter) error {
	if len(raw) < binary_SizeofAvbFooter {
		return fmt.Errorf("short footer")
	}
	copy(f.Magic[:], raw[0:4])
	f.VersionMajor = binary.BigEndian.Uint32(raw[4:8])
	f.VersionMinor = binary.BigEndian.Uint32(raw[8:12])
	f.OriginalImageSize = binary.BigEndian.Uint64(raw[12:20])
	f.VbmetaOffset = binary.BigEndian.Uint64(raw[20:28])
	f.VbmetaSize = binary.BigEndian.Uint64(raw[28:36])
	copy(f.Reserved[:], raw[36:64])
	return nil
}

func encodeFooter(f *AvbFooter) []byte {
	raw := make([]byte, binary_SizeofAvbFooter)
	copy(raw[0:4], f.Magic[:])
	binary.BigEndian.PutUint32(raw[4:8], f.VersionMajor)
	binary.BigEndian.PutUint32(raw[8:12], f.VersionMinor)
	binary.BigEndian.PutUint64(raw[12:20], f.OriginalImageSize)
	binary.BigEndian.PutUint64(raw[20:28], f.VbmetaOffset)
	binary.BigEndian.PutUint64(raw[28:36], f.VbmetaSize)
	copy(raw[36:64], f.Reserved[:])
	return raw
}

// EraseFooter truncates path back to the original (unsigned) image size
// recorded in its AVB footer, mirroring avbtool's erase_footer used at
// the start of every boot image patch pass.
func EraseFooter(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return newErr(Io, "avb.EraseFooter", err)
	}
	footer, err := ParseFooter(data)
	if err != nil {
		// Nothing to strip; the image was never AVB-signed.
		return nil
	}
	return os.Truncate(path, int64(footer.OriginalImageSize))
}

// VBMetaHeader bundles the decoded fixed header with its descriptors,
// sized so AddHashFooter can rebuild an equivalent vbmeta blob after
// patching.
type VBMetaHeader struct {
	Header      AvbVBMetaImageHeader
	Descriptors []Descriptor
}

// ParseVBMeta decodes a vbmeta blob (the 256-byte fixed header followed
// by authentication and auxiliary data blocks).
func ParseVBMeta(data []byte) (*VBMetaHeader, error) {
	if len(data) < 256 {
		return nil, newErr(Corrupt, "avb.ParseVBMeta", fmt.Errorf("vbmeta blob too small"))
	}
	var hdr AvbVBMetaImageHeader
	if string(data[0:4]) != AVB_MAGIC {
		return nil, newErr(NotFound, "avb.ParseVBMeta", fmt.Errorf("not a vbmeta image"))
	}
	copy(hdr.Magic[:], data[0:4])
	hdr.RequiredLibavbVersionMajor = binary.BigEndian.Uint32(data[4:8])
	hdr.RequiredLibavbVersionMinor = binary.BigEndian.Uint32(data[8:12])
	hdr.AuthenticationDataBlockSize = binary.BigEndian.Uint64(data[12:20])
	hdr.AuxiliaryDataBlockSize = binary.BigEndian.Uint64(data[20:28])
	hdr.AlgorithmType = binary.BigEndian.Uint32(data[28:32])
	hdr.HashOffset = binary.BigEndian.Uint64(data[32:40])
	hdr.HashSize = binary.BigEndian.Uint64(data[40:48])
	hdr.SignatureOffset = binary.BigEndian.Uint64(data[48:56])
	hdr.SignatureSize = binary.BigEndian.Uint64(data[56:64])
	hdr.PublicKeyOffset = binary.BigEndian.Uint64(data[64:72])
	hdr.PublicKeySize = binary.BigEndian.Uint64(data[72:80])
	hdr.PublicKeyMetadataOffset = binary.BigEndian.Uint64(data[80:88])
	hdr.PublicKeyMetadataSize = binary.BigEndian.Uint64(data[88:96])
	hdr.DescriptorsOffset = binary.BigEndian.Uint64(data[96:104])
	hdr.DescriptorsSize = binary.BigEndian.Uint64(data[104:112])
	hdr.RollbackIndex = binary.BigEndian.Uint64(data[112:120])
	hdr.Flags = binary.BigEndian.Uint32(data[120:124])
	hdr.RollbackIndexLocation = binary.BigEndian.Uint32(data[124:128])
	copy(hdr.ReleaseString[:], data[128:176])

	auxOff := 256 + int(hdr.AuthenticationDataBlockSize)
	descOff := auxOff + int(hdr.DescriptorsOffset)
	descEnd := descOff + int(hdr.DescriptorsSize)
	if descEnd > len(data) {
		return nil, newErr(Corrupt, "avb.ParseVBMeta", fmt.Errorf("descriptor block out of range"))
	}
	descs, err := ParseVBMetaDescriptors(data[descOff:descEnd])
	if err != nil {
		return nil, err
	}
	return &VBMetaHeader{Header: hdr, Descriptors: descs}, nil
}

// HasPublicKey reports whether this vbmeta header embeds a public key,
// the "is this image AVB-signed" test patch_boot performs before and
// after patching to enforce the key-presence invariant.
func (v *VBMetaHeader) HasPublicKey() bool {
	return v.Header.PublicKeySize != 0
}

// hashImage computes the digest an AVB hash descriptor expects: a salted
// SHA-256 over the full (footer-stripped, size-padded) partition image.
func hashImage(salt, image []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(image)
	return h.Sum(nil)
}

// RecomputeHashDescriptor updates a HashDescriptor's digest and image
// size to match image, preserving its salt, partition name and
// algorithm. Used after a patch function has modified the boot image
// content and the footer is about to be re-added.
func RecomputeHashDescriptor(h HashDescriptor, image []byte) HashDescriptor {
	h.ImageSize = uint64(len(image))
	h.Digest = hashImage(h.Salt, image)
	return h
}
