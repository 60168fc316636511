package otaboot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"os"

	"otaboot/internal/signer"
)

// ChainPartitionDescriptor mirrors avbtool's AvbChainPartitionDescriptor:
// it names a subordinate vbmeta partition and pins the public key that
// partition's own vbmeta signature must be verified against, the edge
// the Partition Planner's dependency graph walks.
type ChainPartitionDescriptor struct {
	RollbackIndexLocation uint32
	PartitionName         string
	PublicKey             []byte
}

func (ChainPartitionDescriptor) isDescriptor() {}

func decodeChainPartitionDescriptor(body []byte) (ChainPartitionDescriptor, error) {
	const hdrLen = 4 + 4 + 4 + 64
	if len(body) < hdrLen {
		return ChainPartitionDescriptor{}, newErr(Corrupt, "avb.decodeChainPartitionDescriptor", fmt.Errorf("short chain descriptor"))
	}
	rbIdxLoc := binary.BigEndian.Uint32(body[0:4])
	nameLen := binary.BigEndian.Uint32(body[4:8])
	keyLen := binary.BigEndian.Uint32(body[8:12])

	rest := body[hdrLen:]
	if uint32(len(rest)) < nameLen+keyLen {
		return ChainPartitionDescriptor{}, newErr(Corrupt, "avb.decodeChainPartitionDescriptor", fmt.Errorf("truncated variable fields"))
	}
	name := string(rest[:nameLen])
	key := append([]byte(nil), rest[nameLen:nameLen+keyLen]...)
	return ChainPartitionDescriptor{RollbackIndexLocation: rbIdxLoc, PartitionName: name, PublicKey: key}, nil
}

// EncodeChainPartitionDescriptor serializes a ChainPartitionDescriptor
// back into its wire form, tag/length prefix and padding included.
func EncodeChainPartitionDescriptor(d ChainPartitionDescriptor) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, d.RollbackIndexLocation)
	binary.Write(&body, binary.BigEndian, uint32(len(d.PartitionName)))
	binary.Write(&body, binary.BigEndian, uint32(len(d.PublicKey)))
	body.Write(make([]byte, 64))
	body.WriteString(d.PartitionName)
	body.Write(d.PublicKey)
	return wrapDescriptor(AVB_DESCRIPTOR_TAG_CHAIN_PARTITION, body.Bytes())
}

// EncodeAVBPublicKey packs an RSA modulus into the AvbRSAPublicKeyHeader
// layout avbtool embeds in chain descriptors and vbmeta public-key
// blocks: key_num_bits, n0inv (the Montgomery -N^-1 mod 2^32 constant),
// the modulus N, and R^2 mod N where R = 2^key_num_bits. libavb needs
// n0inv/rr to do Montgomery-domain RSA verification without a bignum
// library on-device; avbtool computes the same triple in Python.
func EncodeAVBPublicKey(modulus []byte) []byte {
	n := new(big.Int).SetBytes(modulus)
	numBits := len(modulus) * 8

	b32 := new(big.Int).Lsh(big.NewInt(1), 32)
	nMod32 := new(big.Int).Mod(n, b32)
	inv := new(big.Int).ModInverse(nMod32, b32)
	var n0inv uint32
	if inv != nil {
		n0inv = uint32(new(big.Int).Sub(b32, inv).Uint64() & 0xffffffff)
	}

	r := new(big.Int).Lsh(big.NewInt(1), uint(numBits))
	rr := new(big.Int).Mod(new(big.Int).Mul(r, r), n)

	out := make([]byte, 8+numBits/8*2)
	binary.BigEndian.PutUint32(out[0:4], uint32(numBits))
	binary.BigEndian.PutUint32(out[4:8], n0inv)
	nBytes := n.Bytes()
	copy(out[8+numBits/8-len(nBytes):8+numBits/8], nBytes)
	rrBytes := rr.Bytes()
	copy(out[len(out)-len(rrBytes):], rrBytes)
	return out
}

// FooterParams carries the per-image parameters captured from an
// original AVB footer so a patched image's footer can be rebuilt with
// everything but the hash and public key preserved, per spec §4.2.
type FooterParams struct {
	PartitionName         string
	HashAlgorithm         string // "sha256" or "sha1"
	Salt                  []byte
	RollbackIndex         uint64
	RollbackIndexLocation uint32
	Flags                 uint32
	ReleaseString         string
	PartitionSize         uint64
	Algorithm             AvbAlgorithm
}

// CaptureFooterParams reads params out of a previously parsed boot
// image's footer/vbmeta pair, the "parameters captured from the
// original footer" spec §4.2 describes.
func CaptureFooterParams(footer *AvbFooter, vb *VBMetaHeader, partitionSize uint64) (FooterParams, error) {
	var hash HashDescriptor
	found := false
	for _, d := range vb.Descriptors {
		if h, ok := d.(HashDescriptor); ok {
			hash = h
			found = true
			break
		}
	}
	if !found {
		return FooterParams{}, newErr(NotFound, "avb.CaptureFooterParams", fmt.Errorf("no hash descriptor in original vbmeta"))
	}
	return FooterParams{
		PartitionName:         hash.PartitionName,
		HashAlgorithm:         hash.HashAlgorithm,
		Salt:                  hash.Salt,
		RollbackIndex:         vb.Header.RollbackIndex,
		RollbackIndexLocation: vb.Header.RollbackIndexLocation,
		Flags:                 vb.Header.Flags,
		ReleaseString:         string(bytes.TrimRight(vb.Header.ReleaseString[:], "\x00")),
		PartitionSize:         partitionSize,
		Algorithm:             AvbAlgorithm(vb.Header.AlgorithmType),
	}, nil
}

// buildVBMetaBlob assembles a full vbmeta image: fixed header,
// authentication block (hash + signature, zeroed until Sign fills
// them in), and auxiliary block (public key + descriptors). The
// overall size is padded to a multiple of 64 bytes as avbtool does.
func buildVBMetaBlob(hdr AvbVBMetaImageHeader, pubKey []byte, descs []Descriptor) []byte {
	descBytes := EncodeDescriptors(descs)

	auxLen := align_to(uint64(len(pubKey)+len(descBytes)), 64)
	authLen := align_to(32+uint64(hdr.SignatureSize), 64) // sha256 hash + rsa signature

	hdr.DescriptorsOffset = uint64(len(pubKey))
	hdr.DescriptorsSize = uint64(len(descBytes))
	hdr.PublicKeyOffset = 0
	hdr.PublicKeySize = uint64(len(pubKey))
	hdr.AuxiliaryDataBlockSize = auxLen
	hdr.AuthenticationDataBlockSize = authLen
	hdr.HashOffset = 0
	hdr.SignatureOffset = 32

	var out bytes.Buffer
	out.Write(encodeVBMetaHeader(&hdr))
	out.Write(make([]byte, 256-out.Len()))
	out.Write(make([]byte, authLen)) // placeholder, Sign overwrites in place
	out.Write(pubKey)
	out.Write(descBytes)
	out.Write(make([]byte, auxLen-uint64(len(pubKey)+len(descBytes))))
	return out.Bytes()
}

func encodeVBMetaHeader(h *AvbVBMetaImageHeader) []byte {
	var b bytes.Buffer
	b.Write(h.Magic[:])
	binary.Write(&b, binary.BigEndian, h.RequiredLibavbVersionMajor)
	binary.Write(&b, binary.BigEndian, h.RequiredLibavbVersionMinor)
	binary.Write(&b, binary.BigEndian, h.AuthenticationDataBlockSize)
	binary.Write(&b, binary.BigEndian, h.AuxiliaryDataBlockSize)
	binary.Write(&b, binary.BigEndian, h.AlgorithmType)
	binary.Write(&b, binary.BigEndian, h.HashOffset)
	binary.Write(&b, binary.BigEndian, h.HashSize)
	binary.Write(&b, binary.BigEndian, h.SignatureOffset)
	binary.Write(&b, binary.BigEndian, h.SignatureSize)
	binary.Write(&b, binary.BigEndian, h.PublicKeyOffset)
	binary.Write(&b, binary.BigEndian, h.PublicKeySize)
	binary.Write(&b, binary.BigEndian, h.PublicKeyMetadataOffset)
	binary.Write(&b, binary.BigEndian, h.PublicKeyMetadataSize)
	binary.Write(&b, binary.BigEndian, h.DescriptorsOffset)
	binary.Write(&b, binary.BigEndian, h.DescriptorsSize)
	binary.Write(&b, binary.BigEndian, h.RollbackIndex)
	binary.Write(&b, binary.BigEndian, h.Flags)
	binary.Write(&b, binary.BigEndian, h.RollbackIndexLocation)
	b.Write(h.ReleaseString[:])
	b.Write(make([]byte, 256-b.Len()))
	return b.Bytes()
}

// signVBMetaBlob signs the auxiliary data block in place: the
// authentication block's first 32 bytes become the SHA-256 digest of
// (header || aux), the remaining signatureSize bytes the RSA signature
// over that digest, mirroring avbtool's AvbVBMetaImage.generate_blob.
func signVBMetaBlob(blob []byte, hdr *AvbVBMetaImageHeader, sign func([]byte) ([]byte, error)) error {
	authOff := 256
	auxOff := authOff + int(hdr.AuthenticationDataBlockSize)
	toSign := append(append([]byte(nil), blob[:256]...), blob[auxOff:]...)

	sum := sha256.Sum256(toSign)
	sig, err := sign(sum[:])
	if err != nil {
		return err
	}
	copy(blob[authOff:authOff+len(sum)], sum[:])
	copy(blob[authOff+32:authOff+32+len(sig)], sig)
	return nil
}

// BuildAndSignVBMeta constructs a fresh vbmeta blob carrying descs,
// signed with pkey via s, and with flags/release-string/rollback
// fields taken from prior (the prior vbmeta header, preserved except
// for AlgorithmType, which is lifted per LiftAlgorithm). This is the
// "rewrite vbmeta" step the Payload Pipeline and Prepatched/OtaCert
// patches invoke after an image's hash descriptor has been recomputed.
func BuildAndSignVBMeta(prior AvbVBMetaImageHeader, descs []Descriptor, s *signer.Signer, pkey, passphrase, pubKeyCert string) ([]byte, error) {
	algo := LiftAlgorithm(AvbAlgorithm(prior.AlgorithmType))
	prior.AlgorithmType = uint32(algo)

	sigSize, err := s.MaxSignatureSize(pkey, passphrase)
	if err != nil {
		return nil, newErr(SigningFailure, "avb.BuildAndSignVBMeta", err)
	}
	prior.SignatureSize = uint64(sigSize)

	modulus, err := s.Modulus(pkey, passphrase)
	if err != nil {
		return nil, newErr(SigningFailure, "avb.BuildAndSignVBMeta", err)
	}
	pubKey := EncodeAVBPublicKey(modulus)

	blob := buildVBMetaBlob(prior, pubKey, descs)
	if err := signVBMetaBlob(blob, &prior, func(data []byte) ([]byte, error) {
		return s.Sign(pkey, passphrase, data)
	}); err != nil {
		return nil, newErr(SigningFailure, "avb.BuildAndSignVBMeta", err)
	}
	return blob, nil
}

// AddHashFooter appends a freshly built, freshly signed vbmeta blob and
// AVB footer to the (already footer-stripped and patched) image at
// path, using params captured from the image's original footer and key
// from the signing tool. It implements spec §4.2's re-add-the-footer
// step, including the key-presence invariant: callers must have already
// decided (via ShouldKeepUnsigned) whether signing should happen at all.
func AddHashFooter(path string, params FooterParams, descs []Descriptor, s *signer.Signer, pkey, passphrase string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return newErr(Io, "avb.AddHashFooter", err)
	}

	hash := RecomputeHashDescriptor(HashDescriptor{
		HashAlgorithm: params.HashAlgorithm,
		PartitionName: params.PartitionName,
		Salt:          params.Salt,
	}, data)

	merged := make([]Descriptor, 0, len(descs)+1)
	merged = append(merged, hash)
	for _, d := range descs {
		if _, ok := d.(HashDescriptor); ok {
			continue // superseded by the freshly recomputed one above
		}
		merged = append(merged, d)
	}

	var prior AvbVBMetaImageHeader
	copy(prior.Magic[:], AVB_MAGIC)
	prior.RollbackIndex = params.RollbackIndex
	prior.RollbackIndexLocation = params.RollbackIndexLocation
	prior.Flags = params.Flags
	prior.AlgorithmType = uint32(params.Algorithm)
	copy(prior.ReleaseString[:], params.ReleaseString)

	vbmeta, err := BuildAndSignVBMeta(prior, merged, s, pkey, passphrase, "")
	if err != nil {
		return err
	}

	vbmetaOffset := align_to(uint64(len(data)), 4096)
	padded := append(data, make([]byte, vbmetaOffset-uint64(len(data)))...)
	padded = append(padded, vbmeta...)

	// Pad out to the partition size (minus the trailing footer block)
	// when the caller recorded one, so the footer always lands in the
	// image's final 64 bytes the way a flashed partition expects.
	total := align_to(uint64(len(padded))+64, 4096)
	if params.PartitionSize != 0 && params.PartitionSize > total {
		total = params.PartitionSize
	}
	padded = append(padded, make([]byte, total-uint64(len(padded))-64)...)

	footer := &AvbFooter{
		VersionMajor:      1,
		VersionMinor:      0,
		OriginalImageSize: uint64(len(data)),
		VbmetaOffset:      vbmetaOffset,
		VbmetaSize:        uint64(len(vbmeta)),
	}
	copy(footer.Magic[:], AVB_FOOTER_MAGIC)
	padded = append(padded, encodeFooter(footer)...)

	return os.WriteFile(path, padded, 0o644)
}
