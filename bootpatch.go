package otaboot

import (
	"fmt"
	"os"

	"otaboot/internal/signer"
)

// Patch is the sealed-variant interface spec §9 calls for in place of
// inheritance: Magisk injection, prepatched-image adoption and OTA-cert
// injection are its three implementations, each called through the
// interface's Apply method.
type Patch interface {
	// Name identifies the patch for logging/error messages.
	Name() string
	// Apply mutates img in place. The Boot Image Patcher has already
	// stripped the AVB footer and will re-add it after every patch in
	// the sequence has run.
	Apply(img *BootImg) error
}

// BootImagePatcher implements spec §4.2: load, strip footer, run a
// patch sequence, re-pack, and re-sign with a freshly computed AVB hash
// footer built from the original footer's parameters.
type BootImagePatcher struct {
	Signer        *signer.Signer
	AvbKey        string
	AvbPassphrase string

	// OnlyIfPreviouslySigned implements the key-presence invariant's
	// "only_if_previously_signed" escape hatch: when set, an unsigned
	// source image stays unsigned even though a signing key was
	// configured for the run.
	OnlyIfPreviouslySigned bool
}

// PatchImage runs patches in sequence against the boot/vendor_boot image
// at path, truncating and overwriting the file with the result.
func (p *BootImagePatcher) PatchImage(path string, patches []Patch) error {
	stat, err := os.Stat(path)
	if err != nil {
		return newErr(Io, "bootimg.PatchImage", err)
	}
	partitionSize := uint64(stat.Size())

	orig, err := os.ReadFile(path)
	if err != nil {
		return newErr(Io, "bootimg.PatchImage", err)
	}

	var footerParams *FooterParams
	var preDescs []Descriptor
	hadKey := false
	if footer, ferr := ParseFooter(orig); ferr == nil {
		vbOff := footer.VbmetaOffset
		vbEnd := vbOff + footer.VbmetaSize
		if vbEnd <= uint64(len(orig)) {
			if vb, verr := ParseVBMeta(orig[vbOff:vbEnd]); verr == nil {
				fp, cerr := CaptureFooterParams(footer, vb, partitionSize)
				if cerr == nil {
					footerParams = &fp
					hadKey = vb.HasPublicKey()
					for _, d := range vb.Descriptors {
						if _, ok := d.(HashDescriptor); !ok {
							preDescs = append(preDescs, d)
						}
					}
				}
			}
		}
	}

	if err := EraseFooter(path); err != nil {
		return newErr(Io, "bootimg.PatchImage", err)
	}

	img, err := NewBootImg(path)
	if err != nil {
		return err
	}

	for _, patch := range patches {
		if err := patch.Apply(img); err != nil {
			img.Close()
			return newErr(Corrupt, fmt.Sprintf("bootimg.PatchImage[%s]", patch.Name()), err)
		}
	}

	tmpPath := path + ".repack"
	repackErr := img.Repack(tmpPath)
	img.Close()
	if repackErr != nil {
		return repackErr
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return newErr(Io, "bootimg.PatchImage", err)
	}

	return p.resign(path, footerParams, preDescs, hadKey, orig)
}

// resign implements the key-presence invariant (spec §4.2): with
// OnlyIfPreviouslySigned set, a source image with no AVB public key is
// left unsigned; otherwise the output is signed with AvbKey. If the
// source's key presence and the output's differ, resign fails with
// KeyMismatch.
func (p *BootImagePatcher) resign(path string, footerParams *FooterParams, preDescs []Descriptor, hadKey bool, orig []byte) error {
	if footerParams == nil {
		// Never had a footer at all: nothing to re-add.
		return nil
	}

	if ShouldKeepUnsigned(p.OnlyIfPreviouslySigned, hadKey) {
		return nil
	}
	if newHasKey := p.AvbKey != ""; newHasKey != hadKey {
		return newErr(KeyMismatch, "bootimg.resign",
			fmt.Errorf("original image has public key: %v, patched image would have one: %v", hadKey, newHasKey))
	}

	return AddHashFooter(path, *footerParams, preDescs, p.Signer, p.AvbKey, p.AvbPassphrase)
}

// ShouldKeepUnsigned reports whether a patch run configured with
// onlyIfPreviouslySigned should drop the signing key for an image that
// was never signed to begin with.
func ShouldKeepUnsigned(onlyIfPreviouslySigned, hadKey bool) bool {
	return onlyIfPreviouslySigned && !hadKey
}
