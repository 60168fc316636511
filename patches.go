package otaboot

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"otaboot/cpio"
	"otaboot/internal/magisk"
)

// zeroTime is the fixed timestamp every reproducible zip entry this
// system writes gets stamped with (DOS epoch, 1980-01-01), matching
// avbroot's handling of metadata/otacerts.zip entries.
var zeroTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// cpioFromRamdisk parses img's current ramdisk (already decompressed in
// memory by ParseImage) as a cpio archive, the precondition every
// ramdisk-editing patch shares.
func cpioFromRamdisk(img *BootImg) (*cpio.Cpio, error) {
	if img.Ramdisk == nil {
		return cpio.NewCpio(), nil
	}
	c := cpio.NewCpio()
	if len(*img.Ramdisk) == 0 {
		return c, nil
	}
	if err := c.LoadFromData(*img.Ramdisk); err != nil {
		return nil, newErr(Corrupt, "patch.cpioFromRamdisk", err)
	}
	return c, nil
}

// cpioToRamdisk serializes c back to cpio bytes (via a scratch temp
// file, the only I/O shape Cpio.Dump supports) and installs the result
// as img's ramdisk payload.
func cpioToRamdisk(img *BootImg, c *cpio.Cpio) error {
	tmp, err := os.CreateTemp("", "otaboot-ramdisk-*.cpio")
	if err != nil {
		return newErr(Io, "patch.cpioToRamdisk", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := c.Dump(tmpPath); err != nil {
		return newErr(Io, "patch.cpioToRamdisk", err)
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return newErr(Io, "patch.cpioToRamdisk", err)
	}
	img.SetRamdisk(data)
	return nil
}

// MagiskBootPatch adapts internal/magisk.Patch to the Boot Image
// Patcher's Patch interface (spec §4.3). It edits the single ramdisk
// blob BootImg carries; no ramdisk count is checked here.
type MagiskBootPatch struct {
	Inner     *magisk.Patch
	OrigImage []byte // full pre-patch boot image bytes, for the .magisk SHA1
}

func (p *MagiskBootPatch) Name() string { return "magisk" }

func (p *MagiskBootPatch) Apply(img *BootImg) error {
	c, err := cpioFromRamdisk(img)
	if err != nil {
		return err
	}
	if err := p.Inner.Apply(c, p.OrigImage); err != nil {
		return newErr(Corrupt, "patch.MagiskBootPatch", err)
	}
	return cpioToRamdisk(img, c)
}

// OtaCertPatch implements spec §4.4: replace the embedded OTA trust
// anchor inside the ramdisk. Missing the target path is fatal -- the
// system refuses to produce an output that could brick the device by
// leaving the OEM's otacerts.zip in place.
type OtaCertPatch struct {
	CertPEM []byte
}

func (p *OtaCertPatch) Name() string { return "otacert" }

const otacertsPath = "system/etc/security/otacerts.zip"

func (p *OtaCertPatch) Apply(img *BootImg) error {
	c, err := cpioFromRamdisk(img)
	if err != nil {
		return err
	}
	if !c.Exists(otacertsPath) {
		return newErr(NotFound, "patch.OtaCertPatch", fmt.Errorf("%s not present in ramdisk", otacertsPath))
	}

	zipBytes, err := buildOtaCertZip(p.CertPEM)
	if err != nil {
		return newErr(Io, "patch.OtaCertPatch", err)
	}
	entry := c.Entries[otacertsPath]
	entry.Data = zipBytes
	c.Entries[otacertsPath] = entry

	return cpioToRamdisk(img, c)
}

// buildOtaCertZip produces a single-entry, stored (uncompressed) zip
// archive containing ota.x509.pem, stamped with the fixed zeroTime and
// zero external attributes for reproducibility, and with the creator OS
// byte set to Unix (3).
func buildOtaCertZip(cert []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	hdr := &zip.FileHeader{
		Name:               "ota.x509.pem",
		Method:             zip.Store,
		Modified:           zeroTime,
		CreatorVersion:     3 << 8, // UNIX
		ExternalAttrs:      0,
	}
	fw, err := w.CreateHeader(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(cert); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PrepatchedPatch implements spec §4.5: adopt a caller-supplied boot
// image wholesale after a three-level structural compatibility check.
type PrepatchedPatch struct {
	ImagePath  string
	FatalLevel int // issues at or above this level abort the patch
	Warn       func(level int, message string)
}

func (p *PrepatchedPatch) Name() string { return "prepatched" }

// compatIssue is one structural divergence found between the original
// and the prepatched candidate image.
type compatIssue struct {
	level   int
	message string
}

func (p *PrepatchedPatch) Apply(img *BootImg) error {
	cand, err := NewBootImg(p.ImagePath)
	if err != nil {
		return newErr(Io, "patch.PrepatchedPatch", err)
	}
	defer cand.Close()

	issues := compatibilityIssues(img, cand)

	for _, issue := range issues {
		if issue.level >= p.FatalLevel {
			return newErr(IncompatibleImage, "patch.PrepatchedPatch",
				fmt.Errorf("level %d: %s", issue.level, issue.message))
		}
		if p.Warn != nil {
			p.Warn(issue.level, issue.message)
		}
	}

	adoptImage(img, cand)
	return nil
}

// compatibilityIssues scores divergence between orig and cand over the
// three severity levels spec §4.5 defines.
func compatibilityIssues(orig, cand *BootImg) []compatIssue {
	var issues []compatIssue

	// Level 0: informational, cosmetic fields.
	if !bytes.Equal(orig.rawHeaderID(), cand.rawHeaderID()) {
		issues = append(issues, compatIssue{0, "id differs"})
	}
	if orig.Hdr.OsVersion != cand.Hdr.OsVersion {
		issues = append(issues, compatIssue{0, "os_version differs"})
	}

	// Level 1: likely still boots, but worth flagging.
	if orig.Hdr.Cmdline != cand.Hdr.Cmdline || orig.Hdr.ExtraCmdline != cand.Hdr.ExtraCmdline {
		issues = append(issues, compatIssue{1, "cmdline or extra_cmdline differs"})
	}
	if len(cand.Tail) > 0 && len(orig.Tail) == 0 {
		issues = append(issues, compatIssue{1, "newly present optional section in tail"})
	}

	// Level 2: likely bricks.
	if orig.isVendor != cand.isVendor {
		issues = append(issues, compatIssue{2, "vendor/non-vendor header mismatch"})
	}
	if orig.Hdr.HeaderSize != cand.Hdr.HeaderSize {
		issues = append(issues, compatIssue{2, "header size differs"})
	}
	origRamdisks := 1
	candRamdisks := 1
	if orig.Ramdisk == nil || len(*orig.Ramdisk) == 0 {
		origRamdisks = 0
	}
	if cand.Ramdisk == nil || len(*cand.Ramdisk) == 0 {
		candRamdisks = 0
	}
	if candRamdisks < origRamdisks {
		issues = append(issues, compatIssue{2, "ramdisk count decreased"})
	}

	origKMI := kmiVersion(orig.GetKernel())
	candKMI := kmiVersion(cand.GetKernel())
	if origKMI != "" && candKMI != "" && origKMI != candKMI {
		issues = append(issues, compatIssue{2, fmt.Sprintf("KMI version mismatch: %s vs %s", origKMI, candKMI)})
	}

	return issues
}

// rawHeaderID extracts the boot image's id/digest field so
// compatibilityIssues can compare it. Only boot_img_hdr_v0/v1/v2 carry
// one: 32 bytes at offset 576, after the name and cmdline fields.
// Vendor and v3/v4 headers have none and yield nil.
func (b *BootImg) rawHeaderID() []byte {
	const idOff = 576
	if b.isVendor || b.Hdr.HeaderVersionValue >= 3 || len(b.rawHeader) < idOff+32 {
		return nil
	}
	return b.rawHeader[idOff : idOff+32]
}

// adoptImage replaces orig's segments wholesale with cand's, the
// "substitute a user-supplied boot image" step. Ramdisk-count increase
// is permitted and falls out naturally here since everything about
// orig's layout is discarded.
func adoptImage(orig, cand *BootImg) {
	orig.Hdr = cand.Hdr
	orig.K_fmt = cand.K_fmt
	orig.R_fmt = cand.R_fmt
	orig.isVendor = cand.isVendor
	orig.pageSize = cand.pageSize
	orig.rawHeader = append([]byte(nil), cand.rawHeader...)
	orig.kernelSizeOff = cand.kernelSizeOff
	orig.ramdiskSizeOff = cand.ramdiskSizeOff
	orig.Tail = append([]byte(nil), cand.Tail...)

	if cand.Kernel != nil {
		orig.payloadKernel = append([]byte(nil), (*cand.Kernel)...)
		orig.Kernel = &orig.payloadKernel
	}
	if cand.Ramdisk != nil {
		orig.payloadRamdisk = append([]byte(nil), (*cand.Ramdisk)...)
		orig.Ramdisk = &orig.payloadRamdisk
	}
}

// kmiVersionPattern matches the Linux banner string embedded in a
// decompressed kernel image, e.g.
// "Linux version 5.10.101-android12-9-g1234567-ab1234567 (...)".
var kmiVersionPattern = regexp.MustCompile(`Linux version (\d+)\.(\d+)\.\d+-(android\d+)-(\d+)-(\S+)`)

// kmiVersion extracts the Kernel Module Interface version string from a
// (possibly compressed) kernel blob, per spec §4.5: decompress with the
// same auto-detect the Ramdisk Editor uses, falling back to raw bytes,
// then search for the first banner match. Returns
// "<major>.<minor>-android<N>-<build>", or "" if no banner is found.
func kmiVersion(kernel []byte) string {
	if len(kernel) == 0 {
		return ""
	}
	data := kernel
	if t := CheckFmt(kernel); COMPRESSED(t) {
		if raw, err := DecompressBytes(t, kernel); err == nil {
			data = raw
		}
	}
	m := kmiVersionPattern.FindSubmatch(data)
	if m == nil {
		return ""
	}
	return fmt.Sprintf("%s.%s-%s-%s", m[1], m[2], m[3], m[4])
}
