// Package magisk implements the Magisk Injection boot image patch: it
// rewrites a boot/init_boot ramdisk to boot through magiskinit, embeds
// the magisk32/64 (and stub apk, when present) payloads xz-compressed
// under overlay.d, and builds the .backup/ directory Magisk itself uses
// to restore a stock ramdisk later.
package magisk

import (
	"archive/zip"
	"bufio"
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"

	"otaboot/cpio"
)

// versionRange is a half-open [Start, End) interval over Magisk version
// codes, matching VERS_SUPPORTED's gaps for the RULESDEVICE-only
// releases and the pre-GKI-recovery-fix releases.
type versionRange struct {
	Start, End int
}

func (r versionRange) contains(v int) bool { return v >= r.Start && v < r.End }

func (r versionRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

var (
	versSupported = []versionRange{
		{25102, 25207},
		{25211, 26200},
		{26201, 27000},
	}
	// verPreinitDevice/verRandomSeed carry a gap around the 26100 release,
	// which shipped with preinit-device detection temporarily reverted and
	// therefore neither requires a configured preinit device nor derives a
	// random seed from one.
	verPreinitDevice = []versionRange{
		{25211, 26100},
		{26101, 27000},
	}
	verRandomSeed = []versionRange{
		{25211, 26100},
		{26101, 27000},
	}
)

func containsAny(ranges []versionRange, v int) bool {
	for _, r := range ranges {
		if r.contains(v) {
			return true
		}
	}
	return false
}

// DefaultRandomSeed is the fixed seed substituted when the caller
// doesn't supply one, so a patch run is byte-for-byte reproducible.
const DefaultRandomSeed uint64 = 0xfedcba9876543210

// Patch holds the resolved inputs for one Magisk root injection.
type Patch struct {
	MagiskApk     string
	Version       int
	PreinitDevice string
	RandomSeed    uint64
}

// New opens magiskApk and determines its Magisk version code from
// assets/util_functions.sh's MAGISK_VER_CODE= line.
func New(magiskApk, preinitDevice string, randomSeed *uint64) (*Patch, error) {
	version, err := versionFromApk(magiskApk)
	if err != nil {
		return nil, err
	}
	seed := DefaultRandomSeed
	if randomSeed != nil {
		seed = *randomSeed
	}
	return &Patch{MagiskApk: magiskApk, Version: version, PreinitDevice: preinitDevice, RandomSeed: seed}, nil
}

func versionFromApk(path string) (int, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("magisk: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != "assets/util_functions.sh" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return 0, err
		}
		defer rc.Close()

		sc := bufio.NewScanner(rc)
		for sc.Scan() {
			line := sc.Text()
			if v, ok := strings.CutPrefix(line, "MAGISK_VER_CODE="); ok {
				return strconv.Atoi(strings.TrimSpace(v))
			}
		}
	}
	return 0, fmt.Errorf("magisk: failed to determine version from %s", path)
}

// Validate runs the pre-flight checks boot.py's MagiskRootPatch.validate
// performs, separated from ramdisk rewriting so --ignore-magisk-warnings
// can downgrade an unsupported-version failure to a warning without
// paying for the (expensive) ramdisk patch.
func (p *Patch) Validate() error {
	supported := false
	for _, r := range versSupported {
		if r.contains(p.Version) {
			supported = true
			break
		}
	}
	if !supported {
		names := make([]string, len(versSupported))
		for i, r := range versSupported {
			names[i] = r.String()
		}
		return fmt.Errorf("unsupported Magisk version %d (supported: %s)",
			p.Version, strings.Join(names, "; "))
	}
	if p.PreinitDevice == "" && containsAny(verPreinitDevice, p.Version) {
		return fmt.Errorf("Magisk version %d requires a preinit device to be specified", p.Version)
	}
	return nil
}

// Apply rewrites c (the boot image's ramdisk, already loaded) in place,
// embedding magiskinit/magisk32/magisk64/stub and recording the
// .backup/ restore structure. origImage is the whole boot image file
// content prior to any patching, whose SHA-1 Magisk stores in its
// config for its own stock-detection heuristics.
func (p *Patch) Apply(c *cpio.Cpio, origImage []byte) error {
	old := snapshotEntries(c)

	c.Mkdir(0o750, "overlay.d")
	c.Mkdir(0o750, "overlay.d/sbin")

	hadInit := c.Exists("init")
	if hadInit {
		c.Rm("init", false)
	}

	apk, err := zip.OpenReader(p.MagiskApk)
	if err != nil {
		return fmt.Errorf("magisk: %w", err)
	}
	defer apk.Close()

	initData, err := readZipEntry(apk, "lib/arm64-v8a/libmagiskinit.so")
	if err != nil {
		return err
	}
	if err := addFile(c, 0o750, "init", initData); err != nil {
		return err
	}

	xzFiles := map[string]string{
		"lib/armeabi-v7a/libmagisk32.so": "overlay.d/sbin/magisk32.xz",
		"lib/arm64-v8a/libmagisk64.so":   "overlay.d/sbin/magisk64.xz",
	}
	if hasZipEntry(apk, "assets/stub.apk") {
		xzFiles["assets/stub.apk"] = "overlay.d/sbin/stub.xz"
	}

	// Deterministic iteration order keeps the resulting cpio archive
	// reproducible across runs.
	var sources []string
	for src := range xzFiles {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		raw, err := readZipEntry(apk, src)
		if err != nil {
			return err
		}
		compressed, err := xzCompress(raw)
		if err != nil {
			return fmt.Errorf("magisk: compressing %s: %w", src, err)
		}
		if err := addFile(c, 0o644, xzFiles[src], compressed); err != nil {
			return err
		}
	}

	if err := p.applyBackup(old, c); err != nil {
		return err
	}

	sum := sha1.Sum(origImage)
	var cfg strings.Builder
	cfg.WriteString("KEEPVERITY=true\n")
	cfg.WriteString("KEEPFORCEENCRYPT=true\n")
	cfg.WriteString("PATCHVBMETAFLAG=false\n")
	cfg.WriteString("RECOVERYMODE=false\n")
	if containsAny(verPreinitDevice, p.Version) {
		fmt.Fprintf(&cfg, "PREINITDEVICE=%s\n", p.PreinitDevice)
	}
	fmt.Fprintf(&cfg, "SHA1=%x\n", sum)
	if containsAny(verRandomSeed, p.Version) {
		fmt.Fprintf(&cfg, "RANDOMSEED=0x%x\n", p.RandomSeed)
	}

	return addFile(c, 0o000, ".backup/.magisk", []byte(cfg.String()))
}

type snapshot struct {
	name string
	data []byte
}

func snapshotEntries(c *cpio.Cpio) []snapshot {
	out := make([]snapshot, 0, len(c.Keys))
	for _, k := range c.Keys {
		out = append(out, snapshot{name: k, data: append([]byte(nil), c.Entries[k].Data...)})
	}
	return out
}

// applyBackup implements boot.py's MagiskRootPatch._apply_magisk_backup:
// diff old vs. new ramdisk entries, move every deleted-or-changed old
// entry under .backup/<path>, and record every newly-added entry's name
// in .backup/.rmlist (sorted, NUL-terminated) so Restore knows what to
// delete on uninstall.
func (p *Patch) applyBackup(old []snapshot, c *cpio.Cpio) error {
	oldByName := make(map[string][]byte, len(old))
	for _, e := range old {
		oldByName[e.name] = e.data
	}
	newNames := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		newNames[k] = true
	}

	var added, deletedOrChanged []string
	for name := range newNames {
		if _, existed := oldByName[name]; !existed {
			added = append(added, name)
		}
	}
	for name, data := range oldByName {
		if !newNames[name] || !bytes.Equal(data, c.Entries[name].Data) {
			deletedOrChanged = append(deletedOrChanged, name)
		}
	}
	sort.Strings(added)
	sort.Strings(deletedOrChanged)

	c.Mkdir(0o000, ".backup")
	for _, name := range deletedOrChanged {
		if err := addFile(c, 0o644, ".backup/"+name, oldByName[name]); err != nil {
			return err
		}
	}

	var rmlist strings.Builder
	for _, name := range added {
		rmlist.WriteString(name)
		rmlist.WriteByte(0)
	}
	return addFile(c, 0o000, ".backup/.rmlist", []byte(rmlist.String()))
}

func addFile(c *cpio.Cpio, mode uint32, name string, data []byte) error {
	tmp, err := writeTempFile(data)
	if err != nil {
		return err
	}
	defer removeTempFile(tmp)
	return c.Add(mode, name, tmp)
}

// writeTempFile spills data to a scratch file, the only way to hand
// bytes to Cpio.Add, which takes a path rather than a reader.
func writeTempFile(data []byte) (string, error) {
	f, err := os.CreateTemp("", "otaboot-magisk-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func removeTempFile(path string) {
	os.Remove(path)
}

func readZipEntry(r *zip.ReadCloser, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("magisk: %s not found in apk", name)
}

func hasZipEntry(r *zip.ReadCloser, name string) bool {
	for _, f := range r.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

// xzCompress compresses raw into a full .xz container (LZMA2 filter,
// 64MiB dictionary matching liblzma's preset 9, CRC32 integrity check),
// matching what Magisk's own build produces for its overlay.d payloads.
func xzCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := xz.WriterConfig{CheckSum: xz.CRC32, DictCap: 1 << 26}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
