package main

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"otaboot"
	"otaboot/internal/magisk"
	"otaboot/internal/payload"
	"otaboot/internal/planner"
	"otaboot/internal/signer"
	"otaboot/internal/zipemit"
)

type patchOpts struct {
	input, output                       string
	privkeyAvb, privkeyOta, certOta      string
	passAvbEnvVar, passAvbFile           string
	passOtaEnvVar, passOtaFile           string
	replace                              []string
	magiskApk, prepatched                string
	rootless                             bool
	magiskPreinitDevice                  string
	magiskRandomSeed                     uint64
	ignoreMagiskWarnings                 bool
	ignorePrepatchedCompat               int
	clearVbmetaFlags                     bool
	bootPartition                        string
}

func newPatchCmd() *cobra.Command {
	var o patchOpts

	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Patch an OTA payload for root access and re-sign it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatch(cmd, &o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.input, "input", "", "input OTA zip (required)")
	f.StringVar(&o.output, "output", "", "output OTA zip (default: input path with .patched suffix)")
	f.StringVar(&o.privkeyAvb, "privkey-avb", "", "AVB signing private key (required)")
	f.StringVar(&o.privkeyOta, "privkey-ota", "", "OTA payload signing private key (required)")
	f.StringVar(&o.certOta, "cert-ota", "", "OTA certificate matching privkey-ota (required)")
	f.StringVar(&o.passAvbEnvVar, "passphrase-avb-env-var", "", "env var holding the AVB key passphrase")
	f.StringVar(&o.passAvbFile, "passphrase-avb-file", "", "file holding the AVB key passphrase")
	f.StringVar(&o.passOtaEnvVar, "passphrase-ota-env-var", "", "env var holding the OTA key passphrase")
	f.StringVar(&o.passOtaFile, "passphrase-ota-file", "", "file holding the OTA key passphrase")
	f.StringArrayVar(&o.replace, "replace", nil, "partition=path, substitute a partition's image wholesale (repeatable)")
	f.StringVar(&o.magiskApk, "magisk", "", "root with this Magisk APK")
	f.StringVar(&o.prepatched, "prepatched", "", "adopt this caller-supplied prepatched boot image")
	f.BoolVar(&o.rootless, "rootless", false, "don't root, only re-sign")
	f.StringVar(&o.magiskPreinitDevice, "magisk-preinit-device", "", "preinit device block for Magisk versions that require it")
	f.Uint64Var(&o.magiskRandomSeed, "magisk-random-seed", 0, "Magisk config random seed (default: fixed reproducible seed)")
	f.BoolVar(&o.ignoreMagiskWarnings, "ignore-magisk-warnings", false, "downgrade Magisk version validation failures to warnings")
	f.CountVar(&o.ignorePrepatchedCompat, "ignore-prepatched-compat", "raise the prepatched compatibility fatal level (repeatable)")
	f.BoolVar(&o.clearVbmetaFlags, "clear-vbmeta-flags", false, "clear flags on every rewritten vbmeta image")
	f.StringVar(&o.bootPartition, "boot-partition", "@gki_ramdisk", "role or partition name to root/resign")

	cmd.MarkFlagsMutuallyExclusive("magisk", "prepatched", "rootless")
	cmd.MarkFlagsMutuallyExclusive("passphrase-avb-env-var", "passphrase-avb-file")
	cmd.MarkFlagsMutuallyExclusive("passphrase-ota-env-var", "passphrase-ota-file")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("privkey-avb")
	cmd.MarkFlagRequired("privkey-ota")
	cmd.MarkFlagRequired("cert-ota")

	return cmd
}

// parseReplace turns "partition=path" pairs into a name->path map.
func parseReplace(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, path, ok := strings.Cut(pair, "=")
		if !ok || name == "" || path == "" {
			return nil, otaboot.NewError(otaboot.InvalidArgument, "cmd.parseReplace",
				fmt.Errorf("--replace %q must be of the form partition=path", pair))
		}
		out[name] = path
	}
	return out, nil
}

func resolvePartition(c planner.Classification, spec string) (string, error) {
	if spec == "" {
		spec = string(planner.RoleGkiRamdisk)
	}
	if strings.HasPrefix(spec, "@") {
		name, ok := c.Roles[planner.Role(spec)]
		if !ok {
			return "", otaboot.NewError(otaboot.InvalidArgument, "cmd.resolvePartition", fmt.Errorf("unknown role %q", spec))
		}
		return name, nil
	}
	return spec, nil
}

func runPatch(cmd *cobra.Command, o *patchOpts) error {
	if o.magiskApk == "" && o.prepatched == "" && !o.rootless {
		return otaboot.NewError(otaboot.InvalidArgument, "cmd.patch", fmt.Errorf("exactly one of --magisk, --prepatched, --rootless is required"))
	}
	if o.output == "" {
		o.output = o.input + ".patched"
	}

	replaced, err := parseReplace(o.replace)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "otaboot-patch-*")
	if err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.patch", err)
	}
	defer os.RemoveAll(tmpDir)

	zr, err := zip.OpenReader(o.input)
	if err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.patch", err)
	}
	defer zr.Close()

	payloadPath := filepath.Join(tmpDir, "payload.bin")
	if err := requirePayloadEntry(&zr.Reader, payloadPath); err != nil {
		return err
	}

	pl, err := payload.Open(payloadPath)
	if err != nil {
		return otaboot.NewError(otaboot.Corrupt, "cmd.patch", err)
	}

	classification, err := planner.Classify(pl.PartitionNames())
	if err != nil {
		return err
	}

	rootPartition, err := resolvePartition(classification, o.bootPartition)
	if err != nil {
		return err
	}
	otacertsPartition := classification.Roles[planner.RoleOtacerts]

	// The root/boot-partition image always needs re-signing with the new
	// AVB key even under --rootless (scenario 1: unchanged content, new
	// signature), so it's always requested here regardless of rooting.
	required, err := planner.RequiredImages(classification, true, o.bootPartition)
	if err != nil {
		return err
	}

	log.Infof("extracting %d partition image(s)", len(required))
	var toExtract []string
	for _, name := range required {
		if _, ok := replaced[name]; !ok {
			toExtract = append(toExtract, name)
		}
	}
	if err := pl.ExtractMany(context.Background(), toExtract, tmpDir); err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.patch", err)
	}
	for name, path := range replaced {
		if err := copyFile(path, filepath.Join(tmpDir, name+".img")); err != nil {
			return otaboot.NewError(otaboot.Io, "cmd.patch", err)
		}
	}

	s := signer.New()
	avbPassphrase, err := s.PromptPassphrase(o.privkeyAvb, o.passAvbEnvVar, o.passAvbFile)
	if err != nil {
		return otaboot.NewError(otaboot.SigningFailure, "cmd.patch", err)
	}
	otaPassphrase, err := s.PromptPassphrase(o.privkeyOta, o.passOtaEnvVar, o.passOtaFile)
	if err != nil {
		return otaboot.NewError(otaboot.SigningFailure, "cmd.patch", err)
	}

	match, err := s.CertMatchesKey(o.certOta, o.privkeyOta, otaPassphrase)
	if err != nil {
		return otaboot.NewError(otaboot.SigningFailure, "cmd.patch", err)
	}
	if !match {
		return otaboot.NewError(otaboot.KeyMismatch, "cmd.patch", fmt.Errorf("%s does not match %s", o.certOta, o.privkeyOta))
	}

	otaCertPEM, err := os.ReadFile(o.certOta)
	if err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.patch", err)
	}

	var rootPatches []otaboot.Patch
	switch {
	case o.magiskApk != "":
		var seed *uint64
		if cmd.Flags().Changed("magisk-random-seed") {
			seed = &o.magiskRandomSeed
		}
		mp, err := magisk.New(o.magiskApk, o.magiskPreinitDevice, seed)
		if err != nil {
			return otaboot.NewError(otaboot.Io, "cmd.patch", err)
		}
		if verr := mp.Validate(); verr != nil {
			if !o.ignoreMagiskWarnings {
				return otaboot.NewError(otaboot.InvalidArgument, "cmd.patch", verr)
			}
			log.Warnf("magisk: %v", verr)
		}
		origPath := filepath.Join(tmpDir, rootPartition+".img")
		orig, err := os.ReadFile(origPath)
		if err != nil {
			return otaboot.NewError(otaboot.Io, "cmd.patch", err)
		}
		rootPatches = []otaboot.Patch{&otaboot.MagiskBootPatch{Inner: mp, OrigImage: orig}}
	case o.prepatched != "":
		fatalLevel := 2 + o.ignorePrepatchedCompat
		rootPatches = []otaboot.Patch{&otaboot.PrepatchedPatch{
			ImagePath:  o.prepatched,
			FatalLevel: fatalLevel,
			Warn: func(level int, message string) {
				log.Warnf("prepatched compatibility (level %d): %s", level, message)
			},
		}}
	}

	patcher := &otaboot.BootImagePatcher{
		Signer:        s,
		AvbKey:        o.privkeyAvb,
		AvbPassphrase: avbPassphrase,
		// Matches avbroot's main.py, which always calls patch_boot with
		// only_if_previously_signed=True: an unsigned source image stays
		// unsigned rather than gaining a key it never had.
		OnlyIfPreviouslySigned: true,
	}

	patchesFor := map[string][]otaboot.Patch{}
	patchesFor[rootPartition] = append(patchesFor[rootPartition], rootPatches...)
	patchesFor[otacertsPartition] = append(patchesFor[otacertsPartition], &otaboot.OtaCertPatch{CertPEM: otaCertPEM})

	// Per-image boot patching (spec §5): a worker pool sized to the
	// number of images to patch, each operating on its own temp file
	// path with no shared mutable state with its peers.
	var g errgroup.Group
	for name, patches := range patchesFor {
		if _, isReplaced := replaced[name]; isReplaced {
			continue
		}
		name, patches := name, patches
		log.Infof("patching %s (%d patch(es))", name, len(patches))
		g.Go(func() error {
			return patcher.PatchImage(filepath.Join(tmpDir, name+".img"), patches)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	changedSet := map[string]bool{rootPartition: true, otacertsPartition: true}
	for name := range replaced {
		changedSet[name] = true
	}
	if err := rewriteVBMetas(tmpDir, classification.VBMetaPartitions, changedSet, s, o.privkeyAvb, avbPassphrase, o.clearVbmetaFlags); err != nil {
		return err
	}

	touched := map[string]bool{}
	for _, name := range required {
		touched[name] = true
	}
	for name := range replaced {
		touched[name] = true
	}

	replacementImages := map[string][]byte{}
	for name := range touched {
		data, err := os.ReadFile(filepath.Join(tmpDir, name+".img"))
		if err != nil {
			return otaboot.NewError(otaboot.Io, "cmd.patch", err)
		}
		replacementImages[name] = data
	}

	log.Info("repacking payload")
	outPayloadPath := filepath.Join(tmpDir, "new-payload.bin")
	newManifest, err := pl.Repack(replacementImages, outPayloadPath)
	if err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.patch", err)
	}

	properties, err := pl.SignManifest(outPayloadPath, newManifest, s, o.privkeyOta, otaPassphrase)
	if err != nil {
		return err
	}

	log.Info("re-emitting output zip")
	stagingPath := o.output + ".staging"
	out, err := os.Create(stagingPath)
	if err != nil {
		return otaboot.NewError(otaboot.Io, "cmd.patch", err)
	}
	_, emitErr := zipemit.Emit(&zr.Reader, out, zipemit.Input{
		PayloadPath:       outPayloadPath,
		PayloadProperties: []byte(properties),
		CertPEM:           otaCertPEM,
	})
	closeErr := out.Close()
	if emitErr != nil {
		os.Remove(stagingPath)
		return emitErr
	}
	if closeErr != nil {
		os.Remove(stagingPath)
		return otaboot.NewError(otaboot.Io, "cmd.patch", closeErr)
	}
	if err := os.Rename(stagingPath, o.output); err != nil {
		os.Remove(stagingPath)
		return otaboot.NewError(otaboot.Io, "cmd.patch", err)
	}

	log.Infof("wrote %s", o.output)
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
