package main

import (
	"fmt"
	"os"
	"path/filepath"

	"otaboot"
	"otaboot/internal/planner"
	"otaboot/internal/signer"
)

// vbmetaRewrite tracks the parsed form of every vbmeta partition the
// planner is aware of, so rewriteVBMetas can walk the dependency order
// without re-parsing a blob it already holds in memory.
type vbmetaRewrite struct {
	header *otaboot.VBMetaHeader
}

// rewriteVBMetas implements the Partition Planner's rewrite step: for
// every vbmeta image the planner says must change, given that
// changedSet's images now have new content (and therefore new hashes)
// and/or were re-signed with a new AVB key, it recomputes hash
// descriptors pointing at changed partitions and re-points chain
// descriptors at the new public key, then rebuilds and re-signs the
// vbmeta blob in place under tmpDir. clearFlags implements
// --clear-vbmeta-flags (spec §4.7): when set, every rewritten vbmeta
// image's header flags are zeroed before signing.
func rewriteVBMetas(tmpDir string, vbmetaPartitions []string, changedSet map[string]bool, s *signer.Signer, avbKey, avbPassphrase string, clearFlags bool) error {
	if len(vbmetaPartitions) == 0 {
		return nil
	}

	parsed := make(map[string]*vbmetaRewrite, len(vbmetaPartitions))
	var deps []planner.VBMetaDeps
	for _, name := range vbmetaPartitions {
		data, err := os.ReadFile(filepath.Join(tmpDir, name+".img"))
		if err != nil {
			return otaboot.NewError(otaboot.Io, "cmd.rewriteVBMetas", err)
		}
		vb, err := otaboot.ParseVBMeta(data)
		if err != nil {
			return err
		}
		parsed[name] = &vbmetaRewrite{header: vb}
		refs := planner.ChainedPartitions(vb.Descriptors)
		for _, d := range vb.Descriptors {
			if h, ok := d.(otaboot.HashDescriptor); ok {
				refs = append(refs, h.PartitionName)
			}
		}
		deps = append(deps, planner.VBMetaDeps{Partition: name, Chained: refs})
	}

	order, _ := planner.Order(deps, changedSet)
	if len(order) == 0 {
		return nil
	}

	modulus, err := s.Modulus(avbKey, avbPassphrase)
	if err != nil {
		return otaboot.NewError(otaboot.SigningFailure, "cmd.rewriteVBMetas", err)
	}
	newPubKey := otaboot.EncodeAVBPublicKey(modulus)

	rewritten := make(map[string]bool, len(order))
	for _, name := range order {
		vb := parsed[name].header

		newDescs := make([]otaboot.Descriptor, 0, len(vb.Descriptors))
		for _, d := range vb.Descriptors {
			switch v := d.(type) {
			case otaboot.ChainPartitionDescriptor:
				if changedSet[v.PartitionName] || rewritten[v.PartitionName] {
					v.PublicKey = newPubKey
				}
				newDescs = append(newDescs, v)
			case otaboot.HashDescriptor:
				if changedSet[v.PartitionName] {
					imgData, err := os.ReadFile(filepath.Join(tmpDir, v.PartitionName+".img"))
					if err != nil {
						return otaboot.NewError(otaboot.Io, "cmd.rewriteVBMetas", err)
					}
					v = otaboot.RecomputeHashDescriptor(v, imgData)
				}
				newDescs = append(newDescs, v)
			default:
				newDescs = append(newDescs, d)
			}
		}

		hdr := vb.Header
		if clearFlags {
			hdr.Flags = 0
		}
		blob, err := otaboot.BuildAndSignVBMeta(hdr, newDescs, s, avbKey, avbPassphrase, "")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(tmpDir, name+".img"), blob, 0o644); err != nil {
			return otaboot.NewError(otaboot.Io, "cmd.rewriteVBMetas", fmt.Errorf("writing rewritten %s: %w", name, err))
		}
		rewritten[name] = true
	}
	return nil
}
