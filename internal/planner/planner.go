// Package planner implements the partition-role classification and
// vbmeta dependency ordering that sits between the payload manifest and
// the boot image/vbmeta patchers.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"otaboot"
)

// Role names the virtual targets a patch run reasons about instead of
// raw partition names, so the rest of the pipeline never hardcodes a
// device's specific partition layout.
type Role string

const (
	RoleGkiKernel  Role = "@gki_kernel"
	RoleGkiRamdisk Role = "@gki_ramdisk"
	RoleOtacerts   Role = "@otacerts"
	RoleRootpatch  Role = "@rootpatch"
)

// vbmetaRole builds the "@vbmeta:<name>" role for a partition whose name
// contains "vbmeta" as a case-sensitive substring.
func vbmetaRole(partition string) Role {
	return Role("@vbmeta:" + partition)
}

// rolePriority lists, in preference order, the partitions that satisfy
// each fixed role. The first present partition wins.
var rolePriority = map[Role][]string{
	RoleGkiKernel:  {"boot"},
	RoleGkiRamdisk: {"init_boot", "boot"},
	RoleOtacerts:   {"recovery", "vendor_boot", "boot"},
}

// Classification is the result of classifying one manifest's partition
// set by role.
type Classification struct {
	// Roles maps each resolved fixed/vbmeta role to the partition name
	// that satisfies it.
	Roles map[Role]string
	// VBMetaPartitions lists every partition name matched as a vbmeta
	// role, in manifest order.
	VBMetaPartitions []string
}

// Classify assigns roles to partitions present in a payload manifest.
// Missing a fixed role (gki_kernel, gki_ramdisk, otacerts) is fatal;
// vbmeta roles are optional since not every target carries chained
// vbmeta partitions.
func Classify(partitionNames []string) (Classification, error) {
	present := make(map[string]bool, len(partitionNames))
	for _, name := range partitionNames {
		present[name] = true
	}

	c := Classification{Roles: make(map[Role]string)}

	for role, candidates := range rolePriority {
		found := ""
		for _, cand := range candidates {
			if present[cand] {
				found = cand
				break
			}
		}
		if found == "" {
			return Classification{}, otaboot.NewError(otaboot.NotFound,
				"planner.Classify", fmt.Errorf("no partition satisfies role %s (tried %v)", role, candidates))
		}
		c.Roles[role] = found
	}

	for _, name := range partitionNames {
		if strings.Contains(name, "vbmeta") {
			role := vbmetaRole(name)
			c.Roles[role] = name
			c.VBMetaPartitions = append(c.VBMetaPartitions, name)
		}
	}

	return c, nil
}

// RequiredImages computes the set of partition names a patch run must
// touch: every @otacerts and @vbmeta:* target, plus the resolved root
// partition under @rootpatch when rooting is requested.
//
// rootPartitionSpec may be a role name (starting with "@"), an actual
// partition name, or empty to default to @gki_ramdisk.
func RequiredImages(c Classification, rooting bool, rootPartitionSpec string) ([]string, error) {
	set := map[string]bool{
		c.Roles[RoleOtacerts]: true,
	}
	for _, name := range c.VBMetaPartitions {
		set[name] = true
	}

	if rooting {
		spec := rootPartitionSpec
		if spec == "" {
			spec = string(RoleGkiRamdisk)
		}
		var resolved string
		if strings.HasPrefix(spec, "@") {
			name, ok := c.Roles[Role(spec)]
			if !ok {
				return nil, otaboot.NewError(otaboot.InvalidArgument,
					"planner.RequiredImages", fmt.Errorf("unknown boot-partition role %q", spec))
			}
			resolved = name
		} else {
			resolved = spec
		}
		if resolved == "" {
			return nil, otaboot.NewError(otaboot.InvalidArgument,
				"planner.RequiredImages", fmt.Errorf("could not resolve root partition %q", spec))
		}
		set[resolved] = true
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// VBMetaDeps describes one vbmeta image's direct dependencies: Chained
// lists the partition names referenced by its chain-partition and hash
// descriptors. Order treats every listed name as a dependency edge.
type VBMetaDeps struct {
	Partition string
	Chained   []string
}

// Order performs the pass spec.md's Partition Planner module calls for:
// a vbmeta image needs rewriting if it directly references a changed
// (working-set) image, or if it chains to another vbmeta image that
// itself needs rewriting (its descendant's hash changed, so its own
// chain-partition descriptor is now stale). That propagation is run to
// a fixed point; images that never get marked need no rewrite, since
// none of their descendants changed. The remainder is topologically
// sorted, ties broken lexicographically for determinism.
//
// Returns the ordered list of vbmeta images to rewrite (descendants
// before ancestors) and the reduced dependency graph -- each selected
// image's direct dependencies, restricted to the working set and other
// selected images.
func Order(deps []VBMetaDeps, workingSet map[string]bool) ([]string, map[string][]string) {
	rawChained := make(map[string][]string, len(deps))
	for _, d := range deps {
		chained := append([]string(nil), d.Chained...)
		sort.Strings(chained)
		rawChained[d.Partition] = chained
	}

	needsRewrite := make(map[string]bool, len(deps))
	for name, chained := range rawChained {
		for _, c := range chained {
			if workingSet[c] {
				needsRewrite[name] = true
				break
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for name, chained := range rawChained {
			if needsRewrite[name] {
				continue
			}
			for _, c := range chained {
				if needsRewrite[c] {
					needsRewrite[name] = true
					changed = true
					break
				}
			}
		}
	}

	graph := make(map[string][]string, len(needsRewrite))
	for name := range needsRewrite {
		var reduced []string
		for _, c := range rawChained[name] {
			if workingSet[c] || needsRewrite[c] {
				reduced = append(reduced, c)
			}
		}
		sort.Strings(reduced)
		graph[name] = reduced
	}

	// Topological sort (descendants first): visit children before
	// appending the parent, ties broken lexicographically.
	visited := make(map[string]bool, len(graph))
	var order []string
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, c := range graph[name] {
			if _, ok := graph[c]; ok {
				visit(c)
			}
		}
		order = append(order, name)
	}

	names := make([]string, 0, len(graph))
	for name := range graph {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		visit(name)
	}

	return order, graph
}

// ChainedPartitions extracts the ChainPartitionDescriptor targets from a
// vbmeta image's descriptor list, the dependency edges Order consumes.
func ChainedPartitions(descs []otaboot.Descriptor) []string {
	var out []string
	for _, d := range descs {
		if cp, ok := d.(otaboot.ChainPartitionDescriptor); ok {
			out = append(out, cp.PartitionName)
		}
	}
	sort.Strings(out)
	return out
}
