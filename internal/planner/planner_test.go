package planner_test

import (
	"testing"

	"otaboot"
	"otaboot/internal/planner"
)

func TestClassify(t *testing.T) {
	c, err := planner.Classify([]string{"boot", "init_boot", "vendor_boot", "vbmeta", "vbmeta_system", "system"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if c.Roles[planner.RoleGkiKernel] != "boot" {
		t.Fatalf("gki_kernel = %q, want boot", c.Roles[planner.RoleGkiKernel])
	}
	if c.Roles[planner.RoleGkiRamdisk] != "init_boot" {
		t.Fatalf("gki_ramdisk = %q, want init_boot", c.Roles[planner.RoleGkiRamdisk])
	}
	if c.Roles[planner.RoleOtacerts] != "vendor_boot" {
		t.Fatalf("otacerts = %q, want vendor_boot", c.Roles[planner.RoleOtacerts])
	}
	if len(c.VBMetaPartitions) != 2 {
		t.Fatalf("vbmeta partitions = %v, want 2", c.VBMetaPartitions)
	}
}

func TestClassifyMissingRole(t *testing.T) {
	_, err := planner.Classify([]string{"system"})
	if otaboot.KindOf(err) != otaboot.NotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestRequiredImagesRooting(t *testing.T) {
	c, err := planner.Classify([]string{"boot", "vendor_boot", "vbmeta"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	names, err := planner.RequiredImages(c, true, "")
	if err != nil {
		t.Fatalf("RequiredImages: %v", err)
	}
	want := map[string]bool{"boot": true, "vendor_boot": true, "vbmeta": true}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected name %q in %v", n, names)
		}
	}
}

func TestOrderDropsUnaffectedVBMeta(t *testing.T) {
	deps := []planner.VBMetaDeps{
		{Partition: "vbmeta", Chained: []string{"vbmeta_system", "boot"}},
		{Partition: "vbmeta_system", Chained: []string{"system"}},
	}
	// Only boot changed; vbmeta_system has no changed dependency and
	// should drop out, leaving only vbmeta in the rewrite order.
	working := map[string]bool{"boot": true}
	order, _ := planner.Order(deps, working)

	found := false
	for _, name := range order {
		if name == "vbmeta_system" {
			found = true
		}
	}
	if found {
		t.Fatalf("order = %v, expected vbmeta_system to be dropped", order)
	}
	if len(order) != 1 || order[0] != "vbmeta" {
		t.Fatalf("order = %v, want [vbmeta]", order)
	}
}

func TestOrderTopologicallySorts(t *testing.T) {
	deps := []planner.VBMetaDeps{
		{Partition: "vbmeta", Chained: []string{"vbmeta_system"}},
		{Partition: "vbmeta_system", Chained: []string{"system"}},
	}
	working := map[string]bool{"system": true}
	order, _ := planner.Order(deps, working)

	if len(order) != 2 || order[0] != "vbmeta_system" || order[1] != "vbmeta" {
		t.Fatalf("order = %v, want [vbmeta_system vbmeta]", order)
	}
}

func TestChainedPartitions(t *testing.T) {
	descs := []otaboot.Descriptor{
		otaboot.ChainPartitionDescriptor{PartitionName: "vbmeta_system"},
		otaboot.ChainPartitionDescriptor{PartitionName: "vbmeta_vendor"},
		otaboot.HashDescriptor{PartitionName: "vbmeta"},
	}
	got := planner.ChainedPartitions(descs)
	if len(got) != 2 || got[0] != "vbmeta_system" || got[1] != "vbmeta_vendor" {
		t.Fatalf("ChainedPartitions = %v", got)
	}
}
