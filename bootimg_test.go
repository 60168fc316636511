package otaboot_test

import (
	"encoding/binary"
	"otaboot"
	"reflect"
	"testing"
)

func TestAlign(t *testing.T) {
	t.Log("Test structure align size")

	tests := map[interface{}]int{
		otaboot.MtkHdr{}:               512,
		otaboot.DhtbHdr{}:              512,
		otaboot.BlobHdr{}:              104,
		otaboot.ZimageHdr{}:            52,
		otaboot.AvbFooter{}:            64,
		otaboot.AvbVBMetaImageHeader{}: 256,
		otaboot.BootImgHdrV0{}:         1632,
		otaboot.BootImgHdrV1{}:         1648,
		otaboot.BootImgHdrV2{}:         1660,
		otaboot.BootImgHdrPxa{}:        1640,
		otaboot.BootImgHdrV3{}:         1580,
		otaboot.BootImgHdrV4{}:         1584,
		otaboot.BootImgHdrVndV3{}:      2112,
		otaboot.BootImgHdrVndV4{}:      2128,
	}

	for v, s := range tests {
		rt := reflect.TypeOf(v)
		t.Logf("Check align of: %v", rt.Name())
		if ret := binary.Size(v); ret != s {
			t.Fatalf("Align mismatch at: %v, Except: %v, But: %v", rt.Name(), s, ret)
		}
	}
}
