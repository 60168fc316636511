package otaboot_test

import (
	"otaboot"
	"testing"
)

func TestCheckFmt(t *testing.T) {
	t.Log("Test check fmt")

	tdata := []byte("\x1f\x8b\x00\x00\xff\xff\xff\xff")

	if ret := otaboot.CheckFmt(tdata); ret != otaboot.GZIP {
		t.Fatalf("CheckFmt failed, Except: GZIP:%v But:%v", otaboot.GZIP, ret)
	}

	if ret := otaboot.Fmt2Name(otaboot.LZ4); ret != "lz4" {
		t.Fatalf("Fmt2Name failed, Except: lz4, But: %v", ret)
	}

	if ret := otaboot.Name2Fmt("lz4"); ret != otaboot.LZ4 {
		t.Fatalf("Name2Fmt failed, Except: %v, But: %v", otaboot.LZ4, ret)
	}
}
