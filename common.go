package otaboot

import "bytes"

func align_to(v uint64, a uint64) uint64 {
	return (v + a - 1) / a * a
}

func align_padding(v, a uint64) uint64 {
	return align_to(v, a) - v
}

// trimNulString trims trailing NUL bytes from a fixed-size header field
// (cmdline, extra_cmdline, ...) and returns it as a string.
func trimNulString(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}
