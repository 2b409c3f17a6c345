package journal

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// Checksum computes the CRC32-IEEE of the fields that identify a record.
// Timestamp and Checksum itself are excluded.
func Checksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	for _, s := range []string{string(e.Type), e.RunID, string(e.ItemID), strconv.Itoa(e.Sequence), string(e.State), e.Reference, e.Error, e.Detail} {
		b.WriteByte('|')
		b.WriteString(s)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// Verify checks the stored checksum of e.
func Verify(e Event) error {
	if expected := Checksum(e); expected != e.Checksum {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
