package index

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// revisionTag derives the ETag for a write from its encoded properties and
// sequence number.
func revisionTag(encoded []byte, seq uint64) string {
	h := blake3.New()
	h.Write(encoded)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	return `W/"` + hex.EncodeToString(h.Sum(nil)[:16]) + `"`
}
