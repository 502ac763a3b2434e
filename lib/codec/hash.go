package codec

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash returns the hex BLAKE3-256 digest of parts. Each part is length
// prefixed so ("ab","c") and ("a","bc") hash differently.
func Hash(parts ...[]byte) string {
	h := blake3.New()
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		h.Write(size[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
