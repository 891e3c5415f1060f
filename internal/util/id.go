package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier such as "prj_3f2a...". Callers pass the
// entity prefix (prj, clm, evd, aud, evt); an empty prefix yields bare hex.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
