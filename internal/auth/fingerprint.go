package auth

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

var fingerprintKey = [32]byte{
	't', 'e', 'n', 'a', 'n', 't', 'g', 'u', 'a', 'r', 'd', '.', 't', 'o', 'k', 'e',
	'n', '.', 'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0,
}

// Fingerprint returns the blacklist key for a token: a keyed BLAKE3 digest,
// hex encoded. Tokens are never stored verbatim.
func Fingerprint(token string) string {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("auth: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(token))
	return hex.EncodeToString(hasher.Sum(nil))
}
