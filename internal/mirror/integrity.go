package mirror

import (
	_ "crypto/sha512"
	"encoding/base64"
	"encoding/hex"

	"github.com/opencontainers/go-digest"
)

// Integrity returns the subresource-integrity value for content, in the
// "sha384-<base64>" form browsers expect.
func Integrity(content []byte) string {
	d := digest.SHA384.FromBytes(content)
	sum, err := hex.DecodeString(d.Encoded())
	if err != nil {
		// FromBytes always yields a valid hex encoding.
		panic(err)
	}
	return string(d.Algorithm()) + "-" + base64.StdEncoding.EncodeToString(sum)
}
