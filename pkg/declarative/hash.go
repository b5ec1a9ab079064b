package declarative

import (
	"crypto/sha256"
	"fmt"
)

// ComputeHash computes the SHA-256 hash of the canonical JSON
// serialization of attrs (sorted keys, no whitespace).
func ComputeHash(attrs map[string]interface{}) string {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	data, err := CanonicalJSON(attrs)
	if err != nil {
		// fmt prints maps with sorted keys, which keeps the fallback stable.
		data = []byte(fmt.Sprintf("%v", NormalizeMap(attrs)))
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("sha256:%x", sum)
}
