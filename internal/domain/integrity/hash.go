package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ehr/edflow/internal/domain/diagnostics"
)

// HashResults returns the hex SHA-256 of the canonical JSON form of results:
// an object with keys in lexical order. Insertion order does not affect the
// digest. An empty map hashes to "".
func HashResults(results *diagnostics.ResultMap) string {
	if results.Len() == 0 {
		return ""
	}
	// encoding/json writes map keys sorted.
	raw, err := json.Marshal(results.Map())
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
