package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// digest hashes the canonical JSON form of a payload. Struct fields marshal
// in declaration order and map keys sort, so equal values always digest
// equally; an audit reviewer can recompute every digest from stored inputs.
func digest(payload interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		// Digest inputs are our own marshalable types; an error here is a
		// programming bug, not runtime data.
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
