package storage

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// encMode returns the CBOR encoder shared by the storage. The core
// deterministic options guarantee that equal artifacts always encode to
// identical bytes.
var encMode = sync.OnceValues(func() (cbor.EncMode, error) {
	return cbor.CoreDetEncOptions().EncMode()
})

// EncodeArtifact encodes an artifact with deterministic CBOR.
func EncodeArtifact(a any) ([]byte, error) {
	em, err := encMode()
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return em.Marshal(a)
}

// DecodeArtifact decodes a CBOR-encoded artifact into the provided output
// variable.
func DecodeArtifact(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
