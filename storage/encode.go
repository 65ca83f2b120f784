package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEnc cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder setup: %v", err))
	}
	cborEnc = em
}

// EncodeArtifact encodes an artifact into deterministic CBOR.
func EncodeArtifact(a any) ([]byte, error) {
	data, err := cborEnc.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return data, nil
}

// DecodeArtifact decodes a CBOR-encoded artifact into out.
func DecodeArtifact(data []byte, out any) error {
	if err := cbor.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode artifact: %w", err)
	}
	return nil
}
