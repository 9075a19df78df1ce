package sequencer

import "encoding/hex"

// Hash is an identity commitment, an opaque fixed-size hash value.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func HashFromBytes(b []byte) (h Hash) {
	copy(h[:], b)
	return
}
