package utils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// SeedSize is the number of random bytes in a table seed.
const SeedSize = 32

// NewSeed returns fresh random seed bytes and their hex blake2b-256
// commitment.  The commitment can be published up front and checked
// against the seed once it is revealed.
func NewSeed() ([]byte, string, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, "", err
	}
	return seed, Commit(seed), nil
}

// Commit returns the hex blake2b-256 digest of seed.
func Commit(seed []byte) string {
	sum := blake2b.Sum256(seed)
	return hex.EncodeToString(sum[:])
}

// VerifySeed reports whether seed matches commitment.
func VerifySeed(seed []byte, commitment string) bool {
	want, err := hex.DecodeString(commitment)
	if err != nil || len(want) != blake2b.Size256 {
		return false
	}
	sum := blake2b.Sum256(seed)
	return subtle.ConstantTimeCompare(sum[:], want) == 1
}
