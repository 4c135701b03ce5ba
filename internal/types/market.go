package types

import (
	"encoding/hex"
	"fmt"
)

const (
	MaxQuestionLen        = 200
	CiphertextSize        = 32
	EncryptedBetSize      = 2 * CiphertextSize
	MaxEncryptedStateSize = 256
	CommitmentSize        = 32
)

// Outcome values of a binary market
const (
	OutcomeNo  uint8 = 0
	OutcomeYes uint8 = 1
)

// PubKey is a bettor's x25519 public key
type PubKey [32]byte

// Nonce is a 128-bit encryption nonce, little-endian
type Nonce [16]byte

// Commitment is an opaque fingerprint of the latest pool snapshot
type Commitment [CommitmentSize]byte

func (p PubKey) String() string     { return hex.EncodeToString(p[:]) }
func (n Nonce) String() string      { return hex.EncodeToString(n[:]) }
func (c Commitment) String() string { return hex.EncodeToString(c[:]) }

// ParsePubKey decodes a hex encoded x25519 public key
func ParsePubKey(s string) (PubKey, error) {
	var p PubKey
	if err := decodeFixed(s, p[:]); err != nil {
		return p, fmt.Errorf("invalid public key: %w", err)
	}
	return p, nil
}

// ParseNonce decodes a hex encoded 16 byte nonce
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	if err := decodeFixed(s, n[:]); err != nil {
		return n, fmt.Errorf("invalid nonce: %w", err)
	}
	return n, nil
}

func decodeFixed(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
