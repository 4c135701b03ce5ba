package compute

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/ksred/darkpool-api/internal/circuit"
	"github.com/ksred/darkpool-api/internal/types"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
)

// The stand-in cipher: an x25519 shared secret keys a ChaCha20 keystream and
// each encrypted scalar occupies one 32 byte word. It mirrors the shape of
// the cluster's real encryption closely enough for ciphertext sizes,
// key agreement and nonce handling to be exercised end to end.

// KeyPair is an x25519 key pair
type KeyPair struct {
	Private [32]byte
	Public  types.PubKey
}

// GenerateKeyPair draws a fresh x25519 key pair from r
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(r, kp.Private[:]); err != nil {
		return kp, fmt.Errorf("failed to read key material: %w", err)
	}
	return KeyPairFromPrivate(kp.Private)
}

// KeyPairFromPrivate derives the public half of an x25519 private key
func KeyPairFromPrivate(priv [32]byte) (KeyPair, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to derive public key: %w", err)
	}
	kp := KeyPair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the x25519 secret between a private key and a peer
func SharedSecret(priv [32]byte, peer types.PubKey) ([32]byte, error) {
	var out [32]byte
	s, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return out, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	copy(out[:], s)
	return out, nil
}

// EncryptBet is the bettor side of Flow A: it produces the 64 byte
// outcome || amount ciphertext plus the public key the cluster needs.
func EncryptBet(bettor KeyPair, cluster types.PubKey, nonce types.Nonce, outcome uint8, amount uint64) ([]byte, error) {
	secret, err := SharedSecret(bettor.Private, cluster)
	if err != nil {
		return nil, err
	}
	words := []uint64{uint64(outcome), amount}
	return xorWords(secret, nonce, encodeWords(words))
}

// DecryptBet is the cluster side of EncryptBet
func DecryptBet(cluster KeyPair, bettor types.PubKey, nonce types.Nonce, outcomeCT, amountCT []byte) (uint8, uint64, error) {
	if len(outcomeCT) != types.CiphertextSize || len(amountCT) != types.CiphertextSize {
		return 0, 0, fmt.Errorf("%w: ciphertext must be %d bytes", types.ErrInvalidEncryptedBetSize, types.CiphertextSize)
	}
	secret, err := SharedSecret(cluster.Private, bettor)
	if err != nil {
		return 0, 0, err
	}

	ct := make([]byte, 0, types.EncryptedBetSize)
	ct = append(ct, outcomeCT...)
	ct = append(ct, amountCT...)

	plain, err := xorWords(secret, nonce, ct)
	if err != nil {
		return 0, 0, err
	}
	outcome, ok := decodeScalar(plain[:types.CiphertextSize])
	if !ok || outcome > math.MaxUint8 {
		// never a valid outcome, so the bet fails validation instead of wrapping
		outcome = math.MaxUint8
	}
	amount, ok := decodeScalar(plain[types.CiphertextSize:])
	if !ok {
		amount = 0
	}
	return uint8(outcome), amount, nil
}

const snapshotWords = 5

// SealSnapshot encrypts pool totals under the cluster's state key. The nonce
// is stored in front of the ciphertext words.
func SealSnapshot(stateKey [32]byte, nonce types.Nonce, totals circuit.PoolTotals) ([]byte, error) {
	words := []uint64{totals.Yes, totals.No, totals.Deposits, totals.Count, totals.Salt}
	ct, err := xorWords(stateKey, nonce, encodeWords(words))
	if err != nil {
		return nil, err
	}
	return append(nonce[:], ct...), nil
}

// OpenSnapshot decrypts a sealed snapshot. An empty snapshot is a freshly
// activated pool.
func OpenSnapshot(stateKey [32]byte, blob []byte) (circuit.PoolTotals, error) {
	if len(blob) == 0 {
		return circuit.PoolTotals{}, nil
	}
	if len(blob) != len(types.Nonce{})+snapshotWords*types.CiphertextSize {
		return circuit.PoolTotals{}, fmt.Errorf("%w: snapshot is %d bytes", types.ErrInvalidComputation, len(blob))
	}

	var nonce types.Nonce
	copy(nonce[:], blob)
	plain, err := xorWords(stateKey, nonce, blob[len(nonce):])
	if err != nil {
		return circuit.PoolTotals{}, err
	}
	w := decodeWords(plain)
	return circuit.PoolTotals{Yes: w[0], No: w[1], Deposits: w[2], Count: w[3], Salt: w[4]}, nil
}

func xorWords(key [32]byte, nonce types.Nonce, in []byte) ([]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:chacha20.NonceSize])
	if err != nil {
		return nil, fmt.Errorf("failed to init keystream: %w", err)
	}
	out := make([]byte, len(in))
	c.XORKeyStream(out, in)
	return out, nil
}

func encodeWords(words []uint64) []byte {
	buf := make([]byte, len(words)*types.CiphertextSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*types.CiphertextSize:], w)
	}
	return buf
}

// decodeScalar reads one word and reports whether it fits in 64 bits
func decodeScalar(word []byte) (uint64, bool) {
	for _, b := range word[8:] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.LittleEndian.Uint64(word), true
}

func decodeWords(buf []byte) []uint64 {
	words := make([]uint64, len(buf)/types.CiphertextSize)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[i*types.CiphertextSize:])
	}
	return words
}
