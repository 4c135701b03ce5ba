package compute

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ksred/darkpool-api/internal/types"
)

// Identity is the cluster's current signing material. Rotating the key id
// invalidates every attestation made with the previous one.
type Identity struct {
	KeyID  string
	Secret []byte
}

// Signer produces attestations on the cluster side
type Signer struct {
	id Identity
}

func NewSigner(id Identity) *Signer {
	return &Signer{id: id}
}

// Sign attests a result payload for the given request
func (s *Signer) Sign(kind Kind, requestID uint64, payload []byte) Attestation {
	return Attestation{
		KeyID:     s.id.KeyID,
		Signature: attestationMAC(s.id.Secret, kind, requestID, payload),
	}
}

// Verifier checks attestations against the expected cluster identity
type Verifier struct {
	id Identity
}

func NewVerifier(id Identity) *Verifier {
	return &Verifier{id: id}
}

// Verify accepts a callback only if it was signed with the current key for
// exactly this request and computation kind.
func (v *Verifier) Verify(kind Kind, cb Callback) error {
	if cb.Attestation.KeyID != v.id.KeyID {
		return fmt.Errorf("%w: unexpected key id %q", types.ErrAttestationFailed, cb.Attestation.KeyID)
	}
	want := attestationMAC(v.id.Secret, kind, cb.RequestID, cb.Payload)
	if !hmac.Equal(want, cb.Attestation.Signature) {
		return fmt.Errorf("%w: signature mismatch for request %d", types.ErrAttestationFailed, cb.RequestID)
	}
	return nil
}

// attestationMAC is HMAC-SHA256(secret, kind || 0x00 || request_id LE || payload)
func attestationMAC(secret []byte, kind Kind, requestID uint64, payload []byte) []byte {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], requestID)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(kind))
	mac.Write([]byte{0})
	mac.Write(id[:])
	mac.Write(payload)
	return mac.Sum(nil)
}
