package session

import (
	"crypto/subtle"

	"github.com/jsbattig/share-things-sub004/internal/models"
)

// PassphraseVerifier compares passphrase fingerprints in time independent of
// their content. Fingerprints are never logged and never travel back to
// clients.
type PassphraseVerifier struct{}

// NewPassphraseVerifier creates a verifier.
func NewPassphraseVerifier() *PassphraseVerifier {
	return &PassphraseVerifier{}
}

// Equal reports byte-exact equality of two fingerprints. The comparison runs
// in constant time over the concatenated IV and data; only the length may
// short-circuit.
func (v *PassphraseVerifier) Equal(a, b models.Fingerprint) bool {
	ab := a.Bytes()
	bb := b.Bytes()
	if len(ab) != len(bb) {
		return false
	}
	return subtle.ConstantTimeCompare(ab, bb) == 1
}
