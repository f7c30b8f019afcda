// Package fingerprint implements the client-side wire contract the server
// depends on: the deterministic passphrase fingerprint used for session
// admission, and the chunk framing constants shared with the HTTP download
// path. The server never derives fingerprints from passphrases itself; this
// package exists so Go clients and tests produce byte-identical fingerprints
// for equal passphrases.
package fingerprint

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jsbattig/share-things-sub004/internal/models"
)

const (
	// IVSize is the per-chunk IV length on the download wire.
	IVSize = 12

	// EncryptedChunkSize is the fixed maximum ciphertext length of one chunk
	// on the download wire; only the final chunk may be shorter.
	EncryptedChunkSize = 65552

	// Iterations is the PBKDF2 round count clients use.
	Iterations = 100000
)

// salt is fixed by the wire contract: every client derives against the same
// salt so equal passphrases collide into equal fingerprints.
var salt = []byte("share-things-fingerprint-salt")

// Derive computes the deterministic fingerprint of a passphrase:
// PBKDF2-SHA256 over the passphrase, split into a 12-byte IV and 16 data
// bytes. The result is non-reversible; comparison is byte-exact.
func Derive(passphrase string) models.Fingerprint {
	derived := pbkdf2.Key([]byte(passphrase), salt, Iterations, IVSize+16, sha256.New)
	return models.Fingerprint{
		IV:   models.ByteList(derived[:IVSize]),
		Data: models.ByteList(derived[IVSize:]),
	}
}
