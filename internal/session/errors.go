package session

import "errors"

var (
	// ErrPassphraseMismatch rejects a join whose fingerprint differs from the
	// session's stored fingerprint.
	ErrPassphraseMismatch = errors.New("passphrase fingerprint mismatch")

	// ErrSessionExpired rejects operations on an expired session that has not
	// been purged yet.
	ErrSessionExpired = errors.New("session expired")

	// ErrUnauthorized rejects a missing, invalid, or revoked token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionNotFound reports an unknown session.
	ErrSessionNotFound = errors.New("session not found")
)
