package codec

import "errors"

// Format and integrity failures are distinguishable sentinels so the
// lifecycle manager can report tamper, trust, and time-window causes
// separately.
var (
	// ErrFormat marks malformed package bytes or an undecodable
	// compression stream.
	ErrFormat = errors.New("malformed package")

	// ErrCorrupt marks a digest mismatch between the declared and the
	// recomputed content hash. Verification stops immediately.
	ErrCorrupt = errors.New("package content digest mismatch")

	// ErrUnsigned marks a package without a signature under a policy
	// that requires one.
	ErrUnsigned = errors.New("package is not signed")

	// ErrBadSignature marks a signature that does not verify over the
	// package payload.
	ErrBadSignature = errors.New("package signature invalid")

	// ErrUntrustedSigner marks a signer certificate that is neither in
	// the trust store nor chains to it.
	ErrUntrustedSigner = errors.New("package signer not trusted")

	// ErrCertExpired marks a publish timestamp after the signer
	// certificate's validity window.
	ErrCertExpired = errors.New("signer certificate expired at publish time")

	// ErrCertNotYetValid marks a publish timestamp before the signer
	// certificate's validity window.
	ErrCertNotYetValid = errors.New("signer certificate not yet valid at publish time")

	// ErrFutureTimestamp marks a package claiming to be published in
	// the future.
	ErrFutureTimestamp = errors.New("package publish timestamp is in the future")
)
